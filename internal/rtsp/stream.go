package rtsp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/syncstream/internal/elements"
	"github.com/mantonx/syncstream/internal/pipeline"
)

// targetQueue bounds the packets waiting for one slow client
const targetQueue = 512

// Stream is one payloaded output of a media, fanned out to every session
// that set it up
type Stream struct {
	index int
	pay   elements.Payloader
	sink  *streamSink

	mu      sync.RWMutex
	targets map[string]*target
}

func newStream(index int, pay elements.Payloader) *Stream {
	s := &Stream{index: index, pay: pay, targets: make(map[string]*target)}
	s.sink = newStreamSink(fmt.Sprintf("rtspsink%d", index), s)
	return s
}

func (s *Stream) Index() int { return s.index }

// Control is the per-stream SETUP path suffix advertised in the SDP
func (s *Stream) Control() string { return fmt.Sprintf("stream=%d", s.index) }

func (s *Stream) Payloader() elements.Payloader { return s.pay }

// Targets counts the sessions receiving the stream
func (s *Stream) Targets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.targets)
}

// addTarget returns the target it replaced, for the caller to stop
func (s *Stream) addTarget(session string, t *target) *target {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.targets[session]
	s.targets[session] = t
	return old
}

func (s *Stream) removeTarget(session string) {
	s.mu.Lock()
	t := s.targets[session]
	delete(s.targets, session)
	s.mu.Unlock()
	if t != nil {
		t.stop()
	}
}

func (s *Stream) eachTarget(fn func(t *target)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.targets {
		fn(t)
	}
}

// deliver hands one RTP packet to every playing target. Packets are
// complete before pushing, so the slice is shared read-only.
func (s *Stream) deliver(data []byte) {
	s.eachTarget(func(t *target) {
		if t.playing.Load() {
			t.enqueue(packet{data: data})
		}
	})
}

type packet struct {
	rtcp bool
	data []byte
}

// target is one session's view of a stream. A writer goroutine drains a
// leaky queue so a stalled client never blocks the media.
type target struct {
	tx      sender
	queue   chan packet
	playing atomic.Bool
	sent    atomic.Uint64
	dropped atomic.Uint64
	logger  hclog.Logger

	once sync.Once
	done chan struct{}
}

func newTarget(tx sender, logger hclog.Logger) *target {
	t := &target{
		tx:     tx,
		queue:  make(chan packet, targetQueue),
		done:   make(chan struct{}),
		logger: logger,
	}
	go t.run()
	return t
}

func (t *target) enqueue(p packet) {
	select {
	case <-t.done:
		return
	default:
	}
	for {
		select {
		case t.queue <- p:
			return
		default:
		}
		select {
		case <-t.queue:
			t.dropped.Add(1)
		default:
		}
	}
}

func (t *target) run() {
	for {
		select {
		case <-t.done:
			return
		case p := <-t.queue:
			var err error
			if p.rtcp {
				err = t.tx.sendRTCP(p.data)
			} else {
				err = t.tx.sendRTP(p.data)
			}
			if err != nil {
				t.logger.Debug("send failed", "error", err)
				continue
			}
			t.sent.Add(1)
		}
	}
}

func (t *target) stop() {
	t.once.Do(func() {
		close(t.done)
		if err := t.tx.close(); err != nil {
			t.logger.Debug("close transport", "error", err)
		}
	})
}

// streamSink terminates a payloader branch inside the media pipeline
type streamSink struct {
	pipeline.Base
	stream *Stream
	eos    atomic.Bool
}

func newStreamSink(name string, s *Stream) *streamSink {
	k := &streamSink{stream: s}
	k.Init(k, "rtspstreamsink", name)
	pad := k.NewPad("sink", pipeline.PadSink, pipeline.NewCaps("application/x-rtp"))
	pad.SetChainFunc(k.chain)
	pad.SetEventFunc(k.event)
	return k
}

func (k *streamSink) IsSink() bool { return true }

func (k *streamSink) ChangeState(ctx context.Context, t pipeline.Transition) error {
	if t == pipeline.PausedToPlaying {
		k.eos.Store(false)
	}
	return nil
}

func (k *streamSink) chain(ctx context.Context, buf *pipeline.Buffer) error {
	if k.eos.Load() {
		return pipeline.ErrEOS
	}
	k.stream.deliver(buf.Data)
	return nil
}

func (k *streamSink) event(ctx context.Context, ev pipeline.Event) error {
	if ev.Type == pipeline.EventEOS && !k.eos.Swap(true) {
		k.PostEOS()
	}
	return nil
}
