package elements

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mantonx/syncstream/internal/pipeline"
)

// DefaultMaxLateness is how late a synced buffer may be and still render
const DefaultMaxLateness = 20 * time.Millisecond

// SinkStats counts what a sink did with its buffers
type SinkStats struct {
	Rendered uint64
	Dropped  uint64
	// LastPTS is the PTS of the most recent rendered buffer
	LastPTS time.Duration
}

// baseSink presents buffers against the pipeline clock. Buffers are held
// until baseTime + pts + latency; those later than max-lateness are
// dropped. Waiting is interrupted when the pipeline leaves PLAYING.
type baseSink struct {
	pipeline.Base
	sink   *pipeline.Pad
	render func(ctx context.Context, buf *pipeline.Buffer) error

	mu          sync.Mutex
	clockSync   bool
	maxLateness time.Duration
	playCtx     context.Context
	playCancel  context.CancelFunc

	rendered atomic.Uint64
	dropped  atomic.Uint64
	lastPTS  atomic.Int64
	eos      atomic.Bool
}

func (s *baseSink) initSink(self pipeline.Element, factory, name string, tmpl *pipeline.Caps, syncDefault bool) {
	s.Init(self, factory, name)
	s.clockSync = syncDefault
	s.maxLateness = DefaultMaxLateness
	s.sink = s.NewPad("sink", pipeline.PadSink, tmpl)
	s.sink.SetChainFunc(s.chain)
	s.sink.SetEventFunc(s.event)
}

func (s *baseSink) IsSink() bool { return true }

func (s *baseSink) setSinkProperty(key, value string) (bool, error) {
	switch key {
	case "sync":
		b, err := pipeline.ParseBool(value)
		if err == nil {
			s.mu.Lock()
			s.clockSync = b
			s.mu.Unlock()
		}
		return true, err
	case "max-lateness":
		d, err := pipeline.ParseDuration(value)
		if err == nil {
			s.mu.Lock()
			s.maxLateness = d
			s.mu.Unlock()
		}
		return true, err
	}
	return false, nil
}

// Stats returns the buffer counters
func (s *baseSink) Stats() SinkStats {
	return SinkStats{
		Rendered: s.rendered.Load(),
		Dropped:  s.dropped.Load(),
		LastPTS:  time.Duration(s.lastPTS.Load()),
	}
}

func (s *baseSink) ChangeState(ctx context.Context, t pipeline.Transition) error {
	switch t {
	case pipeline.PausedToPlaying:
		s.mu.Lock()
		s.playCtx, s.playCancel = context.WithCancel(context.Background())
		s.mu.Unlock()
		s.eos.Store(false)
	case pipeline.PlayingToPaused:
		s.mu.Lock()
		if s.playCancel != nil {
			s.playCancel()
		}
		s.playCtx, s.playCancel = nil, nil
		s.mu.Unlock()
	}
	return nil
}

func (s *baseSink) playing() (context.Context, bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playCtx, s.clockSync, s.maxLateness
}

func (s *baseSink) chain(ctx context.Context, buf *pipeline.Buffer) error {
	if s.eos.Load() {
		return pipeline.ErrEOS
	}
	playCtx, synced, maxLateness := s.playing()
	if playCtx == nil {
		return pipeline.ErrFlushing
	}
	if synced {
		waitCtx, cancel := mergeContexts(ctx, playCtx)
		lateness, err := s.WaitPresent(waitCtx, buf.PTS)
		cancel()
		if err != nil {
			return pipeline.ErrFlushing
		}
		if maxLateness >= 0 && lateness > maxLateness {
			s.dropped.Add(1)
			s.Logger().Trace("dropping late buffer", "pts", buf.PTS, "lateness", lateness)
			return nil
		}
	}
	if err := s.render(ctx, buf); err != nil {
		return err
	}
	s.rendered.Add(1)
	s.lastPTS.Store(int64(buf.PTS))
	return nil
}

func (s *baseSink) event(ctx context.Context, ev pipeline.Event) error {
	if ev.Type == pipeline.EventEOS && !s.eos.Swap(true) {
		s.PostEOS()
	}
	return nil
}

// mergeContexts is done when either parent is
func mergeContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Handoff receives every buffer a FakeSink renders
type Handoff func(buf *pipeline.Buffer)

// FakeSink discards buffers after an optional handoff callback
type FakeSink struct {
	baseSink

	hmu     sync.RWMutex
	handoff Handoff
}

func NewFakeSink(name string) *FakeSink {
	f := &FakeSink{}
	f.render = func(ctx context.Context, buf *pipeline.Buffer) error {
		f.hmu.RLock()
		h := f.handoff
		f.hmu.RUnlock()
		if h != nil {
			h(buf)
		}
		return nil
	}
	f.initSink(f, "fakesink", name, nil, false)
	return f
}

func (f *FakeSink) SetProperty(key, value string) error {
	if ok, err := f.setSinkProperty(key, value); ok {
		return err
	}
	if key == "silent" {
		_, err := pipeline.ParseBool(value)
		return err
	}
	return f.Base.SetProperty(key, value)
}

// SetHandoff installs fn as the per-buffer callback
func (f *FakeSink) SetHandoff(fn Handoff) {
	f.hmu.Lock()
	f.handoff = fn
	f.hmu.Unlock()
}

// AudioOutput receives rendered PCM
type AudioOutput interface {
	Write(p []byte) (int, error)
}

// AudioSink renders raw audio to an AudioOutput at clock time
type AudioSink struct {
	baseSink
	out AudioOutput

	samples atomic.Uint64
}

func NewAudioSink(name string, out AudioOutput) *AudioSink {
	a := &AudioSink{out: out}
	a.render = a.write
	a.initSink(a, "audiosink", name, rawAudio, true)
	return a
}

func (a *AudioSink) SetProperty(key, value string) error {
	if ok, err := a.setSinkProperty(key, value); ok {
		return err
	}
	return a.Base.SetProperty(key, value)
}

// Samples returns the number of sample frames rendered
func (a *AudioSink) Samples() uint64 {
	return a.samples.Load()
}

func (a *AudioSink) write(ctx context.Context, buf *pipeline.Buffer) error {
	info, err := audioInfoFromCaps(buf.Caps)
	if err != nil {
		if c := a.sink.Caps(); c != nil {
			info, err = audioInfoFromCaps(c)
		}
		if err != nil {
			return err
		}
	}
	if a.out != nil {
		if _, err := a.out.Write(buf.Data); err != nil {
			return fmt.Errorf("audio output: %w", err)
		}
	}
	a.samples.Add(uint64(len(buf.Data) / info.bytesPerFrame()))
	return nil
}
