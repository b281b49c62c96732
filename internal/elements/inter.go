package elements

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mantonx/syncstream/internal/pipeline"
)

// DefaultInterQueueSize bounds each relay subscriber
const DefaultInterQueueSize = 8

// DefaultInterTimeout is how long an intersrc waits for its publisher
// before it fills in blank frames
const DefaultInterTimeout = time.Second

// errIdle reports that nothing was published within the wait
var errIdle = errors.New("relay channel idle")

// InterChannels is the process-wide registry of named relay channels that
// connect an intersink in one pipeline to intersrcs in others
type InterChannels struct {
	mu       sync.Mutex
	channels map[string]*InterChannel
}

func NewInterChannels() *InterChannels {
	return &InterChannels{channels: make(map[string]*InterChannel)}
}

// Get returns the named channel, creating it on first use
func (r *InterChannels) Get(name string) *InterChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[name]
	if !ok {
		ch = &InterChannel{name: name, subs: make(map[*InterSubscription]struct{})}
		r.channels[name] = ch
	}
	return ch
}

// Names lists the channels created so far
func (r *InterChannels) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.channels))
	for n := range r.channels {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// relayed is a buffer on a channel, stamped with absolute clock time
type relayed struct {
	buf *pipeline.Buffer
	at  time.Duration
}

// InterChannel fans buffers from one publisher out to its subscribers.
// Subscribers only see buffers published after they subscribed. A slow
// subscriber loses its oldest buffers.
type InterChannel struct {
	name string

	mu        sync.Mutex
	subs      map[*InterSubscription]struct{}
	caps      *pipeline.Caps
	published atomic.Uint64
}

func (c *InterChannel) Name() string { return c.name }

// Caps returns the format of the last published buffer
func (c *InterChannel) Caps() *pipeline.Caps {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Published returns the number of buffers published
func (c *InterChannel) Published() uint64 {
	return c.published.Load()
}

// Subscribers returns the current subscriber count
func (c *InterChannel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Publish delivers buf, presented at absolute clock time at, to every
// subscriber without blocking
func (c *InterChannel) Publish(buf *pipeline.Buffer, at time.Duration) {
	c.mu.Lock()
	if buf.Caps != nil {
		c.caps = buf.Caps
	}
	subs := make([]*InterSubscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	c.published.Add(1)
	for _, s := range subs {
		s.offer(relayed{buf: buf, at: at})
	}
}

// Subscribe attaches a new subscriber with the given queue size
func (c *InterChannel) Subscribe(size int) *InterSubscription {
	if size <= 0 {
		size = DefaultInterQueueSize
	}
	s := &InterSubscription{ch: c, queue: make(chan relayed, size)}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()
	return s
}

// InterSubscription is one reader of a channel
type InterSubscription struct {
	ch      *InterChannel
	queue   chan relayed
	dropped atomic.Uint64
	once    sync.Once
}

func (s *InterSubscription) offer(r relayed) {
	for {
		select {
		case s.queue <- r:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns how many buffers were discarded for this subscriber
func (s *InterSubscription) Dropped() uint64 {
	return s.dropped.Load()
}

// next waits for a buffer. A positive wait bounds it and yields errIdle.
func (s *InterSubscription) next(ctx context.Context, wait time.Duration) (relayed, error) {
	var idle <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		idle = timer.C
	}
	select {
	case r := <-s.queue:
		return r, nil
	case <-idle:
		return relayed{}, errIdle
	case <-ctx.Done():
		return relayed{}, ctx.Err()
	}
}

// Cancel detaches the subscriber
func (s *InterSubscription) Cancel() {
	s.once.Do(func() {
		s.ch.mu.Lock()
		delete(s.ch.subs, s)
		s.ch.mu.Unlock()
	})
}

// InterSink publishes its input on a relay channel, by default at the
// buffer's presentation time
type InterSink struct {
	baseSink
	channels *InterChannels

	cmu     sync.Mutex
	channel string
}

func NewInterSink(name string, channels *InterChannels) *InterSink {
	s := &InterSink{channels: channels, channel: "default"}
	s.render = s.publish
	s.initSink(s, "intersink", name, nil, true)
	return s
}

func (s *InterSink) SetProperty(key, value string) error {
	if ok, err := s.setSinkProperty(key, value); ok {
		return err
	}
	if key == "channel" {
		s.cmu.Lock()
		s.channel = value
		s.cmu.Unlock()
		return nil
	}
	return s.Base.SetProperty(key, value)
}

// Channel returns the configured channel
func (s *InterSink) Channel() *InterChannel {
	s.cmu.Lock()
	name := s.channel
	s.cmu.Unlock()
	return s.channels.Get(name)
}

func (s *InterSink) publish(ctx context.Context, buf *pipeline.Buffer) error {
	if buf.Caps == nil {
		buf = buf.Derive(buf.Data, s.sink.Caps())
	}
	s.Channel().Publish(buf, s.PresentationTime(buf.PTS))
	return nil
}

// InterSrc plays a relay channel into its pipeline. Each buffer's PTS is
// rebased from the publisher's presentation time onto this pipeline's
// running time. Both pipelines must share a clock. While the channel is
// idle for longer than timeout, black frames are produced at the last
// format, or at what downstream accepts, so the pipeline still negotiates.
type InterSrc struct {
	pipeline.Base
	src      *pipeline.Pad
	channels *InterChannels

	mu      sync.Mutex
	channel string
	size    int
	timeout time.Duration
	sub     *InterSubscription
	caps    *pipeline.Caps
	seq     uint64
	blanks  uint64
}

func NewInterSrc(name string, channels *InterChannels) *InterSrc {
	s := &InterSrc{channels: channels, channel: "default", size: DefaultInterQueueSize, timeout: DefaultInterTimeout}
	s.Init(s, "intersrc", name)
	s.src = s.NewPad("src", pipeline.PadSrc, nil)
	return s
}

func (s *InterSrc) SetProperty(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch key {
	case "channel":
		s.channel = value
	case "queue-size":
		n, err := pipeline.ParseInt(value)
		if err != nil || n <= 0 {
			return err
		}
		s.size = n
	case "timeout":
		d, err := pipeline.ParseDuration(value)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid timeout %q", value)
		}
		s.timeout = d
	default:
		return s.Base.SetProperty(key, value)
	}
	return nil
}

// Blanks counts the filler frames produced so far
func (s *InterSrc) Blanks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blanks
}

// Subscription returns the live subscription, or nil below PLAYING
func (s *InterSrc) Subscription() *InterSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

func (s *InterSrc) ChangeState(ctx context.Context, t pipeline.Transition) error {
	switch t {
	case pipeline.PausedToPlaying:
		s.mu.Lock()
		s.sub = s.channels.Get(s.channel).Subscribe(s.size)
		s.mu.Unlock()
		s.StartStreaming(s.loop)
	case pipeline.PlayingToPaused:
		s.StopStreaming()
		s.mu.Lock()
		if s.sub != nil {
			s.sub.Cancel()
			s.sub = nil
		}
		s.mu.Unlock()
	case pipeline.PausedToReady:
		s.mu.Lock()
		s.caps = nil
		s.mu.Unlock()
	}
	return nil
}

func (s *InterSrc) loop(ctx context.Context) {
	sub := s.Subscription()
	if sub == nil {
		return
	}
	s.mu.Lock()
	timeout := s.timeout
	s.mu.Unlock()

	wait := timeout
	for {
		r, err := sub.next(ctx, wait)
		if errors.Is(err, errIdle) {
			var ok bool
			if r, wait, ok = s.blank(); !ok {
				wait = timeout
				continue
			}
		} else if err != nil {
			return
		} else {
			wait = timeout
		}

		if !s.forward(ctx, r) {
			return
		}
	}
}

// forward pushes one relayed buffer, announcing its caps when they change.
// It reports false when streaming should stop.
func (s *InterSrc) forward(ctx context.Context, r relayed) bool {
	s.mu.Lock()
	caps := s.caps
	s.mu.Unlock()
	if r.buf.Caps != nil && (caps == nil || !r.buf.Caps.Equal(caps)) {
		if err := s.src.SetCaps(r.buf.Caps); err != nil {
			s.PostError(err)
			return false
		}
		if err := s.src.PushEvent(ctx, pipeline.Event{Type: pipeline.EventCaps, Caps: r.buf.Caps}); err != nil && err != pipeline.ErrNotLinked {
			if ctx.Err() == nil {
				s.PostError(err)
			}
			return false
		}
		s.mu.Lock()
		s.caps = r.buf.Caps
		s.mu.Unlock()
	}

	out := r.buf.Derive(r.buf.Data, r.buf.Caps)
	out.PTS = s.rebase(r.at)
	s.mu.Lock()
	out.Sequence = s.seq
	s.seq++
	s.mu.Unlock()

	if err := s.src.Push(ctx, out); err != nil {
		if ctx.Err() != nil || err == pipeline.ErrFlushing {
			return false
		}
		if err != pipeline.ErrNotLinked {
			s.Logger().Debug("relay push failed", "error", err)
		}
	}
	return true
}

// blank makes one black frame presented now, and the wait until the next
func (s *InterSrc) blank() (relayed, time.Duration, bool) {
	s.mu.Lock()
	caps := s.caps
	s.mu.Unlock()

	info, err := videoInfoFromCaps(caps)
	if caps == nil || err != nil {
		info = blankInfo(s.src.PeerQueryCaps())
	}
	frame := time.Duration(info.fpsD) * time.Second / time.Duration(info.fpsN)

	h := s.Host()
	if h == nil || h.Clock() == nil {
		return relayed{}, 0, false
	}
	if peer := s.src.Peer(); peer != nil && peer.Accept(info.caps()) != nil {
		return relayed{}, 0, false
	}
	at := h.Clock().Time() + h.Latency()

	s.mu.Lock()
	s.blanks++
	n := s.blanks
	s.mu.Unlock()
	if n == 1 {
		s.Logger().Debug("relay channel idle, sending blank frames", "caps", info.caps().String())
	}
	return relayed{
		buf: &pipeline.Buffer{Data: blankFrame(info), Caps: info.caps(), Duration: frame, KeyFrame: true},
		at:  at,
	}, frame, true
}

// blankInfo fixates downstream's accepted caps, with 320x240 I420 at 30
// fps for anything left open
func blankInfo(down *pipeline.Caps) videoInfo {
	info := videoInfo{format: FormatI420, width: 320, height: 240, fpsN: 30, fpsD: 1}
	if down == nil || down.IsAny() {
		return info
	}
	if formats := down.Values("format"); len(formats) > 0 {
		info.format = ""
		for _, f := range formats {
			if f == FormatI420 || (f == FormatRGBA && info.format == "") {
				info.format = f
			}
		}
		if info.format == "" {
			info.format = FormatI420
		}
	}
	if w, ok := down.Int("width"); ok && w > 0 {
		info.width = w
	}
	if h, ok := down.Int("height"); ok && h > 0 {
		info.height = h
	}
	if fr := down.Values("framerate"); len(fr) == 1 {
		if n, d, err := parseFraction(fr[0]); err == nil && n > 0 && d > 0 {
			info.fpsN, info.fpsD = n, d
		}
	}
	return info
}

func blankFrame(info videoInfo) []byte {
	data := make([]byte, info.frameSize())
	if info.format == FormatRGBA {
		for i := 3; i < len(data); i += 4 {
			data[i] = 0xff
		}
		return data
	}
	luma := info.width * info.height
	for i := range data {
		if i < luma {
			data[i] = 16
		} else {
			data[i] = 128
		}
	}
	return data
}

// rebase maps an absolute presentation time to local running time minus
// local latency, so the local sink presents at the same instant
func (s *InterSrc) rebase(at time.Duration) time.Duration {
	h := s.Host()
	if h == nil {
		return at
	}
	pts := at - h.BaseTime() - h.Latency()
	if pts < 0 {
		pts = 0
	}
	return pts
}
