package elements

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/mantonx/syncstream/internal/pipeline"
)

// Stream is one elementary stream of an opened URI
type Stream interface {
	Caps() *pipeline.Caps
	// Next returns the next buffer with a stream-relative PTS. io.EOF ends
	// the stream.
	Next(ctx context.Context) (*pipeline.Buffer, error)
	Close() error
}

// Media is what an Opener found behind a URI
type Media struct {
	Streams []Stream
	// Tags are posted on the bus when the media opens
	Tags map[string]string
}

// Opener opens URIs of one scheme
type Opener func(ctx context.Context, u *url.URL) (*Media, error)

// DecodeSource opens a URI and exposes one src pad per stream once PAUSED.
// Pads are announced through OnPadAdded; a Router usually links them.
type DecodeSource struct {
	pipeline.Base
	openers map[string]Opener

	mu       sync.Mutex
	uri      string
	latency  time.Duration
	handlers []pipeline.PadAddedFunc
	streams  []*decodeStream
}

type decodeStream struct {
	Stream
	pad *pipeline.Pad
	eos bool
}

func NewDecodeSource(name string, openers map[string]Opener) *DecodeSource {
	d := &DecodeSource{openers: openers}
	d.Init(d, "decodesrc", name)
	return d
}

func (d *DecodeSource) SetProperty(key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch key {
	case "uri":
		d.uri = value
	case "latency":
		l, err := pipeline.ParseDuration(value)
		if err != nil || l < 0 {
			return fmt.Errorf("invalid latency %q", value)
		}
		d.latency = l
	default:
		return d.Base.SetProperty(key, value)
	}
	return nil
}

// SetLatency delays every buffer by l, giving the network jitter room
func (d *DecodeSource) SetLatency(l time.Duration) {
	d.mu.Lock()
	d.latency = l
	d.mu.Unlock()
}

func (d *DecodeSource) OnPadAdded(fn pipeline.PadAddedFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, fn)
}

func (d *DecodeSource) ChangeState(ctx context.Context, t pipeline.Transition) error {
	switch t {
	case pipeline.ReadyToPaused:
		return d.open(ctx)
	case pipeline.PausedToPlaying:
		d.StartStreaming(d.run)
	case pipeline.PlayingToPaused:
		d.StopStreaming()
	case pipeline.PausedToReady:
		d.StopStreaming()
		d.close()
	}
	return nil
}

func (d *DecodeSource) open(ctx context.Context) error {
	d.mu.Lock()
	raw := d.uri
	d.mu.Unlock()
	if raw == "" {
		return fmt.Errorf("no uri set")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid uri %q: %w", raw, err)
	}
	opener, ok := d.openers[u.Scheme]
	if !ok {
		return fmt.Errorf("%w: no handler for scheme %q", pipeline.ErrNoSuchElement, u.Scheme)
	}
	media, err := opener(ctx, u)
	if err != nil {
		return fmt.Errorf("open %s: %w", raw, err)
	}

	if len(media.Tags) > 0 {
		if h := d.Host(); h != nil {
			h.Post(pipeline.Message{Type: pipeline.MessageTag, Source: d.Name(), Tags: media.Tags})
		}
	}

	streams := make([]*decodeStream, 0, len(media.Streams))
	for i, s := range media.Streams {
		pad := pipeline.NewPad(d, fmt.Sprintf("src_%d", i), pipeline.PadSrc, s.Caps())
		_ = pad.SetCaps(s.Caps())
		d.AddPad(pad)
		streams = append(streams, &decodeStream{Stream: s, pad: pad})
	}
	d.mu.Lock()
	d.streams = streams
	handlers := append([]pipeline.PadAddedFunc(nil), d.handlers...)
	d.mu.Unlock()

	for _, s := range streams {
		d.Logger().Debug("pad added", "pad", s.pad.Name(), "caps", s.Caps().String())
		for _, fn := range handlers {
			fn(s.pad)
		}
	}
	return nil
}

func (d *DecodeSource) close() {
	d.mu.Lock()
	streams := d.streams
	d.streams = nil
	d.mu.Unlock()
	for _, s := range streams {
		if err := s.Close(); err != nil {
			d.Logger().Debug("stream close failed", "pad", s.pad.Name(), "error", err)
		}
		d.RemovePad(s.pad)
	}
}

func (d *DecodeSource) run(ctx context.Context) {
	d.mu.Lock()
	streams := append([]*decodeStream(nil), d.streams...)
	latency := d.latency
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range streams {
		if s.eos || !s.pad.IsLinked() {
			continue
		}
		wg.Add(1)
		go func(s *decodeStream) {
			defer wg.Done()
			d.pump(ctx, s, latency)
		}(s)
	}
	wg.Wait()
}

func (d *DecodeSource) pump(ctx context.Context, s *decodeStream, latency time.Duration) {
	if err := s.pad.PushEvent(ctx, pipeline.Event{Type: pipeline.EventCaps, Caps: s.Caps()}); err != nil && ctx.Err() == nil {
		d.PostError(err)
		return
	}
	for ctx.Err() == nil {
		buf, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			d.mu.Lock()
			s.eos = true
			d.mu.Unlock()
			_ = s.pad.PushEvent(ctx, pipeline.Event{Type: pipeline.EventEOS})
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				d.PostError(fmt.Errorf("%s: %w", s.pad.Name(), err))
			}
			return
		}
		buf.PTS += latency
		if err := s.pad.Push(ctx, buf); err != nil {
			if ctx.Err() == nil && !errors.Is(err, pipeline.ErrFlushing) {
				d.PostError(fmt.Errorf("%s: %w", s.pad.Name(), err))
			}
			return
		}
	}
}
