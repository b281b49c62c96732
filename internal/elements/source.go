package elements

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	apperrors "github.com/mantonx/syncstream/internal/errors"
	"github.com/mantonx/syncstream/internal/pipeline"
)

// producer is what a concrete source plugs into pushSource
type producer interface {
	// negotiate fixes the output format against the downstream query
	negotiate() (*pipeline.Caps, error)
	// create makes buffer n. io.EOF ends the stream.
	create(ctx context.Context, n uint64, caps *pipeline.Caps) (*pipeline.Buffer, error)
}

// pushSource runs a streaming goroutine while PLAYING. Buffer numbering
// continues across pauses and restarts at READY.
type pushSource struct {
	pipeline.Base
	src  *pipeline.Pad
	impl producer

	mu         sync.Mutex
	isLive     bool
	numBuffers int
	next       uint64
	caps       *pipeline.Caps
	done       bool
}

func (s *pushSource) initSource(self pipeline.Element, impl producer, factory, name string, tmpl *pipeline.Caps) {
	s.Init(self, factory, name)
	s.impl = impl
	s.numBuffers = -1
	s.src = s.NewPad("src", pipeline.PadSrc, tmpl)
}

func (s *pushSource) setSourceProperty(key, value string) (bool, error) {
	switch key {
	case "is-live":
		b, err := pipeline.ParseBool(value)
		if err == nil {
			s.mu.Lock()
			s.isLive = b
			s.mu.Unlock()
		}
		return true, err
	case "num-buffers":
		n, err := pipeline.ParseInt(value)
		if err == nil {
			s.mu.Lock()
			s.numBuffers = n
			s.mu.Unlock()
		}
		return true, err
	}
	return false, nil
}

func (s *pushSource) ChangeState(ctx context.Context, t pipeline.Transition) error {
	switch t {
	case pipeline.PausedToPlaying:
		s.StartStreaming(s.loop)
	case pipeline.PlayingToPaused:
		s.StopStreaming()
	case pipeline.PausedToReady:
		s.StopStreaming()
		s.mu.Lock()
		s.next = 0
		s.caps = nil
		s.done = false
		s.mu.Unlock()
	}
	return nil
}

// Caps returns the negotiated output format
func (s *pushSource) Caps() *pipeline.Caps {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

func (s *pushSource) ensureCaps(ctx context.Context) (*pipeline.Caps, error) {
	s.mu.Lock()
	caps := s.caps
	s.mu.Unlock()
	if caps != nil {
		return caps, nil
	}

	caps, err := s.impl.negotiate()
	if err == nil {
		err = s.src.SetCaps(caps)
	}
	if err != nil {
		return nil, apperrors.LinkFailed("negotiate", err).WithElement(s.Name())
	}
	if err := s.src.PushEvent(ctx, pipeline.Event{Type: pipeline.EventCaps, Caps: caps}); err != nil && err != pipeline.ErrNotLinked {
		return nil, err
	}
	s.mu.Lock()
	s.caps = caps
	s.mu.Unlock()
	s.Logger().Debug("negotiated", "caps", caps.String())
	return caps, nil
}

func (s *pushSource) loop(ctx context.Context) {
	caps, err := s.ensureCaps(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.PostError(err)
		}
		return
	}

	for ctx.Err() == nil {
		s.mu.Lock()
		n, limit, done := s.next, s.numBuffers, s.done
		s.mu.Unlock()
		if done {
			return
		}
		if limit >= 0 && n >= uint64(limit) {
			s.finish(ctx)
			return
		}

		buf, err := s.impl.create(ctx, n, caps)
		if errors.Is(err, io.EOF) {
			s.finish(ctx)
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				s.PostError(err)
			}
			return
		}
		buf.Sequence = n
		if buf.Caps == nil {
			buf.Caps = caps
		}

		err = s.src.Push(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pipeline.ErrFlushing) {
				return
			}
			s.PostError(apperrors.Internal("push", err).WithElement(s.Name()))
			return
		}
		s.mu.Lock()
		s.next = n + 1
		s.mu.Unlock()
	}
}

func (s *pushSource) finish(ctx context.Context) {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.Logger().Debug("end of stream")
	s.ForwardEOS(ctx)
}

func (s *pushSource) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isLive
}

// waitRunning sleeps until the pipeline running time reaches target
func (s *pushSource) waitRunning(ctx context.Context, target time.Duration) error {
	for {
		rt := s.RunningTime()
		if rt >= target || s.Host() == nil {
			return nil
		}
		timer := time.NewTimer(target - rt)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
