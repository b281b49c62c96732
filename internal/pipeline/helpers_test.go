package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// transitionLog records element transitions across a test pipeline
type transitionLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *transitionLog) add(name string, t Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, name+":"+t.String())
}

func (l *transitionLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

var errDeviceBusy = errors.New("device busy")

// stubElement is a pass-through element with scripted transitions
type stubElement struct {
	Base
	log    *transitionLog
	failOn map[Transition]error
	block  chan struct{}
	caps   string
}

func newStub(name string, log *transitionLog) *stubElement {
	e := &stubElement{log: log, failOn: map[Transition]error{}}
	e.Init(e, "stub", name)
	src := e.NewPad("src", PadSrc, nil)
	sink := e.NewPad("sink", PadSink, nil)
	sink.SetChainFunc(func(ctx context.Context, buf *Buffer) error {
		return src.Push(ctx, buf)
	})
	sink.SetEventFunc(func(ctx context.Context, ev Event) error {
		err := src.PushEvent(ctx, ev)
		if errors.Is(err, ErrNotLinked) {
			return nil
		}
		return err
	})
	return e
}

func (e *stubElement) SetProperty(key, value string) error {
	if key == "caps" {
		e.caps = value
		return nil
	}
	return e.Base.SetProperty(key, value)
}

func (e *stubElement) ChangeState(ctx context.Context, t Transition) error {
	if e.block != nil && t == PausedToPlaying {
		select {
		case <-e.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.log != nil {
		e.log.add(e.Name(), t)
	}
	return e.failOn[t]
}

// stubSource pushes count buffers with caps in PLAYING, then EOS
type stubSource struct {
	Base
	log    *transitionLog
	caps   *Caps
	count  int
	pushed chan struct{}
}

func newStubSource(name string, caps *Caps, count int, log *transitionLog) *stubSource {
	s := &stubSource{log: log, caps: caps, count: count, pushed: make(chan struct{})}
	s.Init(s, "stubsrc", name)
	s.NewPad("src", PadSrc, caps)
	return s
}

func (s *stubSource) ChangeState(ctx context.Context, t Transition) error {
	if s.log != nil {
		s.log.add(s.Name(), t)
	}
	switch t {
	case PausedToPlaying:
		s.StartStreaming(func(ctx context.Context) {
			defer close(s.pushed)
			src := s.Pad("src")
			for i := 0; i < s.count; i++ {
				buf := &Buffer{
					PTS:      time.Duration(i) * time.Millisecond,
					Duration: time.Millisecond,
					Data:     []byte{byte(i)},
					Caps:     s.caps,
					Sequence: uint64(i),
				}
				if err := src.Push(ctx, buf); err != nil {
					return
				}
			}
			s.ForwardEOS(ctx)
		})
	case PlayingToPaused:
		s.StopStreaming()
	}
	return nil
}

// stubSink records buffers and reports EOS
type stubSink struct {
	Base
	log *transitionLog

	mu   sync.Mutex
	bufs []*Buffer
}

func newStubSink(name string, template *Caps, log *transitionLog) *stubSink {
	s := &stubSink{log: log}
	s.Init(s, "stubsink", name)
	pad := s.NewPad("sink", PadSink, template)
	pad.SetChainFunc(func(ctx context.Context, buf *Buffer) error {
		s.mu.Lock()
		s.bufs = append(s.bufs, buf)
		s.mu.Unlock()
		return nil
	})
	pad.SetEventFunc(func(ctx context.Context, ev Event) error {
		if ev.Type == EventEOS {
			s.PostEOS()
		}
		return nil
	})
	return s
}

func (s *stubSink) IsSink() bool { return true }

func (s *stubSink) ChangeState(ctx context.Context, t Transition) error {
	if s.log != nil {
		s.log.add(s.Name(), t)
	}
	return nil
}

func (s *stubSink) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bufs)
}

// stubDemux exposes one pad per caps on READY->PAUSED
type stubDemux struct {
	Base
	caps    []*Caps
	mu      sync.Mutex
	onAdded []PadAddedFunc
}

func newStubDemux(name string, caps ...*Caps) *stubDemux {
	d := &stubDemux{caps: caps}
	d.Init(d, "stubdemux", name)
	return d
}

func (d *stubDemux) OnPadAdded(fn PadAddedFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onAdded = append(d.onAdded, fn)
}

func (d *stubDemux) ChangeState(ctx context.Context, t Transition) error {
	if t != ReadyToPaused {
		return nil
	}
	for i, c := range d.caps {
		pad := d.NewPad(fmt.Sprintf("src_%d", i), PadSrc, c)
		_ = pad.SetCaps(c)
		d.mu.Lock()
		fns := append([]PadAddedFunc(nil), d.onAdded...)
		d.mu.Unlock()
		for _, fn := range fns {
			fn(pad)
		}
	}
	return nil
}

func testFactories(log *transitionLog) *Factories {
	f := NewFactories()
	f.Register("stub", func(name string) (Element, error) { return newStub(name, log), nil })
	f.Register("stubsink", func(name string) (Element, error) { return newStubSink(name, nil, log), nil })
	f.Register("stubsrc", func(name string) (Element, error) {
		return newStubSource(name, MustParseCaps("video/x-raw, format=I420"), 3, log), nil
	})
	f.Register("capsfilter", func(name string) (Element, error) {
		e := newStub(name, log)
		e.factory = "capsfilter"
		return e, nil
	})
	f.Register("stubdemux", func(name string) (Element, error) {
		return newStubDemux(name, MustParseCaps("audio/x-raw"), MustParseCaps("video/x-raw")), nil
	})
	f.Register("videosink", func(name string) (Element, error) {
		return newStubSink(name, MustParseCaps("video/x-raw"), log), nil
	})
	return f
}
