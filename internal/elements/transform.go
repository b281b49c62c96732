package elements

import (
	"context"
	"sync"

	"github.com/mantonx/syncstream/internal/pipeline"
)

// transform is the plumbing shared by one-in one-out converters. The
// embedding element supplies negotiate, which maps input caps to output
// caps, and process, which converts one buffer.
type transform struct {
	pipeline.Base
	sink, src *pipeline.Pad

	negotiate func(in *pipeline.Caps) (*pipeline.Caps, error)
	process   func(buf *pipeline.Buffer, in, out *pipeline.Caps) (*pipeline.Buffer, error)

	mu  sync.Mutex
	in  *pipeline.Caps
	out *pipeline.Caps
}

func (t *transform) initTransform(self pipeline.Element, factory, name string, sinkTmpl, srcTmpl *pipeline.Caps) {
	t.Init(self, factory, name)
	t.sink = t.NewPad("sink", pipeline.PadSink, sinkTmpl)
	t.src = t.NewPad("src", pipeline.PadSrc, srcTmpl)
	t.sink.SetChainFunc(t.chain)
	t.sink.SetEventFunc(t.event)
	t.sink.SetAcceptFunc(t.accept)
	t.sink.SetQueryFunc(func() *pipeline.Caps { return sinkTmpl })
}

func (t *transform) ChangeState(ctx context.Context, tr pipeline.Transition) error {
	if tr == pipeline.PausedToReady {
		t.mu.Lock()
		t.in, t.out = nil, nil
		t.mu.Unlock()
	}
	return nil
}

func (t *transform) accept(c *pipeline.Caps) error {
	out, err := t.negotiate(c)
	if err != nil {
		return err
	}
	if peer := t.src.Peer(); peer != nil {
		return peer.Accept(out)
	}
	return nil
}

func (t *transform) setCaps(ctx context.Context, in *pipeline.Caps) (*pipeline.Caps, error) {
	out, err := t.negotiate(in)
	if err != nil {
		return nil, err
	}
	if err := t.src.SetCaps(out); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.in, t.out = in, out
	t.mu.Unlock()
	if err := t.src.PushEvent(ctx, pipeline.Event{Type: pipeline.EventCaps, Caps: out}); err != nil && err != pipeline.ErrNotLinked {
		return nil, err
	}
	return out, nil
}

func (t *transform) current() (in, out *pipeline.Caps) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.in, t.out
}

func (t *transform) chain(ctx context.Context, buf *pipeline.Buffer) error {
	in, out := t.current()
	if buf.Caps != nil && (in == nil || (buf.Caps != in && !buf.Caps.Equal(in))) {
		var err error
		if out, err = t.setCaps(ctx, buf.Caps); err != nil {
			t.PostError(err)
			return err
		}
		in = buf.Caps
	}
	if in == nil {
		return pipeline.ErrNotNegotiated
	}
	res, err := t.process(buf, in, out)
	if err != nil {
		t.PostError(err)
		return err
	}
	return t.src.Push(ctx, res)
}

func (t *transform) event(ctx context.Context, ev pipeline.Event) error {
	if ev.Type == pipeline.EventCaps {
		_, err := t.setCaps(ctx, ev.Caps)
		return err
	}
	return t.src.PushEvent(ctx, ev)
}
