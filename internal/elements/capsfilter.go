package elements

import (
	"context"
	"fmt"
	"sync"

	"github.com/mantonx/syncstream/internal/pipeline"
)

// CapsFilter restricts the formats that may pass. Its caps can be replaced
// in any state; the new filter applies from the next caps event, which is
// how a resolution change renegotiates a running relay.
type CapsFilter struct {
	pipeline.Base
	sink, src *pipeline.Pad

	mu     sync.RWMutex
	filter *pipeline.Caps
}

func NewCapsFilter(name string) *CapsFilter {
	f := &CapsFilter{}
	f.Init(f, "capsfilter", name)
	f.sink = f.NewPad("sink", pipeline.PadSink, nil)
	f.src = f.NewPad("src", pipeline.PadSrc, nil)
	f.sink.SetChainFunc(func(ctx context.Context, buf *pipeline.Buffer) error {
		return f.src.Push(ctx, buf)
	})
	f.sink.SetEventFunc(func(ctx context.Context, ev pipeline.Event) error {
		if ev.Type == pipeline.EventCaps {
			if err := f.src.SetCaps(ev.Caps); err != nil {
				return err
			}
		}
		return f.src.PushEvent(ctx, ev)
	})
	f.sink.SetAcceptFunc(f.accept)
	f.sink.SetQueryFunc(f.query)
	return f
}

func (f *CapsFilter) SetProperty(key, value string) error {
	if key != "caps" {
		return f.Base.SetProperty(key, value)
	}
	c, err := pipeline.ParseCaps(value)
	if err != nil {
		return err
	}
	f.SetCaps(c)
	return nil
}

// SetCaps replaces the filter
func (f *CapsFilter) SetCaps(c *pipeline.Caps) {
	f.mu.Lock()
	f.filter = c
	f.mu.Unlock()
}

// Caps returns the current filter, nil when unrestricted
func (f *CapsFilter) Caps() *pipeline.Caps {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.filter
}

func (f *CapsFilter) accept(c *pipeline.Caps) error {
	if !f.Caps().CanIntersect(c) {
		return fmt.Errorf("%w: %s outside filter %s", pipeline.ErrNotNegotiated, c, f.Caps())
	}
	if peer := f.src.Peer(); peer != nil {
		return peer.Accept(c)
	}
	return nil
}

func (f *CapsFilter) query() *pipeline.Caps {
	filter := f.Caps()
	down := f.src.PeerQueryCaps()
	if c, ok := filter.Intersect(down); ok {
		return c
	}
	return filter
}
