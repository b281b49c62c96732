package elements

import (
	"context"
	"fmt"
	"sync"

	"github.com/mantonx/syncstream/internal/pipeline"
)

// DefaultQueueSize is the default max-size-buffers of a queue
const DefaultQueueSize = 200

// Queue is a thread boundary: pushes are queued and a separate goroutine
// pushes them downstream.
type Queue struct {
	pipeline.Base
	sink, src *pipeline.Pad

	mu    sync.Mutex
	size  int
	leaky bool
	w     *worker
}

func NewQueue(name string) *Queue {
	q := &Queue{size: DefaultQueueSize}
	q.Init(q, "queue", name)
	q.sink = q.NewPad("sink", pipeline.PadSink, nil)
	q.src = q.NewPad("src", pipeline.PadSrc, nil)
	q.sink.SetChainFunc(q.chain)
	q.sink.SetEventFunc(q.event)
	q.sink.SetAcceptFunc(func(c *pipeline.Caps) error {
		if peer := q.src.Peer(); peer != nil {
			return peer.Accept(c)
		}
		return nil
	})
	q.sink.SetQueryFunc(q.src.PeerQueryCaps)
	return q
}

func (q *Queue) SetProperty(key, value string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	switch key {
	case "max-size-buffers":
		n, err := pipeline.ParseInt(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid max-size-buffers %q", value)
		}
		q.size = n
	case "leaky":
		switch value {
		case "no", "0", "false":
			q.leaky = false
		case "downstream", "2", "true":
			q.leaky = true
		default:
			return fmt.Errorf("unsupported leaky mode %q", value)
		}
	default:
		return q.Base.SetProperty(key, value)
	}
	return nil
}

// Level returns the number of queued items
func (q *Queue) Level() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.w == nil {
		return 0
	}
	return q.w.level()
}

func (q *Queue) ChangeState(ctx context.Context, t pipeline.Transition) error {
	switch t {
	case pipeline.ReadyToPaused:
		q.mu.Lock()
		q.w = newWorker(q.size, q.leaky)
		w := q.w
		q.mu.Unlock()
		w.start(q.handle)
	case pipeline.PausedToReady:
		q.mu.Lock()
		w := q.w
		q.w = nil
		q.mu.Unlock()
		if w != nil {
			w.stop(0)
			w.flush()
		}
	}
	return nil
}

func (q *Queue) current() *worker {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.w
}

func (q *Queue) handle(ctx context.Context, it item) {
	var err error
	if it.ev != nil {
		err = q.src.PushEvent(ctx, *it.ev)
	} else {
		err = q.src.Push(ctx, it.buf)
	}
	if err != nil && err != pipeline.ErrFlushing && ctx.Err() == nil {
		q.Logger().Debug("push failed", "error", err)
	}
}

func (q *Queue) chain(ctx context.Context, buf *pipeline.Buffer) error {
	w := q.current()
	if w == nil {
		return pipeline.ErrFlushing
	}
	return w.enqueue(ctx, item{buf: buf})
}

func (q *Queue) event(ctx context.Context, ev pipeline.Event) error {
	if ev.Type == pipeline.EventCaps {
		_ = q.src.SetCaps(ev.Caps)
	}
	w := q.current()
	if w == nil {
		return pipeline.ErrFlushing
	}
	return w.enqueue(ctx, item{ev: &ev})
}
