package elements

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mantonx/syncstream/internal/pipeline"
)

// item is a buffer or a serialized event travelling through a worker
type item struct {
	buf *pipeline.Buffer
	ev  *pipeline.Event
}

// worker decouples a push from its downstream consumer with a bounded
// queue drained by one goroutine. It backs queue elements and tee outputs.
// Only buffers count against the bound of a leaky worker and only buffers
// are ever discarded; events keep their place in the stream.
type worker struct {
	size  int
	leaky bool

	qmu   sync.Mutex
	items []item
	// ready wakes the drainer, space wakes a blocked producer
	ready chan struct{}
	space chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	done    chan struct{}

	dropped atomic.Uint64
}

func newWorker(size int, leaky bool) *worker {
	if size <= 0 {
		size = 1
	}
	return &worker{
		size:  size,
		leaky: leaky,
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
	}
}

// start runs handle for each queued item until stop.
// It is idempotent while running.
func (w *worker) start(handle func(ctx context.Context, it item)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.running = true
	w.cancel = cancel
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})

	stopCh, done := w.stopCh, w.done
	go func() {
		defer close(done)
		for {
			select {
			case <-stopCh:
				return
			default:
			}
			it, ok := w.pop()
			if !ok {
				select {
				case <-stopCh:
					return
				case <-w.ready:
				}
				continue
			}
			handle(ctx, it)
		}
	}()
}

// stop cancels the goroutine and waits up to timeout for it to exit. It
// reports false if the goroutine was abandoned. Zero timeout waits forever.
func (w *worker) stop(timeout time.Duration) bool {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return true
	}
	w.running = false
	close(w.stopCh)
	w.cancel()
	done := w.done
	w.mu.Unlock()

	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// stopped returns a channel closed once stop is called, or nil
func (w *worker) stopped() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopCh
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (w *worker) pop() (item, bool) {
	w.qmu.Lock()
	if len(w.items) == 0 {
		w.qmu.Unlock()
		return item{}, false
	}
	it := w.items[0]
	w.items[0] = item{}
	w.items = w.items[1:]
	w.qmu.Unlock()
	wake(w.space)
	return it, true
}

// buffered counts queued buffers; callers hold qmu
func (w *worker) buffered() int {
	n := 0
	for _, it := range w.items {
		if it.ev == nil {
			n++
		}
	}
	return n
}

// push appends it when there is room. A leaky worker makes room by
// evicting its oldest buffer and never refuses an event.
func (w *worker) push(it item) bool {
	w.qmu.Lock()
	defer w.qmu.Unlock()
	if w.leaky {
		if it.ev == nil && w.buffered() >= w.size {
			for i, old := range w.items {
				if old.ev == nil {
					w.items = append(w.items[:i], w.items[i+1:]...)
					w.dropped.Add(1)
					break
				}
			}
		}
	} else if len(w.items) >= w.size {
		return false
	}
	w.items = append(w.items, it)
	wake(w.ready)
	return true
}

// enqueue adds it to the queue. A leaky worker never blocks; otherwise
// enqueue blocks until space, stop or ctx.
func (w *worker) enqueue(ctx context.Context, it item) error {
	stop := w.stopped()
	for {
		if w.push(it) {
			return nil
		}
		select {
		case <-w.space:
		case <-stop:
			return pipeline.ErrFlushing
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flush discards queued items
func (w *worker) flush() {
	w.qmu.Lock()
	w.items = nil
	w.qmu.Unlock()
	wake(w.space)
}

func (w *worker) level() int {
	w.qmu.Lock()
	defer w.qmu.Unlock()
	return len(w.items)
}
