package pipeline

import (
	"context"
	"sync"
	"time"
)

// MessageType is a bit flag so watchers can filter several types
type MessageType uint32

const (
	MessageError MessageType = 1 << iota
	MessageWarning
	MessageEOS
	MessageStateChanged
	MessageLatency
	MessageNewClock
	MessageTag
	MessageElement

	MessageAny MessageType = ^MessageType(0)
)

func (t MessageType) String() string {
	switch t {
	case MessageError:
		return "error"
	case MessageWarning:
		return "warning"
	case MessageEOS:
		return "eos"
	case MessageStateChanged:
		return "state-changed"
	case MessageLatency:
		return "latency"
	case MessageNewClock:
		return "new-clock"
	case MessageTag:
		return "tag"
	case MessageElement:
		return "element"
	}
	return "unknown"
}

// Message is a notification posted by a pipeline or one of its elements
type Message struct {
	Type MessageType
	// Source is the posting element, or the pipeline name for
	// pipeline-level messages
	Source string
	Time   time.Time

	Err error

	OldState State
	NewState State
	Pending  State

	Latency time.Duration
	ClockID string

	Tags      map[string]string
	Structure map[string]interface{}
}

// Handler receives bus messages on the dispatch goroutine. Handlers may
// change pipeline state but must not block on further bus messages.
type Handler func(msg Message)

type watcher struct {
	id      int
	mask    MessageType
	handler Handler
}

// Bus delivers messages to watchers in post order on one goroutine.
// Posting never blocks.
type Bus struct {
	mu       sync.Mutex
	queue    []Message
	watchers []watcher
	nextID   int
	closed   bool

	wake chan struct{}
	done chan struct{}
}

// NewBus creates a bus and starts its dispatcher
func NewBus() *Bus {
	b := &Bus{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Post queues msg for delivery
func (b *Bus) Post(msg Message) {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, msg)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Watch registers handler for messages matching mask and returns an id
// for Unwatch
func (b *Bus) Watch(mask MessageType, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.watchers = append(b.watchers, watcher{id: b.nextID, mask: mask, handler: handler})
	return b.nextID
}

// Unwatch removes a watcher
func (b *Bus) Unwatch(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.watchers {
		if w.id == id {
			b.watchers = append(b.watchers[:i], b.watchers[i+1:]...)
			return
		}
	}
}

// Await blocks until a message matching mask is delivered or ctx is done.
// Messages posted before the call are not seen. Must not be called from a
// Handler.
func (b *Bus) Await(ctx context.Context, mask MessageType) (Message, error) {
	ch := make(chan Message, 1)
	id := b.Watch(mask, func(msg Message) {
		select {
		case ch <- msg:
		default:
		}
	})
	defer b.Unwatch(id)

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-b.done:
		return Message{}, ErrFlushing
	}
}

// Close delivers queued messages and stops the dispatcher
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for range b.wake {
		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				closed := b.closed
				b.mu.Unlock()
				if closed {
					return
				}
				break
			}
			msg := b.queue[0]
			b.queue = b.queue[1:]
			watchers := make([]watcher, len(b.watchers))
			copy(watchers, b.watchers)
			b.mu.Unlock()

			for _, w := range watchers {
				if w.mask&msg.Type != 0 {
					w.handler(msg)
				}
			}
		}
	}
}
