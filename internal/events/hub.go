package events

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/syncstream/internal/pipeline"
	"github.com/mantonx/syncstream/internal/rtsp"
)

// DefaultBuffer is the per-subscriber backlog
const DefaultBuffer = 256

// Hub broadcasts events. Publishing never blocks: a subscriber whose
// backlog is full misses the event and its drop counter grows.
type Hub struct {
	logger hclog.Logger

	mu      sync.RWMutex
	subs    map[int]*subscription
	nextID  int
	watches map[string]watchedPipeline
	closed  bool

	published atomic.Uint64
}

type subscription struct {
	ch      chan Event
	prefix  string
	dropped atomic.Uint64
}

type watchedPipeline struct {
	p  *pipeline.Pipeline
	id int
}

var _ pipeline.RegistryObserver = (*Hub)(nil)

func NewHub(logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hub{
		logger:  logger.Named("events"),
		subs:    make(map[int]*subscription),
		watches: make(map[string]watchedPipeline),
	}
}

// Subscribe returns a channel of events whose type starts with prefix
// (all events when empty) and a function that ends the subscription
func (h *Hub) Subscribe(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &subscription{ch: make(chan Event, buffer), prefix: prefix}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = s
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(s.ch)
			}
			h.mu.Unlock()
		})
	}
}

// Publish delivers e to every matching subscriber
func (h *Hub) Publish(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.published.Add(1)
	for _, s := range h.subs {
		if s.prefix != "" && !strings.HasPrefix(string(e.Type), s.prefix) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			if s.dropped.Add(1) == 1 {
				h.logger.Warn("subscriber too slow, dropping events", "type", e.Type)
			}
		}
	}
}

// Stats reports subscriber count and events published so far
func (h *Hub) Stats() (subscribers int, published uint64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs), h.published.Load()
}

// PipelineTracked starts relaying the pipeline's bus
func (h *Hub) PipelineTracked(p *pipeline.Pipeline) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	if _, ok := h.watches[p.ID()]; ok {
		h.mu.Unlock()
		return
	}
	id := p.Bus().Watch(pipeline.MessageAny, func(msg pipeline.Message) {
		h.Publish(NewPipelineEvent(p, msg))
	})
	h.watches[p.ID()] = watchedPipeline{p: p, id: id}
	h.mu.Unlock()

	h.Publish(NewPipelineLifecycleEvent(EventPipelineStarted, p))
}

// PipelineUntracked stops relaying the pipeline's bus
func (h *Hub) PipelineUntracked(p *pipeline.Pipeline) {
	h.mu.Lock()
	w, ok := h.watches[p.ID()]
	delete(h.watches, p.ID())
	h.mu.Unlock()
	if !ok {
		return
	}
	p.Bus().Unwatch(w.id)
	h.Publish(NewPipelineLifecycleEvent(EventPipelineStopped, p))
}

// Watch relays p's bus until the returned function is called, for
// pipelines that are not in a registry
func (h *Hub) Watch(p *pipeline.Pipeline) func() {
	id := p.Bus().Watch(pipeline.MessageAny, func(msg pipeline.Message) {
		h.Publish(NewPipelineEvent(p, msg))
	})
	return func() { p.Bus().Unwatch(id) }
}

// Recorder publishes session changes and forwards them to next, which
// may be nil
func (h *Hub) Recorder(next rtsp.SessionRecorder) rtsp.SessionRecorder {
	return &sessionRelay{hub: h, next: next}
}

type sessionRelay struct {
	hub  *Hub
	next rtsp.SessionRecorder
}

func (r *sessionRelay) SessionOpened(info rtsp.SessionInfo) {
	if r.next != nil {
		r.next.SessionOpened(info)
	}
	r.hub.Publish(NewSessionEvent(EventSessionOpened, info, ""))
}

func (r *sessionRelay) SessionClosed(info rtsp.SessionInfo, reason string) {
	if r.next != nil {
		r.next.SessionClosed(info, reason)
	}
	r.hub.Publish(NewSessionEvent(EventSessionClosed, info, reason))
}

// Close ends every subscription and stops relaying pipelines
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
	watches := h.watches
	h.watches = make(map[string]watchedPipeline)
	h.mu.Unlock()

	for _, w := range watches {
		w.p.Bus().Unwatch(w.id)
	}
}
