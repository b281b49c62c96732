// Package pipeline implements media pipeline graphs: elements connected by
// negotiated pad links, driven through the NULL/READY/PAUSED/PLAYING
// lifecycle, and presenting buffers against a shared clock.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/syncstream/internal/clock"
	apperrors "github.com/mantonx/syncstream/internal/errors"
)

// Sink is implemented by elements that terminate a branch. The pipeline
// posts its own EOS once every sink has reported EOS.
type Sink interface {
	IsSink() bool
}

// Options configures a pipeline
type Options struct {
	Name   string
	Logger hclog.Logger
	// AutoPauseOnEOS moves the pipeline to PAUSED after aggregate EOS
	AutoPauseOnEOS bool
	// Registry tracks the pipeline while it is above NULL
	Registry *Registry
}

// Pipeline is a graph of elements with one lifecycle, clock and bus
type Pipeline struct {
	id     string
	name   string
	opts   Options
	logger hclog.Logger
	bus    *Bus

	// stateMu serializes transitions
	stateMu sync.Mutex

	mu       sync.RWMutex
	elements []Element
	current  State
	pending  State
	// reached is the state the elements are actually in; it differs from
	// current only in StateError
	reached State

	clock         clock.Clock
	baseTime      time.Duration
	explicitBase  bool
	pausedRunning time.Duration
	latency       time.Duration

	eosSeen   map[string]bool
	eosPosted bool
}

// New creates an empty pipeline in StateNull
func New(opts Options) *Pipeline {
	id := uuid.New().String()
	if opts.Name == "" {
		opts.Name = "pipeline-" + id[:8]
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &Pipeline{
		id:      id,
		name:    opts.Name,
		opts:    opts,
		logger:  opts.Logger.Named(opts.Name),
		bus:     NewBus(),
		current: StateNull,
		reached: StateNull,
		pending: StateVoid,
	}
}

func (p *Pipeline) ID() string { return p.id }
func (p *Pipeline) Name() string { return p.name }
func (p *Pipeline) Bus() *Bus { return p.bus }
func (p *Pipeline) Logger() hclog.Logger { return p.logger }

// OwnerID identifies the pipeline in a clock's owner set
func (p *Pipeline) OwnerID() string {
	return p.name + "/" + p.id
}

// Post queues a message on the pipeline bus
func (p *Pipeline) Post(msg Message) {
	p.bus.Post(msg)
}

// Add inserts elements. Empty names are replaced by factory + index.
func (p *Pipeline) Add(elems ...Element) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == StatePlaying || p.pending == StatePlaying {
		return apperrors.Validation("add", ErrGraphBusy)
	}

	for _, el := range elems {
		if el.Name() == "" {
			if err := el.SetProperty("name", fmt.Sprintf("%s%d", el.Factory(), p.countFactory(el.Factory()))); err != nil {
				return err
			}
		}
		for _, existing := range p.elements {
			if existing.Name() == el.Name() {
				return apperrors.Validation("add", fmt.Errorf("duplicate element name %q", el.Name()))
			}
		}
		el.SetHost(p)
		p.elements = append(p.elements, el)
	}
	return nil
}

func (p *Pipeline) countFactory(factory string) int {
	n := 0
	for _, el := range p.elements {
		if el.Factory() == factory {
			n++
		}
	}
	return n
}

// Element returns the element with the given name
func (p *Pipeline) Element(name string) (Element, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, el := range p.elements {
		if el.Name() == name {
			return el, true
		}
	}
	return nil, false
}

// Elements returns all elements in insertion order
func (p *Pipeline) Elements() []Element {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Element, len(p.elements))
	copy(out, p.elements)
	return out
}

// Link connects the first free src pad of src to the first free sink pad
// of sink, requesting pads where the elements support it.
func (p *Pipeline) Link(src, sink Element) error {
	p.mu.RLock()
	busy := p.current == StatePlaying
	p.mu.RUnlock()
	if busy {
		return apperrors.Validation("link", ErrGraphBusy)
	}
	return LinkElements(src, sink)
}

// LinkMany links elements in a chain
func (p *Pipeline) LinkMany(elems ...Element) error {
	for i := 0; i+1 < len(elems); i++ {
		if err := p.Link(elems[i], elems[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// LinkElements links two elements without state checks
func LinkElements(src, sink Element) error {
	srcPad, srcReq, err := freePad(src, PadSrc)
	if err != nil {
		return err
	}
	sinkPad, sinkReq, err := freePad(sink, PadSink)
	if err != nil {
		releaseRequested(src, srcPad, srcReq)
		return err
	}
	if err := srcPad.Link(sinkPad); err != nil {
		releaseRequested(src, srcPad, srcReq)
		releaseRequested(sink, sinkPad, sinkReq)
		return err
	}
	return nil
}

func freePad(el Element, dir PadDirection) (*Pad, bool, error) {
	for _, pad := range el.Pads() {
		if pad.Direction() == dir && !pad.IsLinked() {
			return pad, false, nil
		}
	}
	if rp, ok := el.(RequestPader); ok {
		pad, err := rp.RequestPad(dir)
		if err != nil {
			return nil, false, apperrors.LinkFailed("link", err).WithElement(el.Name())
		}
		return pad, true, nil
	}
	return nil, false, apperrors.LinkFailed("link",
		fmt.Errorf("%s has no free %s pad", el.Name(), dir)).WithElement(el.Name())
}

func releaseRequested(el Element, pad *Pad, requested bool) {
	if !requested {
		return
	}
	if rp, ok := el.(RequestPader); ok {
		_ = rp.ReleasePad(pad)
	}
}

// State returns the current state and the pending target, StateVoid when
// no transition is in progress
func (p *Pipeline) State() (current, pending State) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current, p.pending
}

// RequestState runs SetState on a goroutine; the result is delivered on
// the returned channel. State() shows the pending target meanwhile.
func (p *Pipeline) RequestState(ctx context.Context, target State) <-chan error {
	ch := make(chan error, 1)
	p.mu.Lock()
	if p.current != target && p.pending == StateVoid {
		p.pending = target
	}
	p.mu.Unlock()
	go func() {
		ch <- p.SetState(ctx, target)
	}()
	return ch
}

// SetState drives the pipeline to target through each intermediate state.
// Requesting the current state is a no-op. Descending steps always
// succeed. If an ascending step fails the pipeline is rolled back to the
// state it started from and a KindStateChangeFailure error is returned.
func (p *Pipeline) SetState(ctx context.Context, target State) error {
	if target < StateNull || target > StatePlaying {
		return apperrors.Validation("set_state", fmt.Errorf("cannot request %s", target))
	}

	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	p.mu.Lock()
	cur := p.current
	from := cur
	if cur == StateError {
		from = p.reached
		if target >= from {
			p.mu.Unlock()
			return apperrors.StateChangeFailure("set_state", ErrTerminal).
				WithDetail("target", target.String())
		}
	}
	if cur == target {
		if p.pending == target {
			p.pending = StateVoid
		}
		p.mu.Unlock()
		return nil
	}
	p.pending = target
	p.mu.Unlock()

	start := from
	for from != target {
		next := from + 1
		if target < from {
			next = from - 1
		}
		t := Transition{From: from, To: next}

		if t.Ascending() {
			if err := p.ascend(ctx, t); err != nil {
				p.rollback(ctx, from, start)
				p.Post(Message{Type: MessageError, Source: p.name, Err: err})
				return err
			}
		} else {
			p.descend(ctx, t)
		}

		p.commit(next, target)
		from = next
	}
	return nil
}

// commit records a completed step and posts the pipeline state change
func (p *Pipeline) commit(next, target State) {
	p.mu.Lock()
	old := p.current
	p.current = next
	p.reached = next
	pending := target
	if next == target {
		pending = StateVoid
	}
	p.pending = pending
	p.mu.Unlock()

	switch {
	case next == StatePlaying && p.opts.Registry != nil:
		p.opts.Registry.Track(p)
	case next == StateNull && p.opts.Registry != nil:
		p.opts.Registry.Untrack(p)
	}

	p.logger.Debug("state changed", "old", old, "new", next, "pending", pending)
	p.Post(Message{
		Type:     MessageStateChanged,
		Source:   p.name,
		OldState: old,
		NewState: next,
		Pending:  pending,
	})
}

func (p *Pipeline) rollback(ctx context.Context, from, start State) {
	for s := from; s > start; s-- {
		p.descend(ctx, Transition{From: s, To: s - 1})
	}
	p.mu.Lock()
	old := p.current
	p.current = start
	p.reached = start
	p.pending = StateVoid
	p.mu.Unlock()

	p.logger.Warn("state change rolled back", "state", start)
	if old != start {
		p.Post(Message{Type: MessageStateChanged, Source: p.name, OldState: old, NewState: start, Pending: StateVoid})
	}
	if start == StateNull && p.opts.Registry != nil {
		p.opts.Registry.Untrack(p)
	}
}

func (p *Pipeline) ascend(ctx context.Context, t Transition) error {
	switch t {
	case NullToReady:
		p.mu.RLock()
		c := p.clock
		p.mu.RUnlock()
		if c != nil {
			c.Retain(p.OwnerID())
		}
	case PausedToPlaying:
		p.prepareClock()
	}

	order := p.sinkFirst()
	done := make([]Element, 0, len(order))
	for _, el := range order {
		err := ctx.Err()
		if err == nil {
			err = el.ChangeState(ctx, t)
		}
		if err != nil {
			back := Transition{From: t.To, To: t.From}
			for i := len(done) - 1; i >= 0; i-- {
				if rerr := done[i].ChangeState(context.WithoutCancel(ctx), back); rerr != nil {
					p.logger.Warn("rollback step failed", "element", done[i].Name(), "error", rerr)
				}
			}
			if t == NullToReady {
				p.releaseClock()
			}
			p.logger.Error("state change failed", "element", el.Name(), "transition", t, "error", err)
			return apperrors.StateChangeFailure("set_state", err).
				WithElement(el.Name()).
				WithDetail("transition", t.String())
		}
		done = append(done, el)
		p.postElementState(el, t)
	}
	return nil
}

// descend never fails: element errors become warnings
func (p *Pipeline) descend(ctx context.Context, t Transition) {
	ctx = context.WithoutCancel(ctx)

	if t == PlayingToPaused {
		p.mu.Lock()
		if p.clock != nil {
			p.pausedRunning = p.clock.Time() - p.baseTime
		}
		p.mu.Unlock()
	}

	order := p.sinkFirst()
	for i := len(order) - 1; i >= 0; i-- {
		el := order[i]
		if err := el.ChangeState(ctx, t); err != nil {
			p.logger.Warn("descending state change reported error", "element", el.Name(), "transition", t, "error", err)
			p.Post(Message{Type: MessageWarning, Source: el.Name(), Err: err})
		}
		p.postElementState(el, t)
	}

	switch t {
	case PausedToReady:
		p.mu.Lock()
		p.pausedRunning = 0
		p.mu.Unlock()
	case ReadyToNull:
		p.releaseClock()
	}
}

func (p *Pipeline) releaseClock() {
	p.mu.RLock()
	c := p.clock
	p.mu.RUnlock()
	if c != nil {
		c.Release(p.OwnerID())
	}
}

func (p *Pipeline) postElementState(el Element, t Transition) {
	p.Post(Message{
		Type:     MessageStateChanged,
		Source:   el.Name(),
		OldState: t.From,
		NewState: t.To,
		Pending:  StateVoid,
	})
}

// prepareClock selects a clock if none was set and computes base time so
// that running time continues across pauses
func (p *Pipeline) prepareClock() {
	p.mu.Lock()
	newClock := false
	if p.clock == nil {
		p.clock = clock.NewSystemClock()
		p.clock.Retain(p.OwnerID())
		newClock = true
	}
	if !p.explicitBase {
		p.baseTime = p.clock.Time() - p.pausedRunning
	}
	p.eosSeen = make(map[string]bool)
	p.eosPosted = false
	c := p.clock
	p.mu.Unlock()

	if newClock {
		p.Post(Message{Type: MessageNewClock, Source: p.name, ClockID: c.ID()})
	}
}

// sinkFirst orders elements downstream before upstream
func (p *Pipeline) sinkFirst() []Element {
	elems := p.Elements()
	visited := make(map[Element]bool, len(elems))
	order := make([]Element, 0, len(elems))

	var visit func(el Element)
	visit = func(el Element) {
		if visited[el] {
			return
		}
		visited[el] = true
		for _, pad := range el.Pads() {
			if pad.Direction() != PadSrc {
				continue
			}
			if peer := pad.Peer(); peer != nil && peer.Parent() != nil {
				visit(peer.Parent())
			}
		}
		order = append(order, el)
	}
	for _, el := range elems {
		visit(el)
	}

	// drop elements reached through links that are not in this pipeline
	own := make(map[Element]bool, len(elems))
	for _, el := range elems {
		own[el] = true
	}
	out := order[:0]
	for _, el := range order {
		if own[el] {
			out = append(out, el)
		}
	}
	return out
}

// UseClock sets the clock the pipeline presents against. It is only
// allowed at or below PAUSED.
func (p *Pipeline) UseClock(c clock.Clock) error {
	p.mu.Lock()
	if p.current == StatePlaying || p.pending == StatePlaying {
		p.mu.Unlock()
		return apperrors.StateChangeFailure("use_clock", ErrClockChangeWhilePlaying)
	}
	old := p.clock
	if old == c {
		p.mu.Unlock()
		return nil
	}
	active := p.reached >= StateReady
	p.clock = c
	p.mu.Unlock()

	if active {
		if old != nil {
			old.Release(p.OwnerID())
		}
		if c != nil {
			c.Retain(p.OwnerID())
		}
	}
	if c != nil {
		p.Post(Message{Type: MessageNewClock, Source: p.name, ClockID: c.ID()})
	}
	return nil
}

// Clock returns the pipeline clock, or nil before one is selected
func (p *Pipeline) Clock() clock.Clock {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clock
}

// BaseTime is the clock time corresponding to running time zero
func (p *Pipeline) BaseTime() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.baseTime
}

// SetBaseTime fixes base time instead of sampling the clock on PLAYING,
// so several pipelines can share one timeline
func (p *Pipeline) SetBaseTime(t time.Duration) {
	p.mu.Lock()
	p.baseTime = t
	p.explicitBase = true
	p.mu.Unlock()
}

// Latency is added to every presentation time
func (p *Pipeline) Latency() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latency
}

// SetLatency sets the presentation delay and posts a latency message
func (p *Pipeline) SetLatency(d time.Duration) {
	p.mu.Lock()
	p.latency = d
	p.mu.Unlock()
	p.Post(Message{Type: MessageLatency, Source: p.name, Latency: d})
}

// RunningTime returns clock time minus base time while a clock is set
func (p *Pipeline) RunningTime() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.clock == nil {
		return 0
	}
	return p.clock.Time() - p.baseTime
}

// ReportError moves the pipeline to StateError and posts the error.
// Elements keep their state until a descending request.
func (p *Pipeline) ReportError(element string, err error) {
	p.mu.Lock()
	if p.current != StateError && p.current != StateNull {
		p.current = StateError
		p.pending = StateVoid
	}
	p.mu.Unlock()
	p.logger.Error("element error", "element", element, "error", err)
	p.Post(Message{Type: MessageError, Source: element, Err: err})
}

// ReportEOS records EOS from a sink. When every linked sink has reported,
// the pipeline posts its own EOS and, if configured, pauses itself. Sinks
// with no linked input, such as an unrouted branch, are not waited for.
func (p *Pipeline) ReportEOS(element string) {
	p.mu.Lock()
	if p.eosSeen == nil {
		p.eosSeen = make(map[string]bool)
	}
	if p.eosPosted || p.eosSeen[element] {
		p.mu.Unlock()
		return
	}
	p.eosSeen[element] = true

	sinks := 0
	all := true
	for _, el := range p.elements {
		if s, ok := el.(Sink); ok && s.IsSink() && fed(el) {
			sinks++
			if !p.eosSeen[el.Name()] {
				all = false
			}
		}
	}
	if sinks == 0 || !all {
		p.mu.Unlock()
		return
	}
	p.eosPosted = true
	playing := p.current == StatePlaying
	p.mu.Unlock()

	p.logger.Debug("all sinks reached end of stream")
	p.Post(Message{Type: MessageEOS, Source: p.name})

	if p.opts.AutoPauseOnEOS && playing {
		go func() {
			if err := p.SetState(context.Background(), StatePaused); err != nil {
				p.logger.Warn("pause after eos failed", "error", err)
			}
		}()
	}
}

// fed reports whether any sink pad of el is linked
func fed(el Element) bool {
	for _, pad := range el.Pads() {
		if pad.Direction() == PadSink && pad.IsLinked() {
			return true
		}
	}
	return false
}

// Dispose drives the pipeline to NULL and stops its bus
func (p *Pipeline) Dispose(ctx context.Context) {
	_ = p.SetState(ctx, StateNull)
	p.bus.Close()
}
