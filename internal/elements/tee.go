package elements

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mantonx/syncstream/internal/pipeline"
)

// Tee defaults
const (
	DefaultTeeQueueSize     = 64
	DefaultTeeDetachTimeout = 2 * time.Second
)

// TeeOptions tunes the per-output queues
type TeeOptions struct {
	// QueueSize bounds each output's queue
	QueueSize int
	// Leaky drops the oldest queued buffer instead of blocking the push
	Leaky bool
	// DetachTimeout caps how long RemoveOutput waits for a branch to stop
	DetachTimeout time.Duration
}

type teeOutput struct {
	pad *pipeline.Pad
	w   *worker
	seq int
}

// Tee replicates every input buffer to all attached outputs. Each output
// is drained by its own goroutine, so a slow branch only stalls the push
// when its queue is full and the tee is not leaky. Outputs may be added
// and removed while PLAYING; a new output only receives buffers pushed
// after it was attached.
type Tee struct {
	pipeline.Base
	sink *pipeline.Pad

	mu      sync.RWMutex
	opts    TeeOptions
	outputs map[*pipeline.Pad]*teeOutput
	nextID  int
	active  bool
	caps    *pipeline.Caps
}

// NewTee creates a tee with default options
func NewTee(name string) *Tee {
	t := &Tee{
		opts: TeeOptions{
			QueueSize:     DefaultTeeQueueSize,
			DetachTimeout: DefaultTeeDetachTimeout,
		},
		outputs: make(map[*pipeline.Pad]*teeOutput),
	}
	t.Init(t, "tee", name)
	t.sink = t.NewPad("sink", pipeline.PadSink, nil)
	t.sink.SetChainFunc(t.chain)
	t.sink.SetEventFunc(t.event)
	t.sink.SetAcceptFunc(t.accept)
	t.sink.SetQueryFunc(t.query)
	return t
}

// Configure replaces the queue options for outputs added afterwards
func (t *Tee) Configure(opts TeeOptions) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultTeeQueueSize
	}
	if opts.DetachTimeout <= 0 {
		opts.DetachTimeout = DefaultTeeDetachTimeout
	}
	t.opts = opts
}

func (t *Tee) SetProperty(key, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch key {
	case "queue-size":
		n, err := pipeline.ParseInt(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid queue-size %q", value)
		}
		t.opts.QueueSize = n
	case "leaky":
		b, err := pipeline.ParseBool(value)
		if err != nil {
			return err
		}
		t.opts.Leaky = b
	case "detach-timeout":
		d, err := pipeline.ParseDuration(value)
		if err != nil {
			return err
		}
		t.opts.DetachTimeout = d
	default:
		return t.Base.SetProperty(key, value)
	}
	return nil
}

// AddOutput attaches a new src pad. It is safe in any state.
func (t *Tee) AddOutput() (*pipeline.Pad, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := &teeOutput{
		w:   newWorker(t.opts.QueueSize, t.opts.Leaky),
		seq: t.nextID,
	}
	out.pad = pipeline.NewPad(t, fmt.Sprintf("src_%d", t.nextID), pipeline.PadSrc, nil)
	t.nextID++

	if t.caps != nil {
		_ = out.pad.SetCaps(t.caps)
		ev := pipeline.Event{Type: pipeline.EventCaps, Caps: t.caps}
		_ = out.w.enqueue(context.Background(), item{ev: &ev})
	}

	t.AddPad(out.pad)
	t.outputs[out.pad] = out
	if t.active {
		t.startOutput(out)
	}
	t.Logger().Debug("output added", "pad", out.pad.Name())
	return out.pad, nil
}

// RemoveOutput detaches pad, then stops its branch goroutine, waiting at
// most DetachTimeout. A stalled branch is abandoned, not waited for.
func (t *Tee) RemoveOutput(pad *pipeline.Pad) error {
	t.mu.Lock()
	out, ok := t.outputs[pad]
	if ok {
		delete(t.outputs, pad)
	}
	timeout := t.opts.DetachTimeout
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s is not an output of %s", pipeline.ErrNoSuchElement, pad, t.Name())
	}

	if !out.w.stop(timeout) {
		t.Logger().Warn("branch did not stop in time, abandoning it", "pad", pad.Name(), "timeout", timeout)
	}
	out.w.flush()
	t.RemovePad(pad)
	t.Logger().Debug("output removed", "pad", pad.Name(), "dropped", out.w.dropped.Load())
	return nil
}

func (t *Tee) RequestPad(dir pipeline.PadDirection) (*pipeline.Pad, error) {
	if dir != pipeline.PadSrc {
		return nil, fmt.Errorf("tee has no request %s pads", dir)
	}
	return t.AddOutput()
}

func (t *Tee) ReleasePad(pad *pipeline.Pad) error {
	return t.RemoveOutput(pad)
}

// Outputs returns the attached src pads in creation order
func (t *Tee) Outputs() []*pipeline.Pad {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sortedOutputs()
}

func (t *Tee) sortedOutputs() []*pipeline.Pad {
	outs := make([]*teeOutput, 0, len(t.outputs))
	for _, o := range t.outputs {
		outs = append(outs, o)
	}
	sort.Slice(outs, func(i, j int) bool { return outs[i].seq < outs[j].seq })
	pads := make([]*pipeline.Pad, len(outs))
	for i, o := range outs {
		pads[i] = o.pad
	}
	return pads
}

// Dropped returns how many buffers a leaky output discarded
func (t *Tee) Dropped(pad *pipeline.Pad) uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if o, ok := t.outputs[pad]; ok {
		return o.w.dropped.Load()
	}
	return 0
}

func (t *Tee) ChangeState(ctx context.Context, tr pipeline.Transition) error {
	switch tr {
	case pipeline.ReadyToPaused:
		t.mu.Lock()
		t.active = true
		for _, o := range t.outputs {
			t.startOutput(o)
		}
		t.mu.Unlock()
	case pipeline.PausedToReady:
		t.mu.Lock()
		t.active = false
		outs := make([]*teeOutput, 0, len(t.outputs))
		for _, o := range t.outputs {
			outs = append(outs, o)
		}
		timeout := t.opts.DetachTimeout
		t.caps = nil
		t.mu.Unlock()
		for _, o := range outs {
			if !o.w.stop(timeout) {
				t.Logger().Warn("branch did not stop in time", "pad", o.pad.Name())
			}
			o.w.flush()
		}
	}
	return nil
}

// startOutput must be called with t.mu held
func (t *Tee) startOutput(o *teeOutput) {
	pad := o.pad
	logger := t.Logger()
	// a caps event that arrives before the branch is linked is held and
	// replayed ahead of the first buffer
	var sticky *pipeline.Event
	o.w.start(func(ctx context.Context, it item) {
		var err error
		if it.ev != nil {
			err = pad.PushEvent(ctx, *it.ev)
			if err == pipeline.ErrNotLinked && it.ev.Type == pipeline.EventCaps {
				sticky = it.ev
			}
		} else {
			if sticky != nil && pad.IsLinked() {
				if err = pad.PushEvent(ctx, *sticky); err == nil {
					sticky = nil
				}
			}
			err = pad.Push(ctx, it.buf)
		}
		if err != nil && err != pipeline.ErrNotLinked && err != pipeline.ErrFlushing && ctx.Err() == nil {
			logger.Debug("branch push failed", "pad", pad.Name(), "error", err)
		}
	})
}

func (t *Tee) snapshot() []*teeOutput {
	t.mu.RLock()
	defer t.mu.RUnlock()
	outs := make([]*teeOutput, 0, len(t.outputs))
	for _, o := range t.outputs {
		outs = append(outs, o)
	}
	return outs
}

func (t *Tee) chain(ctx context.Context, buf *pipeline.Buffer) error {
	// Enqueue outside the lock so RemoveOutput never waits on a full queue
	for _, o := range t.snapshot() {
		if err := o.w.enqueue(ctx, item{buf: buf}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// the output was removed during the push
			continue
		}
	}
	return nil
}

func (t *Tee) event(ctx context.Context, ev pipeline.Event) error {
	if ev.Type == pipeline.EventCaps {
		t.mu.Lock()
		t.caps = ev.Caps
		t.mu.Unlock()
	}
	for _, o := range t.snapshot() {
		if ev.Type == pipeline.EventCaps {
			_ = o.pad.SetCaps(ev.Caps)
		}
		e := ev
		if err := o.w.enqueue(ctx, item{ev: &e}); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// accept requires every linked branch to take the format
func (t *Tee) accept(c *pipeline.Caps) error {
	for _, o := range t.snapshot() {
		if peer := o.pad.Peer(); peer != nil {
			if err := peer.Accept(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tee) query() *pipeline.Caps {
	var res *pipeline.Caps
	for _, o := range t.snapshot() {
		c := o.pad.PeerQueryCaps()
		if c.IsAny() {
			continue
		}
		if res == nil {
			res = c
			continue
		}
		if merged, ok := res.Intersect(c); ok {
			res = merged
		}
	}
	return res
}
