package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/syncstream/internal/clock"
)

// Element is a processing node
type Element interface {
	Name() string
	// Factory is the name the element was made from
	Factory() string
	Pads() []*Pad
	SetProperty(key, value string) error
	// ChangeState moves the element one adjacent step. Descending steps
	// should not fail; their errors are only logged.
	ChangeState(ctx context.Context, t Transition) error
	// SetHost attaches the element to a pipeline
	SetHost(h Host)
}

// RequestPader is implemented by elements that create pads on demand
type RequestPader interface {
	RequestPad(dir PadDirection) (*Pad, error)
	ReleasePad(pad *Pad) error
}

// PadAddedFunc is called when a dynamic source exposes a new output
type PadAddedFunc func(pad *Pad)

// DynamicSource is an element whose outputs appear at runtime
type DynamicSource interface {
	Element
	OnPadAdded(fn PadAddedFunc)
}

// Host is the pipeline context available to its elements
type Host interface {
	Name() string
	Clock() clock.Clock
	BaseTime() time.Duration
	Latency() time.Duration
	Logger() hclog.Logger
	Post(msg Message)
	ReportEOS(element string)
	ReportError(element string, err error)
}

// Base implements the bookkeeping shared by all elements. Elements embed
// it and call Init from their constructor.
type Base struct {
	self    Element
	name    string
	factory string

	mu   sync.RWMutex
	pads []*Pad
	host Host

	streamMu     sync.Mutex
	streamCancel context.CancelFunc
	streamWG     sync.WaitGroup
}

// Init records the outer element, its factory and name
func (b *Base) Init(self Element, factory, name string) {
	b.self = self
	b.factory = factory
	b.name = name
}

func (b *Base) Name() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.name
}

func (b *Base) Factory() string { return b.factory }

// Pads returns the element's pads in creation order
func (b *Base) Pads() []*Pad {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Pad, len(b.pads))
	copy(out, b.pads)
	return out
}

// Pad returns the pad with the given name, or nil
func (b *Base) Pad(name string) *Pad {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, p := range b.pads {
		if p.name == name {
			return p
		}
	}
	return nil
}

// NewPad creates and adds a pad owned by the element
func (b *Base) NewPad(name string, dir PadDirection, template *Caps) *Pad {
	p := NewPad(b.self, name, dir, template)
	b.AddPad(p)
	return p
}

func (b *Base) AddPad(p *Pad) {
	b.mu.Lock()
	b.pads = append(b.pads, p)
	b.mu.Unlock()
}

// RemovePad unlinks and drops a pad
func (b *Base) RemovePad(p *Pad) {
	p.Unlink()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.pads {
		if x == p {
			b.pads = append(b.pads[:i], b.pads[i+1:]...)
			return
		}
	}
}

// SrcPads returns the src pads
func (b *Base) SrcPads() []*Pad {
	return b.padsByDir(PadSrc)
}

// SinkPads returns the sink pads
func (b *Base) SinkPads() []*Pad {
	return b.padsByDir(PadSink)
}

func (b *Base) padsByDir(dir PadDirection) []*Pad {
	var out []*Pad
	for _, p := range b.Pads() {
		if p.dir == dir {
			out = append(out, p)
		}
	}
	return out
}

func (b *Base) SetHost(h Host) {
	b.mu.Lock()
	b.host = h
	b.mu.Unlock()
}

// Host returns the owning pipeline, or nil
func (b *Base) Host() Host {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.host
}

// Logger returns the host logger named after the element
func (b *Base) Logger() hclog.Logger {
	if h := b.Host(); h != nil {
		return h.Logger().Named(b.Name())
	}
	return hclog.NewNullLogger()
}

// SetProperty handles properties common to all elements
func (b *Base) SetProperty(key, value string) error {
	if key == "name" {
		b.mu.Lock()
		b.name = value
		b.mu.Unlock()
		return nil
	}
	return fmt.Errorf("%w %q on %s", ErrUnknownProperty, key, b.factory)
}

// ChangeState is a no-op by default
func (b *Base) ChangeState(ctx context.Context, t Transition) error {
	return nil
}

// StartStreaming runs fn on a goroutine until StopStreaming
func (b *Base) StartStreaming(fn func(ctx context.Context)) {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()
	if b.streamCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.streamCancel = cancel
	b.streamWG.Add(1)
	go func() {
		defer b.streamWG.Done()
		fn(ctx)
	}()
}

// StopStreaming cancels the streaming goroutine and waits for it
func (b *Base) StopStreaming() {
	b.streamMu.Lock()
	cancel := b.streamCancel
	b.streamCancel = nil
	b.streamMu.Unlock()
	if cancel != nil {
		cancel()
		b.streamWG.Wait()
	}
}

// Streaming reports whether a streaming goroutine is running
func (b *Base) Streaming() bool {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()
	return b.streamCancel != nil
}

// PostError reports a fatal streaming error to the host
func (b *Base) PostError(err error) {
	if h := b.Host(); h != nil {
		h.ReportError(b.Name(), err)
	}
}

// PostWarning reports a contained failure
func (b *Base) PostWarning(err error) {
	if h := b.Host(); h != nil {
		h.Post(Message{Type: MessageWarning, Source: b.Name(), Err: err})
	}
}

// PostEOS reports that this sink has rendered its last buffer
func (b *Base) PostEOS() {
	if h := b.Host(); h != nil {
		h.ReportEOS(b.Name())
	}
}

// PostElement posts an application-defined message
func (b *Base) PostElement(structure map[string]interface{}) {
	if h := b.Host(); h != nil {
		h.Post(Message{Type: MessageElement, Source: b.Name(), Structure: structure})
	}
}

// RunningTime returns the host clock time minus base time
func (b *Base) RunningTime() time.Duration {
	h := b.Host()
	if h == nil || h.Clock() == nil {
		return 0
	}
	return h.Clock().Time() - h.BaseTime()
}

// PresentationTime is the clock time at which pts should be rendered
func (b *Base) PresentationTime(pts time.Duration) time.Duration {
	h := b.Host()
	if h == nil {
		return pts
	}
	return h.BaseTime() + pts + h.Latency()
}

// WaitPresent sleeps until pts is due on the host clock. It returns how
// late the buffer already was (zero if early) or ctx's error.
func (b *Base) WaitPresent(ctx context.Context, pts time.Duration) (time.Duration, error) {
	h := b.Host()
	if h == nil || h.Clock() == nil {
		return 0, nil
	}
	target := b.PresentationTime(pts)
	wait := target - h.Clock().Time()
	if wait <= 0 {
		return -wait, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ForwardEOS pushes EOS on every src pad
func (b *Base) ForwardEOS(ctx context.Context) {
	for _, p := range b.SrcPads() {
		if err := p.PushEvent(ctx, Event{Type: EventEOS}); err != nil && err != ErrNotLinked {
			b.Logger().Debug("eos not forwarded", "pad", p.Name(), "error", err)
		}
	}
}

// ParseBool accepts the property spellings used in launch descriptions
func ParseBool(value string) (bool, error) {
	switch value {
	case "true", "TRUE", "yes", "1":
		return true, nil
	case "false", "FALSE", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", value)
}

// ParseInt parses an integer property
func ParseInt(value string) (int, error) {
	return strconv.Atoi(value)
}

// ParseDuration accepts Go durations, or bare integers as milliseconds
func ParseDuration(value string) (time.Duration, error) {
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(value)
}
