package pipeline

import (
	"context"
	"fmt"
	"sync"

	apperrors "github.com/mantonx/syncstream/internal/errors"
)

// PadDirection is the data flow direction of a pad
type PadDirection int

const (
	PadSrc PadDirection = iota
	PadSink
)

func (d PadDirection) String() string {
	if d == PadSrc {
		return "src"
	}
	return "sink"
}

// ChainFunc receives buffers on a sink pad
type ChainFunc func(ctx context.Context, buf *Buffer) error

// EventFunc receives events on a sink pad
type EventFunc func(ctx context.Context, ev Event) error

// AcceptFunc checks whether a sink pad can take a concrete format
type AcceptFunc func(caps *Caps) error

// QueryFunc reports the formats a pad can currently handle
type QueryFunc func() *Caps

// Pad is a typed connection point on an element
type Pad struct {
	name     string
	dir      PadDirection
	parent   Element
	template *Caps

	chain  ChainFunc
	event  EventFunc
	accept AcceptFunc
	query  QueryFunc

	mu   sync.RWMutex
	peer *Pad
	caps *Caps
}

// NewPad creates a pad. A nil template accepts any format.
func NewPad(parent Element, name string, dir PadDirection, template *Caps) *Pad {
	return &Pad{name: name, dir: dir, parent: parent, template: template}
}

func (p *Pad) Name() string { return p.name }
func (p *Pad) Direction() PadDirection { return p.dir }
func (p *Pad) Parent() Element { return p.parent }
func (p *Pad) Template() *Caps { return p.template }
func (p *Pad) SetChainFunc(f ChainFunc) { p.chain = f }
func (p *Pad) SetEventFunc(f EventFunc) { p.event = f }
func (p *Pad) SetAcceptFunc(f AcceptFunc) { p.accept = f }
func (p *Pad) SetQueryFunc(f QueryFunc) { p.query = f }

func (p *Pad) String() string {
	if p.parent == nil {
		return p.name
	}
	return p.parent.Name() + ":" + p.name
}

// Peer returns the linked pad, or nil
func (p *Pad) Peer() *Pad {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.peer
}

// IsLinked reports whether the pad has a peer
func (p *Pad) IsLinked() bool {
	return p.Peer() != nil
}

// Caps returns the negotiated format, or nil before negotiation
func (p *Pad) Caps() *Caps {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.caps
}

// SetCaps fixes the pad's format. On a linked src pad the peer must accept
// it.
func (p *Pad) SetCaps(c *Caps) error {
	if peer := p.Peer(); peer != nil && p.dir == PadSrc {
		if err := peer.Accept(c); err != nil {
			return err
		}
		peer.mu.Lock()
		peer.caps = c
		peer.mu.Unlock()
	}
	p.mu.Lock()
	p.caps = c
	p.mu.Unlock()
	return nil
}

// Accept checks a concrete format against the pad template and accept func
func (p *Pad) Accept(c *Caps) error {
	if !p.template.CanIntersect(c) {
		return fmt.Errorf("%w: %s does not accept %s", ErrNotNegotiated, p, c)
	}
	if p.accept != nil {
		if err := p.accept(c); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// QueryCaps returns what the pad can handle now: the query func result,
// the negotiated caps, or the template.
func (p *Pad) QueryCaps() *Caps {
	if p.query != nil {
		return p.query()
	}
	if c := p.Caps(); c != nil {
		return c
	}
	return p.template
}

// PeerQueryCaps queries the linked pad, or returns nil (any)
func (p *Pad) PeerQueryCaps() *Caps {
	if peer := p.Peer(); peer != nil {
		return peer.QueryCaps()
	}
	return nil
}

// Link connects a src pad to a sink pad. The templates must intersect, and
// if the src pad already has fixed caps the sink must accept them.
// Failures are KindLinkConnectionFailed errors.
func (p *Pad) Link(sink *Pad) error {
	op := "link"
	fail := func(err error) error {
		return apperrors.LinkFailed(op, err).
			WithDetail("src", p.String()).
			WithDetail("sink", sink.String())
	}

	if p.dir != PadSrc || sink.dir != PadSink {
		return fail(fmt.Errorf("cannot link %s pad to %s pad", p.dir, sink.dir))
	}

	if !p.template.CanIntersect(sink.template) {
		return fail(fmt.Errorf("%w: %s and %s", ErrNotNegotiated, p.template, sink.template))
	}
	if c := p.Caps(); c != nil {
		if err := sink.Accept(c); err != nil {
			return fail(err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	sink.mu.Lock()
	defer sink.mu.Unlock()

	if p.peer != nil || sink.peer != nil {
		return fail(ErrAlreadyLinked)
	}
	p.peer = sink
	sink.peer = p
	if p.caps != nil {
		sink.caps = p.caps
	}
	return nil
}

// Unlink disconnects the pad from its peer
func (p *Pad) Unlink() {
	p.mu.Lock()
	peer := p.peer
	p.peer = nil
	p.mu.Unlock()
	if peer != nil {
		peer.mu.Lock()
		if peer.peer == p {
			peer.peer = nil
		}
		peer.mu.Unlock()
	}
}

// Push sends buf to the peer's chain function
func (p *Pad) Push(ctx context.Context, buf *Buffer) error {
	peer := p.Peer()
	if peer == nil {
		return ErrNotLinked
	}
	if peer.chain == nil {
		return fmt.Errorf("%s has no chain function", peer)
	}
	return peer.chain(ctx, buf)
}

// PushEvent sends ev to the peer's event function
func (p *Pad) PushEvent(ctx context.Context, ev Event) error {
	peer := p.Peer()
	if peer == nil {
		return ErrNotLinked
	}
	if ev.Type == EventCaps {
		peer.mu.Lock()
		peer.caps = ev.Caps
		peer.mu.Unlock()
	}
	if peer.event == nil {
		return nil
	}
	return peer.event(ctx, ev)
}
