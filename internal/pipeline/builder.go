package pipeline

import (
	"fmt"
	"strings"

	apperrors "github.com/mantonx/syncstream/internal/errors"
)

// Builder assembles a pipeline from factory names. Each Add links from the
// previous element unless Break was called. Links from dynamic sources are
// deferred through a Router until the source adds a matching pad.
//
//	p, err := pipeline.NewBuilder(factories, opts).
//		Add("videotestsrc", "src").
//		Add("tee", "t").
//		Add("queue", "").Add("fakesink", "a").
//		From("t").Add("queue", "").Add("fakesink", "b").
//		Build()
type Builder struct {
	factories *Factories
	p         *Pipeline
	err       error

	cur     Element
	linking bool
	routers map[Element]*Router
}

// NewBuilder starts a pipeline with the given options
func NewBuilder(f *Factories, opts Options) *Builder {
	return &Builder{
		factories: f,
		p:         New(opts),
		routers:   make(map[Element]*Router),
	}
}

// Add creates an element, sets "key=value" properties, adds it and links
// it from the current element
func (b *Builder) Add(factory, name string, props ...string) *Builder {
	if b.err != nil {
		return b
	}
	el, err := b.factories.Make(factory, name)
	if err != nil {
		b.err = err
		return b
	}
	for _, prop := range props {
		key, value, ok := strings.Cut(prop, "=")
		if !ok {
			b.err = apperrors.Validation("build", fmt.Errorf("property %q on %s is not key=value", prop, factory))
			return b
		}
		if err := el.SetProperty(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			b.err = apperrors.Validation("build", err).WithElement(factory)
			return b
		}
	}
	return b.AddElement(el)
}

// AddElement adds a constructed element and links it from the current one
func (b *Builder) AddElement(el Element) *Builder {
	if b.err != nil {
		return b
	}
	if err := b.p.Add(el); err != nil {
		b.err = err
		return b
	}
	if b.linking && b.cur != nil {
		if err := b.link(b.cur, el); err != nil {
			b.err = err
			return b
		}
	}
	b.cur = el
	b.linking = true
	return b
}

// Caps inserts a capsfilter restricting the format
func (b *Builder) Caps(caps string) *Builder {
	return b.Add("capsfilter", "", "caps="+caps)
}

// From continues building from an existing element without linking to it
func (b *Builder) From(name string) *Builder {
	if b.err != nil {
		return b
	}
	el, ok := b.p.Element(name)
	if !ok {
		b.err = apperrors.Validation("build", fmt.Errorf("%w: %q", ErrNoSuchElement, name))
		return b
	}
	b.cur = el
	b.linking = true
	return b
}

// To links the current element to an existing one and continues from it
func (b *Builder) To(name string) *Builder {
	if b.err != nil {
		return b
	}
	el, ok := b.p.Element(name)
	if !ok {
		b.err = apperrors.Validation("build", fmt.Errorf("%w: %q", ErrNoSuchElement, name))
		return b
	}
	if b.linking && b.cur != nil {
		if err := b.link(b.cur, el); err != nil {
			b.err = err
			return b
		}
	}
	b.cur = el
	b.linking = true
	return b
}

// Break ends the current chain; the next Add starts unlinked
func (b *Builder) Break() *Builder {
	b.linking = false
	return b
}

func (b *Builder) link(src, sink Element) error {
	if dyn, ok := src.(DynamicSource); ok && !hasFreePad(src, PadSrc) {
		return b.deferLink(dyn, sink)
	}
	return LinkElements(src, sink)
}

func (b *Builder) deferLink(src DynamicSource, sink Element) error {
	var entry *Pad
	for _, pad := range sink.Pads() {
		if pad.Direction() == PadSink && !pad.IsLinked() {
			entry = pad
			break
		}
	}
	if entry == nil {
		return apperrors.LinkFailed("build", fmt.Errorf("%s has no free sink pad", sink.Name()))
	}

	r, ok := b.routers[src]
	if !ok {
		r = NewRouter(b.p)
		r.Attach(src)
		b.routers[src] = r
	}
	prefix := ""
	if t := entry.Template(); !t.IsAny() {
		prefix = t.MediaType()
	}
	r.Register(prefix, entry)
	return nil
}

func hasFreePad(el Element, dir PadDirection) bool {
	for _, pad := range el.Pads() {
		if pad.Direction() == dir && !pad.IsLinked() {
			return true
		}
	}
	return false
}

// Pipeline returns the pipeline under construction
func (b *Builder) Pipeline() *Pipeline {
	return b.p
}

// Err returns the first error recorded
func (b *Builder) Err() error {
	return b.err
}

// Build returns the pipeline, or disposes it and returns the first error
func (b *Builder) Build() (*Pipeline, error) {
	if b.err != nil {
		b.p.bus.Close()
		return nil, b.err
	}
	return b.p, nil
}
