package pipeline

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mantonx/syncstream/internal/errors"
)

func TestBuilder_Chain(t *testing.T) {
	f := testFactories(nil)
	p, err := NewBuilder(f, Options{Logger: hclog.NewNullLogger()}).
		Add("stubsrc", "src").
		Caps("video/x-raw, format=I420").
		Add("stub", "mid", "name=renamed").
		Add("stubsink", "out").
		Build()
	require.NoError(t, err)
	defer p.Dispose(context.Background())

	names := make([]string, 0)
	for _, el := range p.Elements() {
		names = append(names, el.Name())
	}
	assert.Equal(t, []string{"src", "capsfilter0", "renamed", "out"}, names)

	cf, ok := p.Element("capsfilter0")
	require.True(t, ok)
	assert.Equal(t, "video/x-raw, format=I420", cf.(*stubElement).caps)

	out, _ := p.Element("out")
	assert.True(t, out.Pads()[0].IsLinked())
}

func TestBuilder_BreakAndFrom(t *testing.T) {
	f := testFactories(nil)
	p, err := NewBuilder(f, Options{}).
		Add("stub", "a").
		Break().
		Add("stub", "b").
		From("a").
		Add("stubsink", "c").
		Build()
	require.NoError(t, err)
	defer p.Dispose(context.Background())

	b, _ := p.Element("b")
	c, _ := p.Element("c")
	assert.False(t, b.(*stubElement).Pad("sink").IsLinked())
	assert.Equal(t, "a", c.Pads()[0].Peer().Parent().Name())
}

func TestBuilder_DeferredDynamicLink(t *testing.T) {
	f := testFactories(nil)
	p, err := NewBuilder(f, Options{}).
		Add("stubdemux", "demux").
		Add("videosink", "v").
		Build()
	require.NoError(t, err)
	defer p.Dispose(context.Background())

	v, _ := p.Element("v")
	assert.False(t, v.Pads()[0].IsLinked())

	require.NoError(t, p.SetState(context.Background(), StatePaused))
	require.True(t, v.Pads()[0].IsLinked())
	assert.Equal(t, "video/x-raw", v.Pads()[0].Peer().Caps().MediaType())
}

func TestBuilder_Errors(t *testing.T) {
	f := testFactories(nil)

	_, err := NewBuilder(f, Options{}).Add("nonexistent", "").Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoSuchElement)

	_, err = NewBuilder(f, Options{}).Add("stub", "", "bogus=1").Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownProperty)

	_, err = NewBuilder(f, Options{}).Add("stub", "a").From("missing").Build()
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}
