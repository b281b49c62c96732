package launch

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mantonx/syncstream/internal/errors"
	"github.com/mantonx/syncstream/internal/pipeline"
)

// node is a generic element with one sink and one src pad. Elements made
// by the "fan" factory request src pads on demand.
type node struct {
	pipeline.Base
	props map[string]string
	fan   bool
	n     int
}

func newNode(factory, name string, src, sink, fan bool) *node {
	e := &node{props: map[string]string{}, fan: fan}
	e.Init(e, factory, name)
	if sink {
		e.NewPad("sink", pipeline.PadSink, nil)
	}
	if src {
		e.NewPad("src", pipeline.PadSrc, nil)
	}
	return e
}

func (e *node) SetProperty(key, value string) error {
	if key == "name" {
		return e.Base.SetProperty(key, value)
	}
	e.props[key] = value
	return nil
}

func (e *node) RequestPad(dir pipeline.PadDirection) (*pipeline.Pad, error) {
	if !e.fan || dir != pipeline.PadSrc {
		return nil, fmt.Errorf("no request pads")
	}
	pad := e.NewPad(fmt.Sprintf("src_%d", e.n), pipeline.PadSrc, nil)
	e.n++
	return pad, nil
}

func (e *node) ReleasePad(pad *pipeline.Pad) error {
	e.RemovePad(pad)
	return nil
}

func factories() *pipeline.Factories {
	f := pipeline.NewFactories()
	f.Register("source", func(name string) (pipeline.Element, error) {
		return newNode("source", name, true, false, false), nil
	})
	f.Register("filter", func(name string) (pipeline.Element, error) {
		return newNode("filter", name, true, true, false), nil
	})
	f.Register("capsfilter", func(name string) (pipeline.Element, error) {
		return newNode("capsfilter", name, true, true, false), nil
	})
	f.Register("tee", func(name string) (pipeline.Element, error) {
		return newNode("tee", name, false, true, true), nil
	})
	f.Register("sink", func(name string) (pipeline.Element, error) {
		return newNode("sink", name, false, true, false), nil
	})
	return f
}

func peerName(t *testing.T, p *pipeline.Pipeline, element string) string {
	t.Helper()
	el, ok := p.Element(element)
	require.True(t, ok, element)
	for _, pad := range el.Pads() {
		if pad.Direction() == pipeline.PadSink {
			require.NotNil(t, pad.Peer(), "%s is not linked", element)
			return pad.Peer().Parent().Name()
		}
	}
	t.Fatalf("%s has no sink pad", element)
	return ""
}

func TestParse_Chain(t *testing.T) {
	p, err := Parse(factories(), "source name=cam device=/dev/video0 ! filter ! sink name=out", pipeline.Options{})
	require.NoError(t, err)
	defer p.Dispose(context.Background())

	assert.Equal(t, "filter0", peerName(t, p, "out"))
	assert.Equal(t, "cam", peerName(t, p, "filter0"))

	cam, _ := p.Element("cam")
	assert.Equal(t, "/dev/video0", cam.(*node).props["device"])
}

func TestParse_TeeBranches(t *testing.T) {
	desc := `source ! tee name=t ! filter name=a ! sink name=preview t. ! filter name=b ! sink name=relay`
	p, err := Parse(factories(), desc, pipeline.Options{})
	require.NoError(t, err)
	defer p.Dispose(context.Background())

	assert.Equal(t, "t", peerName(t, p, "a"))
	assert.Equal(t, "t", peerName(t, p, "b"))
	assert.Equal(t, "a", peerName(t, p, "preview"))
	assert.Equal(t, "b", peerName(t, p, "relay"))
}

func TestParse_CapsAndParentheses(t *testing.T) {
	desc := `( source ! video/x-raw,width=640,height=480 ! filter name=enc caps="a b" ! sink )`
	p, err := Parse(factories(), desc, pipeline.Options{})
	require.NoError(t, err)
	defer p.Dispose(context.Background())

	cf, ok := p.Element("capsfilter0")
	require.True(t, ok)
	assert.Equal(t, "video/x-raw,width=640,height=480", cf.(*node).props["caps"])
	assert.Equal(t, "capsfilter0", peerName(t, p, "enc"))

	enc, _ := p.Element("enc")
	assert.Equal(t, "a b", enc.(*node).props["caps"])
}

func TestParse_LinkToReference(t *testing.T) {
	p, err := Parse(factories(), "source name=s  filter name=f ! sink  s. ! f.", pipeline.Options{})
	require.NoError(t, err)
	defer p.Dispose(context.Background())

	assert.Equal(t, "s", peerName(t, p, "f"))
}

func TestParse_Errors(t *testing.T) {
	tests := []string{
		"",
		"! sink",
		"source !",
		"source ! ! sink",
		"width=3 source",
		"source ! (filter) ! sink",
		`source name="open`,
		"(source ! sink",
	}
	for _, desc := range tests {
		t.Run(desc, func(t *testing.T) {
			_, err := Parse(factories(), desc, pipeline.Options{})
			require.Error(t, err)
			assert.True(t, apperrors.IsKind(err, apperrors.KindValidation), "%v", err)
		})
	}

	_, err := Parse(factories(), "source ! encoder ! sink", pipeline.Options{})
	assert.ErrorIs(t, err, pipeline.ErrNoSuchElement)
}

func TestTemplate(t *testing.T) {
	tmpl, err := NewTemplate(factories(), "source ! sink")
	require.NoError(t, err)
	assert.Equal(t, "source ! sink", tmpl.String())

	a, err := tmpl.Instantiate(pipeline.Options{Name: "a"})
	require.NoError(t, err)
	defer a.Dispose(context.Background())
	b, err := tmpl.Instantiate(pipeline.Options{Name: "b"})
	require.NoError(t, err)
	defer b.Dispose(context.Background())

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Len(t, b.Elements(), 2)

	_, err = NewTemplate(factories(), "source !")
	assert.Error(t, err)
}
