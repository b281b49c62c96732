package elements

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/syncstream/internal/pipeline"
	"github.com/mantonx/syncstream/internal/pipeline/launch"
)

func TestRegister_EveryFactoryBuilds(t *testing.T) {
	f := NewFactories(nil)
	names := f.Names()
	assert.Contains(t, names, "tee")
	assert.Contains(t, names, "rtph264pay")
	assert.Len(t, names, 19)

	for _, name := range names {
		el, err := f.Make(name, "x")
		require.NoError(t, err, name)
		assert.Equal(t, name, el.Factory())
	}
}

func TestRegister_DisplaySurfaceFromEnv(t *testing.T) {
	surface := NewMemorySurface()
	f := NewFactories(&Env{Surface: func(string) Surface { return surface }})
	el, err := f.Make("displaysink", "screen")
	require.NoError(t, err)
	require.NoError(t, el.ChangeState(context.Background(), pipeline.NullToReady))
	assert.True(t, surface.IsOpen())
}

func TestLaunch_TeeFanOut(t *testing.T) {
	f := NewFactories(nil)
	p, err := launch.Parse(f,
		"videotestsrc num-buffers=4 ! video/x-raw,width=16,height=16 ! tee name=t "+
			"t. ! queue ! fakesink name=a "+
			"t. ! queue ! videoconvert ! video/x-raw,format=RGBA ! fakesink name=b",
		pipeline.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { p.Dispose(context.Background()) })

	a, ok := p.Element("a")
	require.True(t, ok)
	b, _ := p.Element("b")

	msgs := watch(p, pipeline.MessageEOS|pipeline.MessageError)
	require.NoError(t, p.SetState(context.Background(), pipeline.StatePlaying))
	awaitPipelineEOS(t, p, msgs)

	assert.Equal(t, uint64(4), a.(*FakeSink).Stats().Rendered)
	assert.Equal(t, uint64(4), b.(*FakeSink).Stats().Rendered)
}
