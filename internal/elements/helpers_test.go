package elements

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/syncstream/internal/pipeline"
)

// recorder is a bare sink pad that keeps what reaches it
type recorder struct {
	pad *pipeline.Pad

	mu   sync.Mutex
	bufs []*pipeline.Buffer
	caps []*pipeline.Caps
	eos  bool

	// when set, chain blocks until release is closed
	entered chan struct{}
	release chan struct{}
}

func newRecorder(tmpl *pipeline.Caps) *recorder {
	r := &recorder{}
	r.pad = pipeline.NewPad(nil, "recorder", pipeline.PadSink, tmpl)
	r.pad.SetChainFunc(func(ctx context.Context, buf *pipeline.Buffer) error {
		if r.release != nil {
			select {
			case r.entered <- struct{}{}:
			default:
			}
			<-r.release
		}
		r.mu.Lock()
		r.bufs = append(r.bufs, buf)
		r.mu.Unlock()
		return nil
	})
	r.pad.SetEventFunc(func(ctx context.Context, ev pipeline.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		switch ev.Type {
		case pipeline.EventCaps:
			r.caps = append(r.caps, ev.Caps)
		case pipeline.EventEOS:
			r.eos = true
		}
		return nil
	})
	return r
}

// newBlockingRecorder stalls on its first buffer until the test ends
func newBlockingRecorder(t *testing.T) *recorder {
	r := newRecorder(nil)
	r.entered = make(chan struct{}, 1)
	r.release = make(chan struct{})
	t.Cleanup(func() { close(r.release) })
	return r
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bufs)
}

func (r *recorder) buffers() []*pipeline.Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*pipeline.Buffer(nil), r.bufs...)
}

func (r *recorder) sequences() []uint64 {
	bufs := r.buffers()
	out := make([]uint64, len(bufs))
	for i, b := range bufs {
		out[i] = b.Sequence
	}
	return out
}

func (r *recorder) lastCaps() *pipeline.Caps {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.caps) == 0 {
		return nil
	}
	return r.caps[len(r.caps)-1]
}

func (r *recorder) gotEOS() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eos
}

// newFeeder links a bare src pad to sink so tests can push directly
func newFeeder(t *testing.T, sink *pipeline.Pad) *pipeline.Pad {
	t.Helper()
	src := pipeline.NewPad(nil, "feeder", pipeline.PadSrc, nil)
	require.NoError(t, src.Link(sink))
	return src
}

func pushN(t *testing.T, src *pipeline.Pad, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		require.NoError(t, src.Push(context.Background(), &pipeline.Buffer{
			PTS:      time.Duration(i) * time.Millisecond,
			Data:     []byte{byte(i)},
			Sequence: uint64(i),
		}))
	}
}

func contiguous(seqs []uint64) bool {
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			return false
		}
	}
	return true
}

func newTestPipeline(t *testing.T, name string) *pipeline.Pipeline {
	t.Helper()
	p := pipeline.New(pipeline.Options{Name: name, Logger: hclog.NewNullLogger()})
	t.Cleanup(func() { p.Dispose(context.Background()) })
	return p
}

// collectSink is a fakesink that keeps its buffers
func collectSink(name string) (*FakeSink, func() []*pipeline.Buffer) {
	s := NewFakeSink(name)
	var mu sync.Mutex
	var got []*pipeline.Buffer
	s.SetHandoff(func(buf *pipeline.Buffer) {
		mu.Lock()
		got = append(got, buf)
		mu.Unlock()
	})
	return s, func() []*pipeline.Buffer {
		mu.Lock()
		defer mu.Unlock()
		return append([]*pipeline.Buffer(nil), got...)
	}
}
