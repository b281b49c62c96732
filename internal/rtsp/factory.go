package rtsp

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/syncstream/internal/clock"
	apperrors "github.com/mantonx/syncstream/internal/errors"
	"github.com/mantonx/syncstream/internal/pipeline"
	"github.com/mantonx/syncstream/internal/pipeline/launch"
)

// SharingPolicy decides how client connects map onto pipelines
type SharingPolicy int

const (
	// PerClient materializes a fresh pipeline for every client
	PerClient SharingPolicy = iota
	// Shared serves every client from one refcounted pipeline
	Shared
)

func (p SharingPolicy) String() string {
	if p == Shared {
		return "shared"
	}
	return "per-client"
}

// MediaFactory turns a pipeline template into media on client connect
type MediaFactory struct {
	template pipeline.Template
	desc     string

	mu       sync.Mutex
	policy   SharingPolicy
	latency  time.Duration
	clock    clock.Clock
	config   MediaConfigurer
	prepared []MediaPreparedFunc
	shared   *Media
	live     map[string]*Media
	built    int

	// buildMu serializes shared media construction
	buildMu sync.Mutex
}

// NewMediaFactory serves media built from template. Sender reports carry
// the pipeline clock unless another configurer is set.
func NewMediaFactory(template pipeline.Template) *MediaFactory {
	return &MediaFactory{
		template: template,
		config:   ClockTimeConfigurer,
		live:     make(map[string]*Media),
	}
}

// NewLaunchFactory parses a launch description into a factory
func NewLaunchFactory(f *pipeline.Factories, desc string) (*MediaFactory, error) {
	t, err := launch.NewTemplate(f, desc)
	if err != nil {
		return nil, err
	}
	mf := NewMediaFactory(t)
	mf.desc = desc
	return mf, nil
}

// Description is the launch line the factory came from, if any
func (f *MediaFactory) Description() string { return f.desc }

func (f *MediaFactory) SetSharingPolicy(p SharingPolicy) {
	f.mu.Lock()
	f.policy = p
	f.mu.Unlock()
}

// SetShared is shorthand for SetSharingPolicy
func (f *MediaFactory) SetShared(shared bool) {
	if shared {
		f.SetSharingPolicy(Shared)
	} else {
		f.SetSharingPolicy(PerClient)
	}
}

func (f *MediaFactory) Shared() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policy == Shared
}

// SetLatency sets the pipeline latency applied to new media
func (f *MediaFactory) SetLatency(d time.Duration) {
	f.mu.Lock()
	f.latency = d
	f.mu.Unlock()
}

func (f *MediaFactory) Latency() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latency
}

// SetClock makes every media present against c
func (f *MediaFactory) SetClock(c clock.Clock) {
	f.mu.Lock()
	f.clock = c
	f.mu.Unlock()
}

func (f *MediaFactory) Clock() clock.Clock {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

// SetMediaConfigurer replaces the configurer run before each media starts
func (f *MediaFactory) SetMediaConfigurer(c MediaConfigurer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c == nil {
		c = ClockTimeConfigurer
	}
	f.config = c
}

func (f *MediaFactory) configurer() MediaConfigurer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

// OnMediaPrepared registers a hook run after each media starts
func (f *MediaFactory) OnMediaPrepared(fn MediaPreparedFunc) {
	f.mu.Lock()
	f.prepared = append(f.prepared, fn)
	f.mu.Unlock()
}

func (f *MediaFactory) preparedHooks() []MediaPreparedFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MediaPreparedFunc(nil), f.prepared...)
}

// Medias lists the live media of the factory
func (f *MediaFactory) Medias() []*Media {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Media, 0, len(f.live))
	for _, m := range f.live {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Instantiations counts the pipelines the factory has built
func (f *MediaFactory) Instantiations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built
}

// mediaEnv is what the server lends to media construction
type mediaEnv struct {
	logger   hclog.Logger
	registry *pipeline.Registry
	timeout  time.Duration
}

// acquire returns a prepared media holding one reference. Shared
// factories serialize construction so concurrent first connects build
// exactly one pipeline.
func (f *MediaFactory) acquire(ctx context.Context, path string, env mediaEnv) (*Media, error) {
	if !f.Shared() {
		m, err := f.construct(ctx, path, env, false)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		m.refs = 1
		f.live[m.id] = m
		f.mu.Unlock()
		return m, nil
	}

	f.buildMu.Lock()
	defer f.buildMu.Unlock()
	f.mu.Lock()
	if m := f.shared; m != nil {
		m.refs++
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()

	m, err := f.construct(ctx, path, env, true)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	m.refs = 1
	f.shared = m
	f.live[m.id] = m
	f.mu.Unlock()
	return m, nil
}

// construct instantiates and prepares a media. A failed media has been
// set to NULL and disposed of.
func (f *MediaFactory) construct(ctx context.Context, path string, env mediaEnv, shared bool) (*Media, error) {
	f.mu.Lock()
	f.built++
	name := fmt.Sprintf("media%d%s", f.built, sanitize(path))
	f.mu.Unlock()

	p, err := f.template.Instantiate(pipeline.Options{Name: name, Logger: env.logger, Registry: env.registry})
	if err != nil {
		return nil, apperrors.SessionRejected("instantiate_media", err).WithElement(path)
	}
	m := newMedia(f, path, p, shared, env.logger)

	timeout := env.timeout
	if timeout <= 0 {
		timeout = DefaultPrepareTimeout
	}
	prepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := m.prepare(prepCtx); err != nil {
		p.Dispose(context.Background())
		return nil, err
	}
	return m, nil
}

// release drops one reference. The last release tears the media down.
func (f *MediaFactory) release(ctx context.Context, m *Media) {
	f.mu.Lock()
	m.refs--
	last := m.refs <= 0
	if last {
		delete(f.live, m.id)
		if f.shared == m {
			f.shared = nil
		}
	}
	f.mu.Unlock()
	if last {
		m.unprepare(ctx)
	}
}

// shutdown tears down every live media regardless of references
func (f *MediaFactory) shutdown(ctx context.Context) {
	f.mu.Lock()
	medias := make([]*Media, 0, len(f.live))
	for _, m := range f.live {
		medias = append(medias, m)
	}
	f.live = make(map[string]*Media)
	f.shared = nil
	f.mu.Unlock()
	for _, m := range medias {
		m.unprepare(ctx)
	}
}

func sanitize(path string) string {
	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		case c == '/':
			out = append(out, '-')
		}
	}
	return string(out)
}
