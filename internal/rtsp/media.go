package rtsp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/mantonx/syncstream/internal/elements"
	apperrors "github.com/mantonx/syncstream/internal/errors"
	"github.com/mantonx/syncstream/internal/pipeline"
)

// DefaultPrepareTimeout bounds how long a new media may take to reach
// PLAYING and negotiate every stream
const DefaultPrepareTimeout = 5 * time.Second

// RTPConfig is the RTP session configuration of a media
type RTPConfig struct {
	NTPTimeSource NTPTimeSource
	// SenderReportInterval is the RTCP cadence; zero uses the default
	SenderReportInterval time.Duration
}

// MediaConfigurer adjusts a media after its pipeline is built and before
// it starts
type MediaConfigurer interface {
	ConfigureMedia(m *Media) error
}

// ConfigurerFunc adapts a function to MediaConfigurer
type ConfigurerFunc func(m *Media) error

func (f ConfigurerFunc) ConfigureMedia(m *Media) error { return f(m) }

// ClockTimeConfigurer reports the pipeline clock in sender reports
var ClockTimeConfigurer MediaConfigurer = ConfigurerFunc(func(m *Media) error {
	m.RTP.NTPTimeSource = NTPTimeSourceClockTime
	return nil
})

// MediaPreparedFunc is called once a media is PLAYING with every stream
// negotiated
type MediaPreparedFunc func(m *Media)

// Media is a materialized factory pipeline plus the streams found in it
type Media struct {
	id      string
	path    string
	shared  bool
	factory *MediaFactory
	logger  hclog.Logger
	cname   string

	pipeline *pipeline.Pipeline
	streams  []*Stream

	// RTP is only written by configurers, before the media starts
	RTP RTPConfig

	// refs is guarded by factory.mu
	refs int

	mu       sync.Mutex
	prepared bool
	torn     bool
	stopRTCP context.CancelFunc
	done     chan struct{}
}

func newMedia(f *MediaFactory, path string, p *pipeline.Pipeline, shared bool, logger hclog.Logger) *Media {
	id := uuid.New().String()
	return &Media{
		id:       id,
		path:     path,
		shared:   shared,
		factory:  f,
		logger:   logger.With("media", id[:8]),
		cname:    "syncstream-" + id[:8],
		pipeline: p,
	}
}

func (m *Media) ID() string                   { return m.id }
func (m *Media) Path() string                 { return m.path }
func (m *Media) Shared() bool                 { return m.shared }
func (m *Media) Pipeline() *pipeline.Pipeline { return m.pipeline }
func (m *Media) Streams() []*Stream           { return m.streams }

// SetLatency changes the pipeline latency. Used by configurers and
// prepared hooks.
func (m *Media) SetLatency(d time.Duration) { m.pipeline.SetLatency(d) }

func (m *Media) Latency() time.Duration { return m.pipeline.Latency() }

// Refs counts the sessions holding the media
func (m *Media) Refs() int {
	m.factory.mu.Lock()
	defer m.factory.mu.Unlock()
	return m.refs
}

// Prepared reports whether the media reached PLAYING
func (m *Media) Prepared() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepared
}

// Stream returns the stream with the given index
func (m *Media) Stream(index int) (*Stream, bool) {
	if index < 0 || index >= len(m.streams) {
		return nil, false
	}
	return m.streams[index], true
}

// collectStreams terminates every pay%d element in a stream sink. Indices
// must be contiguous from zero.
func (m *Media) collectStreams() error {
	for i := 0; ; i++ {
		el, ok := m.pipeline.Element(fmt.Sprintf("pay%d", i))
		if !ok {
			break
		}
		pay, ok := el.(elements.Payloader)
		if !ok {
			return apperrors.Validation("collect_streams",
				fmt.Errorf("element %s (%s) is not a payloader", el.Name(), el.Factory()))
		}
		s := newStream(i, pay)
		if err := m.pipeline.Add(s.sink); err != nil {
			return err
		}
		if err := pay.SrcPad().Link(s.sink.Pad("sink")); err != nil {
			return err
		}
		m.streams = append(m.streams, s)
	}
	if len(m.streams) == 0 {
		return apperrors.Validation("collect_streams", fmt.Errorf("no pay0 element in media for %s", m.path))
	}
	return nil
}

// prepare runs the connect sequence: shared clock, latency, configurer,
// PLAYING, then waits for every stream to negotiate. On failure the
// pipeline is back in NULL.
func (m *Media) prepare(ctx context.Context) error {
	f := m.factory
	if err := m.collectStreams(); err != nil {
		return err
	}
	if c := f.Clock(); c != nil {
		if err := m.pipeline.UseClock(c); err != nil {
			return err
		}
	}
	if l := f.Latency(); l > 0 {
		m.pipeline.SetLatency(l)
	}
	if err := f.configurer().ConfigureMedia(m); err != nil {
		return apperrors.Internal("configure_media", err)
	}
	if m.RTP.SenderReportInterval <= 0 {
		m.RTP.SenderReportInterval = DefaultSenderReportInterval
	}

	errs := make(chan pipeline.Message, 1)
	id := m.pipeline.Bus().Watch(pipeline.MessageError, func(msg pipeline.Message) {
		select {
		case errs <- msg:
		default:
		}
	})
	defer m.pipeline.Bus().Unwatch(id)

	if err := m.pipeline.SetState(ctx, pipeline.StatePlaying); err != nil {
		m.reset()
		return err
	}
	if err := m.awaitNegotiated(ctx, errs); err != nil {
		m.reset()
		return err
	}

	rtcpCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.prepared = true
	m.stopRTCP = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()
	go m.reportLoop(rtcpCtx, m.done)

	for _, fn := range f.preparedHooks() {
		fn(m)
	}
	m.logger.Info("media prepared", "path", m.path, "streams", len(m.streams), "shared", m.shared,
		"clock", clockID(m.pipeline))
	return nil
}

func (m *Media) awaitNegotiated(ctx context.Context, errs <-chan pipeline.Message) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		ready := true
		for _, s := range m.streams {
			if !s.pay.Negotiated() {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}
		select {
		case msg := <-errs:
			return apperrors.StateChangeFailure("prepare_media", msg.Err).WithElement(msg.Source)
		case <-ctx.Done():
			return apperrors.StateChangeFailure("prepare_media",
				fmt.Errorf("streams not negotiated: %w", apperrors.ErrTimeout))
		case <-ticker.C:
		}
	}
}

func (m *Media) reset() {
	if err := m.pipeline.SetState(context.Background(), pipeline.StateNull); err != nil {
		m.logger.Warn("reset media pipeline", "error", err)
	}
}

func (m *Media) reportLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.RTP.SenderReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sendReports()
		}
	}
}

// unprepare stops every stream and disposes of the pipeline
func (m *Media) unprepare(ctx context.Context) {
	m.mu.Lock()
	if m.torn {
		m.mu.Unlock()
		return
	}
	m.torn = true
	stop, done := m.stopRTCP, m.done
	m.prepared = false
	m.stopRTCP = nil
	m.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
	for _, s := range m.streams {
		s.mu.Lock()
		targets := s.targets
		s.targets = make(map[string]*target)
		s.mu.Unlock()
		for _, t := range targets {
			t.stop()
		}
	}
	m.pipeline.Dispose(ctx)
	m.logger.Info("media torn down", "path", m.path)
}

func clockID(p *pipeline.Pipeline) string {
	if c := p.Clock(); c != nil {
		return c.ID()
	}
	return ""
}
