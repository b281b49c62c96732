// Package camera is the capture application: a local preview pipeline
// that feeds a relay channel, and the shared RTSP factory that re-encodes
// the relay for network clients. Both run on one clock.
package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/syncstream/internal/clock"
	"github.com/mantonx/syncstream/internal/config"
	"github.com/mantonx/syncstream/internal/elements"
	apperrors "github.com/mantonx/syncstream/internal/errors"
	"github.com/mantonx/syncstream/internal/pipeline"
	"github.com/mantonx/syncstream/internal/rtsp"
)

// Element names inside the preview and relay pipelines
const (
	sourceName  = "camera"
	previewCaps = "filter1"
	relayCaps   = "filter2"
	displayName = "vidsink"
)

// Callbacks notify the embedding application. Each is optional and is
// called from the pipeline bus goroutine.
type Callbacks struct {
	// OnInitialized fires once, when a surface is attached and the bus
	// loop is running
	OnInitialized func()
	// OnError receives a readable message; the pipeline is then set to NULL
	OnError func(msg string)
	// OnStateChanged reports pipeline-level state changes only
	OnStateChanged func(state pipeline.State)
}

// Options configures an App
type Options struct {
	Config    config.CameraConfig
	Clock     clock.Clock
	Factories *pipeline.Factories
	Registry  *pipeline.Registry
	// NTPTimeSource is applied to every relay media
	NTPTimeSource rtsp.NTPTimeSource
	Callbacks     Callbacks
	Logger        hclog.Logger
}

// App owns the preview pipeline and the relay factory
type App struct {
	opts    Options
	logger  hclog.Logger
	cb      Callbacks
	factory *rtsp.MediaFactory

	pipeline *pipeline.Pipeline
	source   *elements.CameraSrc
	filter   *elements.CapsFilter
	display  *elements.DisplaySink

	mu          sync.Mutex
	width       int
	height      int
	surface     elements.Surface
	running     bool
	initialized bool
	state       pipeline.State
	watches     []int
}

// New builds the preview pipeline and the relay factory. Nothing runs
// until Run and Play.
func New(opts Options) (*App, error) {
	if opts.Clock == nil {
		return nil, apperrors.Validation("new_camera", fmt.Errorf("a clock is required"))
	}
	if opts.Factories == nil {
		opts.Factories = elements.NewFactories(nil)
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	cfg := opts.Config

	a := &App{
		opts:   opts,
		logger: opts.Logger.Named("camera"),
		cb:     opts.Callbacks,
		width:  cfg.Width,
		height: cfg.Height,
		state:  pipeline.StateNull,
	}

	p, err := pipeline.NewBuilder(opts.Factories, pipeline.Options{
		Name:     "camera-app",
		Logger:   opts.Logger,
		Registry: opts.Registry,
	}).
		Add("camerasrc", sourceName, "device="+cfg.Device, "white-balance="+cfg.WhiteBalance).
		Add("capsfilter", previewCaps, "caps="+a.previewCaps(cfg.Width, cfg.Height)).
		Add("tee", "t").
		Add("queue", "").Add("videoscale", "").Add("displaysink", displayName, "rotate-method="+cfg.Rotate).
		From("t").
		Add("queue", "", "leaky=downstream").Add("videoconvert", "").
		Add("intersink", "relay", "channel="+cfg.RelayChannel, "sync=true").
		Build()
	if err != nil {
		return nil, err
	}
	if err := p.UseClock(opts.Clock); err != nil {
		return nil, err
	}
	a.pipeline = p

	var ok bool
	if a.source, ok = element[*elements.CameraSrc](p, sourceName); !ok {
		return nil, apperrors.Internal("new_camera", fmt.Errorf("%s is not a camera source", sourceName))
	}
	if a.filter, ok = element[*elements.CapsFilter](p, previewCaps); !ok {
		return nil, apperrors.Internal("new_camera", fmt.Errorf("%s is not a caps filter", previewCaps))
	}
	if a.display, ok = element[*elements.DisplaySink](p, displayName); !ok {
		return nil, apperrors.Internal("new_camera", fmt.Errorf("%s is not a display sink", displayName))
	}

	f, err := rtsp.NewLaunchFactory(opts.Factories, a.relayDescription())
	if err != nil {
		return nil, err
	}
	f.SetShared(true)
	f.SetClock(opts.Clock)
	f.SetLatency(cfg.Latency)
	f.SetMediaConfigurer(rtsp.ConfigurerFunc(a.configureMedia))
	f.OnMediaPrepared(a.mediaPrepared)
	a.factory = f

	return a, nil
}

func element[T pipeline.Element](p *pipeline.Pipeline, name string) (T, bool) {
	var zero T
	el, ok := p.Element(name)
	if !ok {
		return zero, false
	}
	t, ok := el.(T)
	return t, ok
}

func (a *App) previewCaps(w, h int) string {
	return fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1", w, h, a.opts.Config.Framerate)
}

const maxRelaySide = 2040

func relayCapsFor(w, h int) string {
	return fmt.Sprintf("video/x-raw,width=%d,height=%d,format=I420", w, h)
}

func (a *App) relayDescription() string {
	cfg := a.opts.Config
	return fmt.Sprintf("( intersrc channel=%s ! videoconvert ! videoscale ! capsfilter name=%s caps=%s ! "+
		"queue leaky=downstream ! jpegenc ! rtpjpegpay name=pay0 )",
		cfg.RelayChannel, relayCaps, relayCapsFor(cfg.Width, cfg.Height))
}

// Pipeline returns the preview pipeline
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// MediaFactory returns the shared relay factory to mount on an RTSP server
func (a *App) MediaFactory() *rtsp.MediaFactory { return a.factory }

// State returns the last pipeline-level state reported on the bus
func (a *App) State() pipeline.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Resolution returns the configured capture size
func (a *App) Resolution() (width, height int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.width, a.height
}

// Run watches the bus until ctx is done, then takes the pipeline to NULL
func (a *App) Run(ctx context.Context) error {
	bus := a.pipeline.Bus()
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("camera already running")
	}
	a.running = true
	a.watches = []int{
		bus.Watch(pipeline.MessageError, a.onError),
		bus.Watch(pipeline.MessageEOS, a.onEOS),
		bus.Watch(pipeline.MessageStateChanged, a.onStateChanged),
	}
	a.mu.Unlock()

	a.logger.Info("camera loop running", "clock", a.opts.Clock.ID())
	a.checkInitialized()

	<-ctx.Done()

	a.mu.Lock()
	for _, id := range a.watches {
		bus.Unwatch(id)
	}
	a.watches = nil
	a.running = false
	a.mu.Unlock()

	teardown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.pipeline.SetState(teardown, pipeline.StateNull); err != nil {
		return err
	}
	a.logger.Info("camera loop stopped")
	return nil
}

// Close stops the pipeline bus after Run has returned
func (a *App) Close(ctx context.Context) {
	a.pipeline.Dispose(ctx)
}

func (a *App) checkInitialized() {
	a.mu.Lock()
	ready := !a.initialized && a.surface != nil && a.running
	if ready {
		a.initialized = true
	}
	a.mu.Unlock()
	if !ready {
		return
	}
	a.logger.Debug("initialization complete")
	if a.cb.OnInitialized != nil {
		a.cb.OnInitialized()
	}
}

func (a *App) onError(msg pipeline.Message) {
	text := fmt.Sprintf("Error received from element %s: %v", msg.Source, msg.Err)
	a.logger.Error("pipeline error", "element", msg.Source, "error", msg.Err)
	if a.cb.OnError != nil {
		a.cb.OnError(text)
	}
	// a handler may change state but must not block on the bus
	go func() {
		if err := a.pipeline.SetState(context.Background(), pipeline.StateNull); err != nil {
			a.logger.Warn("stop after error failed", "error", err)
		}
	}()
}

func (a *App) onEOS(pipeline.Message) {
	go func() {
		if err := a.pipeline.SetState(context.Background(), pipeline.StatePaused); err != nil {
			a.logger.Warn("pause after eos failed", "error", err)
		}
	}()
}

func (a *App) onStateChanged(msg pipeline.Message) {
	if msg.Source != a.pipeline.Name() {
		return
	}
	a.mu.Lock()
	a.state = msg.NewState
	a.mu.Unlock()
	a.logger.Debug("state changed", "state", msg.NewState)
	if a.cb.OnStateChanged != nil {
		a.cb.OnStateChanged(msg.NewState)
	}
}

// Play starts capture and preview
func (a *App) Play(ctx context.Context) error {
	return a.pipeline.SetState(ctx, pipeline.StatePlaying)
}

// Pause freezes the preview
func (a *App) Pause(ctx context.Context) error {
	return a.pipeline.SetState(ctx, pipeline.StatePaused)
}

// ChangeResolution drops to READY, retargets the preview and relay
// filters, and returns to PAUSED. Play resumes capture at the new size.
func (a *App) ChangeResolution(ctx context.Context, width, height int) error {
	if width <= 0 || height <= 0 {
		return apperrors.Validation("change_resolution", fmt.Errorf("invalid size %dx%d", width, height))
	}
	// RFC 2435 carries whole 8x8 blocks, up to 2040 pixels a side
	if width%8 != 0 || height%8 != 0 || width > maxRelaySide || height > maxRelaySide {
		return apperrors.Validation("change_resolution", fmt.Errorf("relay cannot carry %dx%d", width, height))
	}
	if err := a.pipeline.SetState(ctx, pipeline.StateReady); err != nil {
		return err
	}

	a.mu.Lock()
	a.width, a.height = width, height
	a.mu.Unlock()

	a.filter.SetCaps(pipeline.MustParseCaps(a.previewCaps(width, height)))
	relay := pipeline.MustParseCaps(relayCapsFor(width, height))
	for _, m := range a.factory.Medias() {
		if f, ok := element[*elements.CapsFilter](m.Pipeline(), relayCaps); ok {
			f.SetCaps(relay)
		}
	}
	a.logger.Info("resolution changed", "width", width, "height", height)

	return a.pipeline.SetState(ctx, pipeline.StatePaused)
}

// SetRotateMethod orients the preview
func (a *App) SetRotateMethod(m elements.RotateMethod) {
	a.display.SetRotateMethod(m)
	a.logger.Debug("rotate method set", "method", m)
}

// SetWhiteBalance changes the capture device mode
func (a *App) SetWhiteBalance(mode string) error {
	if err := a.source.SetWhiteBalance(mode); err != nil {
		return apperrors.Validation("set_white_balance", err)
	}
	return nil
}

// SurfaceInit attaches the preview surface
func (a *App) SurfaceInit(s elements.Surface) error {
	if err := a.display.SetSurface(s); err != nil {
		return err
	}
	a.mu.Lock()
	a.surface = s
	a.mu.Unlock()
	a.checkInitialized()
	return nil
}

// SurfaceFinalize detaches the preview surface
func (a *App) SurfaceFinalize() error {
	a.mu.Lock()
	a.surface = nil
	a.mu.Unlock()
	return a.display.SetSurface(nil)
}

// configureMedia runs on each new relay media before it starts
func (a *App) configureMedia(m *rtsp.Media) error {
	m.RTP.NTPTimeSource = a.opts.NTPTimeSource
	w, h := a.Resolution()
	if f, ok := element[*elements.CapsFilter](m.Pipeline(), relayCaps); ok {
		f.SetCaps(pipeline.MustParseCaps(relayCapsFor(w, h)))
	}
	return nil
}

// mediaPrepared aligns the preview base time to the relay media so both
// pipelines share one running time
func (a *App) mediaPrepared(m *rtsp.Media) {
	base := m.Pipeline().BaseTime()
	a.pipeline.SetBaseTime(base)
	a.logger.Info("relay media prepared",
		"media", m.ID(),
		"base_time", base,
		"latency", m.Latency(),
		"clock_time", a.opts.Clock.Time())
}
