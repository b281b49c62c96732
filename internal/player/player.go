// Package player plays a URI against the shared network clock so that
// every receiver renders the same frame at the same moment.
package player

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
)

// Element names
const (
	sourceName   = "src"
	videoConvert = "video_convert"
	videoSink    = "video_sink"
	audioConvert = "aud_conv"
	audioSink    = "audio_sink"
)

// teardownTimeout bounds the final descent to NULL
const teardownTimeout = 5 * time.Second

// Options configures a Player
type Options struct {
	Config    config.PlayerConfig
	Clock     clock.Clock
	Factories *pipeline.Factories
	Registry  *pipeline.Registry
	// Surface receives decoded video; nil renders nowhere
	Surface elements.Surface
	Logger  hclog.Logger
}

// Player owns one playback pipeline
type Player struct {
	opts     Options
	logger   hclog.Logger
	pipeline *pipeline.Pipeline
	router   *pipeline.Router

	mu      sync.Mutex
	running bool
}

// New builds the playback pipeline. Decoded streams are routed by media
// type: raw video to the display branch, raw audio to the audio branch.
func New(opts Options) (*Player, error) {
	if opts.Config.URI == "" {
		return nil, apperrors.Validation("new_player", fmt.Errorf("a uri is required"))
	}
	if opts.Clock == nil {
		return nil, apperrors.Validation("new_player", fmt.Errorf("a clock is required"))
	}
	if opts.Factories == nil {
		opts.Factories = elements.NewFactories(nil)
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	cfg := opts.Config

	p, err := pipeline.NewBuilder(opts.Factories, pipeline.Options{
		Name:     "player",
		Logger:   opts.Logger,
		Registry: opts.Registry,
	}).
		Add("decodesrc", sourceName, "uri="+cfg.URI).
		Break().
		Add("videoconvert", videoConvert).Add("displaysink", videoSink).
		Break().
		Add("audioconvert", audioConvert).Add("audiosink", audioSink).
		Build()
	if err != nil {
		return nil, err
	}

	src, ok := p.Element(sourceName)
	if !ok {
		return nil, apperrors.Internal("new_player", fmt.Errorf("%s missing", sourceName))
	}
	dec, ok := src.(*elements.DecodeSource)
	if !ok {
		return nil, apperrors.Internal("new_player", fmt.Errorf("%s is not a decode source", sourceName))
	}
	// jitter room for network sources
	dec.SetLatency(cfg.PlaybackDelay)

	if opts.Surface != nil {
		el, _ := p.Element(videoSink)
		if err := el.(*elements.DisplaySink).SetSurface(opts.Surface); err != nil {
			return nil, err
		}
	}

	if err := p.UseClock(opts.Clock); err != nil {
		return nil, err
	}
	// higher than the minimum latency of every receiver
	p.SetLatency(cfg.Latency)

	router := pipeline.NewRouter(p)
	vc, _ := p.Element(videoConvert)
	ac, _ := p.Element(audioConvert)
	router.Register("audio/x-raw", sinkPad(ac))
	router.Register("video/x-raw", sinkPad(vc))
	router.Attach(dec)

	return &Player{
		opts:     opts,
		logger:   opts.Logger.Named("player"),
		pipeline: p,
		router:   router,
	}, nil
}

func sinkPad(el pipeline.Element) *pipeline.Pad {
	for _, pad := range el.Pads() {
		if pad.Direction() == pipeline.PadSink {
			return pad
		}
	}
	return nil
}

// Pipeline returns the playback pipeline
func (pl *Player) Pipeline() *pipeline.Pipeline { return pl.pipeline }

// Run waits for the clock, plays until an error, end of stream or ctx is
// done, and takes the pipeline back to NULL. End of stream and
// cancellation return nil.
func (pl *Player) Run(ctx context.Context) error {
	pl.mu.Lock()
	if pl.running {
		pl.mu.Unlock()
		return fmt.Errorf("player already running")
	}
	pl.running = true
	pl.mu.Unlock()
	defer func() {
		pl.mu.Lock()
		pl.running = false
		pl.mu.Unlock()
	}()

	c := pl.opts.Clock
	if !c.Synced() {
		pl.logger.Info("waiting for clock sync", "clock", c.ID())
		if err := c.WaitForSync(ctx); err != nil {
			return apperrors.ClockUnavailable("player_run", err)
		}
	}

	result := make(chan error, 1)
	finish := func(err error) {
		select {
		case result <- err:
		default:
		}
	}
	bus := pl.pipeline.Bus()
	watch := bus.Watch(pipeline.MessageError|pipeline.MessageWarning|pipeline.MessageEOS|pipeline.MessageTag,
		func(msg pipeline.Message) {
			switch msg.Type {
			case pipeline.MessageError:
				pl.logger.Error("error from element", "element", msg.Source, "error", msg.Err)
				finish(fmt.Errorf("error from element %s: %w", msg.Source, msg.Err))
			case pipeline.MessageWarning:
				pl.logger.Warn("warning from element", "element", msg.Source, "error", msg.Err)
			case pipeline.MessageEOS:
				pl.logger.Info("got eos")
				finish(nil)
			case pipeline.MessageTag:
				pl.logger.Debug("tags", "element", msg.Source, "tags", msg.Tags)
			}
		})
	defer bus.Unwatch(watch)

	var err error
	if err = pl.pipeline.SetState(ctx, pipeline.StatePlaying); err != nil {
		pl.logger.Error("failed to set state to PLAYING", "error", err)
	} else {
		pl.logger.Info("playing", "uri", pl.opts.Config.URI,
			"latency", pl.pipeline.Latency(), "base_time", pl.pipeline.BaseTime())
		select {
		case err = <-result:
		case <-ctx.Done():
		}
	}

	teardown, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if stopErr := pl.pipeline.SetState(teardown, pipeline.StateNull); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}

// Close releases the pipeline after Run has returned
func (pl *Player) Close(ctx context.Context) {
	pl.pipeline.Dispose(ctx)
}
