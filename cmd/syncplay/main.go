// Command syncplay plays a URI, usually the syncstream relay, slaved to
// the shared network clock so that every player shows the same frame.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mantonx/syncstream/internal/clock"
	"github.com/mantonx/syncstream/internal/config"
	"github.com/mantonx/syncstream/internal/elements"
	apperrors "github.com/mantonx/syncstream/internal/errors"
	"github.com/mantonx/syncstream/internal/logger"
	"github.com/mantonx/syncstream/internal/pipeline"
	"github.com/mantonx/syncstream/internal/player"
	"github.com/mantonx/syncstream/internal/rtsp"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file (default $"+config.PathEnv+" or "+config.DefaultPath+")")
		uri        = flag.String("uri", "", "media to play, e.g. rtsp://host:8554/test (overrides player.uri)")
		clockAddr  = flag.String("clock", "", "clock authority address (overrides clock.address)")
		clockPort  = flag.Int("clock-port", 0, "clock authority port (overrides clock.port)")
	)
	flag.Parse()

	if err := run(*configPath, *uri, *clockAddr, *clockPort); err != nil {
		fmt.Fprintf(os.Stderr, "syncplay: %v\n", err)
		if apperrors.IsKind(err, apperrors.KindClockUnavailable) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(configPath, uri, clockAddr string, clockPort int) error {
	if configPath == "" {
		configPath = config.ResolvePath()
	}
	cm := config.NewConfigManager(nil)
	if err := cm.LoadConfig(configPath); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := cm.GetConfig()
	if uri != "" {
		cfg.Player.URI = uri
	}
	if clockAddr != "" {
		cfg.Clock.Address = clockAddr
	}
	if clockPort > 0 {
		cfg.Clock.Port = clockPort
	}

	log := logger.New(cfg.Logging.LoggerOptions("syncplay"))
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := clock.New(ctx, cfg.Clock.Options(log))
	if err != nil {
		return err
	}
	defer c.Close()

	env := elements.DefaultEnv()
	env.Openers["rtsp"] = rtsp.Opener(rtsp.ClientOptions{Logger: log})
	surface := elements.NewMemorySurface()

	p, err := player.New(player.Options{
		Config:    cfg.Player,
		Clock:     c,
		Factories: elements.NewFactories(env),
		Registry:  pipeline.NewRegistry(),
		Surface:   surface,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer func() {
		teardown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Close(teardown)
	}()

	syncCtx, cancelSync := context.WithTimeout(ctx, cfg.Clock.SyncTimeout)
	defer cancelSync()
	go func() {
		// the player waits on the clock itself; this only bounds the wait
		<-syncCtx.Done()
		if !c.Synced() && ctx.Err() == nil {
			log.Error("clock did not synchronize in time", "timeout", cfg.Clock.SyncTimeout)
			stop()
		}
	}()

	err = p.Run(ctx)
	frames, last := surface.Frames()
	log.Info("playback finished", "frames", frames, "last_pts", last.PTS)
	if err == nil && !c.Synced() {
		return apperrors.ClockUnavailable("syncplay", fmt.Errorf("clock did not synchronize within %s", cfg.Clock.SyncTimeout))
	}
	return err
}
