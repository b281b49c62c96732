// Command syncstream captures the camera, previews it locally and relays
// it over RTSP against a shared network clock.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/syncstream/internal/camera"
	"github.com/mantonx/syncstream/internal/clock"
	"github.com/mantonx/syncstream/internal/config"
	"github.com/mantonx/syncstream/internal/database"
	"github.com/mantonx/syncstream/internal/elements"
	apperrors "github.com/mantonx/syncstream/internal/errors"
	"github.com/mantonx/syncstream/internal/events"
	"github.com/mantonx/syncstream/internal/logger"
	"github.com/mantonx/syncstream/internal/pipeline"
	"github.com/mantonx/syncstream/internal/rtsp"
	"github.com/mantonx/syncstream/internal/server"
	"github.com/mantonx/syncstream/internal/sysinfo"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "config file (default $"+config.PathEnv+" or "+config.DefaultPath+")")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "syncstream: %v\n", err)
		if apperrors.IsKind(err, apperrors.KindClockUnavailable) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(configPath string) error {
	if configPath == "" {
		configPath = config.ResolvePath()
	}
	cm := config.NewConfigManager(nil)
	if err := cm.LoadConfig(configPath); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg := cm.GetConfig()

	log := logger.New(cfg.Logging.LoggerOptions("syncstream"))
	logger.SetDefault(log)
	log.Info("starting syncstream", "config", configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub(log)
	defer hub.Close()

	var store *database.Store
	if cfg.Database.Enabled {
		db, err := database.Open(cfg.Database, log.Named("database"))
		if err != nil {
			return err
		}
		defer func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}()
		store = database.NewStore(db, log)
		if n, err := store.MarkInterrupted(); err != nil {
			log.Warn("failed to close out stale sessions", "error", err)
		} else if n > 0 {
			log.Info("marked sessions from a previous run interrupted", "count", n)
		}
	}

	clockOpts := cfg.Clock.Options(log)
	clockOpts.OnSync = func(clockID string, offset, spread time.Duration) {
		hub.Publish(events.NewClockSyncedEvent(clockID, offset, spread))
		if store != nil {
			if err := store.RecordClockSync(clockID, cfg.Clock.Kind, cfg.Clock.Address, offset, spread); err != nil {
				log.Warn("failed to record clock sync", "error", err)
			}
		}
	}
	c, err := clock.New(ctx, clockOpts)
	if err != nil {
		return err
	}
	defer c.Close()

	syncCtx, cancelSync := context.WithTimeout(ctx, cfg.Clock.SyncTimeout)
	err = c.WaitForSync(syncCtx)
	cancelSync()
	if err != nil {
		return apperrors.ClockUnavailable("wait_for_sync", err)
	}
	log.Info("clock synchronized", "clock", c.ID(), "kind", cfg.Clock.Kind)

	if addr := cfg.Clock.ProviderAddress; addr != "" {
		provider, err := clock.NewTimeProvider(c, addr, log)
		if err != nil {
			return fmt.Errorf("failed to start time provider: %w", err)
		}
		defer provider.Close()
	}

	registry := pipeline.NewRegistry()
	registry.Observe(hub)
	defer func() {
		teardown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		registry.ShutdownAll(teardown)
	}()

	var monitor *sysinfo.Monitor
	var admission rtsp.AdmissionFunc
	if cfg.Performance.AdmissionEnabled {
		monitor = sysinfo.NewMonitor(sysinfo.Options{
			Interval:        cfg.Performance.SampleInterval,
			CPUThreshold:    cfg.Performance.CPUThreshold,
			MemoryThreshold: cfg.Performance.MemoryThreshold,
			Logger:          log,
		})
		monitor.Start(ctx)
		defer monitor.Stop()
		admission = monitor.Admit
	}

	ntpSource, err := rtsp.ParseNTPTimeSource(cfg.RTSP.NTPTimeSource)
	if err != nil {
		return apperrors.Validation("rtsp_config", err)
	}

	var recorder rtsp.SessionRecorder
	if store != nil {
		recorder = hub.Recorder(store)
	} else {
		recorder = hub.Recorder(nil)
	}
	rtspServer := rtsp.NewServer(rtsp.Options{
		Address:        cfg.RTSP.Address(),
		SessionTimeout: cfg.RTSP.SessionTimeout,
		PrepareTimeout: cfg.RTSP.PrepareTimeout,
		Logger:         log,
		Registry:       registry,
		Admission:      admission,
		Recorder:       recorder,
	})

	factories := elements.NewFactories(elements.DefaultEnv())

	app, err := newCamera(ctx, cfg.Camera, c, factories, registry, ntpSource, log)
	if err != nil {
		return err
	}
	defer func() {
		teardown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		app.Close(teardown)
	}()
	if err := rtspServer.MountPoints().AddFactory(cfg.Camera.MountPath, app.MediaFactory()); err != nil {
		return err
	}
	if err := mountLaunchFactories(rtspServer, factories, cfg.RTSP.Mounts, c); err != nil {
		return err
	}

	cm.AddWatcher(func(old, next *config.Config) {
		if old.Logging.Level != next.Logging.Level {
			log.SetLevel(logger.ParseLevel(next.Logging.Level))
			log.Info("log level changed", "level", next.Logging.Level)
		}
		hub.Publish(events.NewConfigReloadedEvent(cm.Path()))
	})
	if err := cm.Watch(ctx, config.DefaultDebounce); err != nil {
		log.Warn("configuration hot reload disabled", "error", err)
	}

	var wg sync.WaitGroup
	errc := make(chan error, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.Run(ctx); err != nil {
			errc <- fmt.Errorf("camera: %w", err)
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rtspServer.ListenAndServe(ctx); err != nil {
			errc <- fmt.Errorf("rtsp: %w", err)
		}
	}()

	if cfg.Server.Enabled {
		api, err := server.New(cfg.Server, server.Deps{
			Registry: registry,
			RTSP:     rtspServer,
			Clock:    c,
			Hub:      hub,
			Store:    store,
			Monitor:  monitor,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := api.ListenAndServe(ctx); err != nil {
				errc <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	log.Info("syncstream running",
		"rtsp", cfg.RTSP.Address(), "mount", cfg.Camera.MountPath, "clock", c.ID())

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errc:
		log.Error("component failed", "error", runErr)
		stop()
	}

	shutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rtspServer.Shutdown(shutdown); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("rtsp shutdown", "error", err)
	}
	wg.Wait()
	log.Info("syncstream stopped")
	return runErr
}

// newCamera builds the capture app and starts it playing as soon as it
// is initialized
func newCamera(ctx context.Context, cfg config.CameraConfig, c clock.Clock, factories *pipeline.Factories,
	registry *pipeline.Registry, ntpSource rtsp.NTPTimeSource, log hclog.Logger) (*camera.App, error) {
	var app *camera.App
	ready := make(chan struct{})
	callbacks := camera.Callbacks{
		OnInitialized: func() {
			go func() {
				<-ready
				if err := app.Play(ctx); err != nil {
					log.Error("failed to start the camera", "error", err)
				}
			}()
		},
		OnError: func(msg string) {
			log.Error("camera error", "message", msg)
		},
		OnStateChanged: func(state pipeline.State) {
			log.Debug("camera state", "state", state)
		},
	}

	app, err := camera.New(camera.Options{
		Config:        cfg,
		Clock:         c,
		Factories:     factories,
		Registry:      registry,
		NTPTimeSource: ntpSource,
		Callbacks:     callbacks,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}
	close(ready)

	surface := elements.NewMemorySurface()
	if err := app.SurfaceInit(surface); err != nil {
		return nil, err
	}
	if cfg.Preview {
		go reportPreview(ctx, surface, log)
	}
	return app, nil
}

// reportPreview logs what reached the local preview
func reportPreview(ctx context.Context, surface *elements.MemorySurface, log hclog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, last := surface.Frames()
			log.Debug("preview", "frames", n, "width", last.Width, "height", last.Height, "pts", last.PTS)
		case <-ctx.Done():
			return
		}
	}
}

func mountLaunchFactories(srv *rtsp.Server, factories *pipeline.Factories, mounts []config.MountConfig, c clock.Clock) error {
	for _, m := range mounts {
		f, err := rtsp.NewLaunchFactory(factories, m.Launch)
		if err != nil {
			return fmt.Errorf("mount %s: %w", m.Path, err)
		}
		f.SetShared(m.Shared)
		f.SetClock(c)
		if m.Latency > 0 {
			f.SetLatency(m.Latency)
		}
		if err := srv.MountPoints().AddFactory(m.Path, f); err != nil {
			return err
		}
	}
	return nil
}
