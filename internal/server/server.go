// Package server provides the HTTP control API: health, live pipelines,
// RTSP mounts and sessions, the shared clock and an event websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/syncstream/internal/clock"
	"github.com/mantonx/syncstream/internal/config"
	"github.com/mantonx/syncstream/internal/database"
	"github.com/mantonx/syncstream/internal/events"
	"github.com/mantonx/syncstream/internal/middleware"
	"github.com/mantonx/syncstream/internal/pipeline"
	"github.com/mantonx/syncstream/internal/rtsp"
	"github.com/mantonx/syncstream/internal/sysinfo"
)

// Deps are the services the API reports on. Only Registry and RTSP are
// required.
type Deps struct {
	Registry *pipeline.Registry
	RTSP     *rtsp.Server
	Clock    clock.Clock
	Hub      *events.Hub
	Store    *database.Store
	Monitor  *sysinfo.Monitor
	Logger   hclog.Logger
}

// Server is the control API
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger hclog.Logger
	engine *gin.Engine
	routes *routeCatalog
	http   *http.Server
}

// New builds the router. It does not listen.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Registry == nil || deps.RTSP == nil {
		return nil, fmt.Errorf("server requires a pipeline registry and an rtsp server")
	}
	if deps.Logger == nil {
		deps.Logger = hclog.NewNullLogger()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("api"),
		routes: newRouteCatalog(),
	}
	s.engine = s.setupRouter()
	return s, nil
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler { return s.engine }

// Routes lists registered endpoints
func (s *Server) Routes() []RouteInfo { return s.routes.list() }

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(s.logger), middleware.RequestID(), middleware.CORS(),
		middleware.RequestLogger(s.logger), middleware.ErrorLogger(s.logger))
	s.setupRoutes(r)
	return r
}

// Serve answers requests on ln until ctx is done or Shutdown is called
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.http = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("control api listening", "address", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- s.http.Serve(ln) }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdown)
	}
}

// ListenAndServe listens on the configured host and port
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Shutdown stops accepting requests. Open event streams end when the
// hub closes.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.logger.Info("shutting down control api")
	return s.http.Shutdown(ctx)
}
