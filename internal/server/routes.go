package server

import (
	"net/http"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/mantonx/syncstream/internal/server/handlers"
)

// RouteInfo describes one endpoint for discovery
type RouteInfo struct {
	Path        string `json:"path"`
	Methods     string `json:"methods"`
	Description string `json:"description"`
}

// routeCatalog backs GET /api
type routeCatalog struct {
	mu     sync.RWMutex
	routes map[string]RouteInfo
}

func newRouteCatalog() *routeCatalog {
	return &routeCatalog{routes: make(map[string]RouteInfo)}
}

func (c *routeCatalog) register(path, methods, description string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[path] = RouteInfo{Path: path, Methods: methods, Description: description}
}

func (c *routeCatalog) list() []RouteInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RouteInfo, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.GET("", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"routes": s.routes.list()})
		})
		s.routes.register("/api", "GET", "Lists all available API endpoints.")

		setupHealthRoutes(api, s)

		v1 := api.Group("/v1")
		setupPipelineRoutes(v1, s)
		setupStreamRoutes(v1, s)
		setupClockRoutes(v1, s)
		setupEventRoutes(v1, s)
	}
}

// setupHealthRoutes configures health check endpoints
func setupHealthRoutes(api *gin.RouterGroup, s *Server) {
	var metrics handlers.MetricsSource
	if s.deps.Monitor != nil {
		metrics = s.deps.Monitor
	}
	h := handlers.NewHealthHandler(metrics, s.deps.Clock)
	api.GET("/health", h.HandleHealthCheck)
	s.routes.register(api.BasePath()+"/health", "GET", "Clock sync and host load health check.")
}

// setupPipelineRoutes configures live pipeline endpoints
func setupPipelineRoutes(v1 *gin.RouterGroup, s *Server) {
	h := handlers.NewPipelineHandler(s.deps.Registry)
	pipelines := v1.Group("/pipelines")
	{
		pipelines.GET("", h.ListPipelines)
		s.routes.register(pipelines.BasePath(), "GET", "List pipelines above NULL.")

		pipelines.GET("/:id", h.GetPipeline)
		s.routes.register(pipelines.BasePath()+"/:id", "GET", "Get a pipeline and its elements by ID or name.")
	}
}

// setupStreamRoutes configures RTSP mount and session endpoints
func setupStreamRoutes(v1 *gin.RouterGroup, s *Server) {
	var history handlers.SessionHistory
	if s.deps.Store != nil {
		history = s.deps.Store
	}
	h := handlers.NewStreamHandler(s.deps.RTSP, history)

	v1.GET("/mounts", h.ListMounts)
	s.routes.register(v1.BasePath()+"/mounts", "GET", "List RTSP mount points and their medias.")

	sessions := v1.Group("/sessions")
	{
		sessions.GET("", h.ListSessions)
		s.routes.register(sessions.BasePath(), "GET", "List live RTSP sessions; history=true adds recorded ones.")

		sessions.GET("/:id", h.GetSession)
		s.routes.register(sessions.BasePath()+"/:id", "GET", "Get a live or recorded RTSP session.")
	}
}

// setupClockRoutes configures shared clock endpoints
func setupClockRoutes(v1 *gin.RouterGroup, s *Server) {
	var history handlers.SyncHistory
	if s.deps.Store != nil {
		history = s.deps.Store
	}
	h := handlers.NewClockHandler(s.deps.Clock, history)
	clk := v1.Group("/clock")
	{
		clk.GET("", h.GetClock)
		s.routes.register(clk.BasePath(), "GET", "Get the shared pipeline clock.")

		clk.GET("/syncs", h.ListSyncs)
		s.routes.register(clk.BasePath()+"/syncs", "GET", "List recorded clock synchronizations.")
	}
}

// setupEventRoutes configures the event stream
func setupEventRoutes(v1 *gin.RouterGroup, s *Server) {
	if s.deps.Hub == nil {
		return
	}
	h := handlers.NewEventsHandler(s.deps.Hub, s.logger)
	v1.GET("/events", h.EventStream)
	s.routes.register(v1.BasePath()+"/events", "GET", "Stream events over a websocket; type= filters by prefix.")

	v1.GET("/events/stats", h.GetStats)
	s.routes.register(v1.BasePath()+"/events/stats", "GET", "Event subscriber and publish counts.")
}
