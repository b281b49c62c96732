package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mantonx/syncstream/internal/clock"
	"github.com/mantonx/syncstream/internal/sysinfo"
)

// MetricsSource provides the latest host sample
type MetricsSource interface {
	Metrics() (sysinfo.Metrics, bool)
	Overloaded() (string, bool)
}

// HealthHandler reports process and host health
type HealthHandler struct {
	metrics MetricsSource
	clock   clock.Clock
	started time.Time
}

// NewHealthHandler creates a health handler. Both arguments may be nil.
func NewHealthHandler(metrics MetricsSource, c clock.Clock) *HealthHandler {
	return &HealthHandler{metrics: metrics, clock: c, started: time.Now()}
}

// HandleHealthCheck answers 200 when the clock is synced and the host
// is not overloaded, 503 otherwise
func (h *HealthHandler) HandleHealthCheck(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	resp := gin.H{
		"uptime":     time.Since(h.started).Round(time.Second).String(),
		"goroutines": runtime.NumGoroutine(),
	}

	if h.clock != nil {
		resp["clock"] = gin.H{"id": h.clock.ID(), "synced": h.clock.Synced()}
		if !h.clock.Synced() {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	if h.metrics != nil {
		if m, ok := h.metrics.Metrics(); ok {
			resp["host"] = m
		}
		if reason, over := h.metrics.Overloaded(); over {
			resp["overloaded"] = reason
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}

	resp["status"] = status
	c.JSON(code, resp)
}
