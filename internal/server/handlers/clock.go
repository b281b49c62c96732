package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mantonx/syncstream/internal/clock"
	"github.com/mantonx/syncstream/internal/database"
	apperrors "github.com/mantonx/syncstream/internal/errors"
)

// SyncHistory is the recorded side of clock synchronization
type SyncHistory interface {
	ClockSyncs(limit int) ([]database.ClockSync, error)
}

// ClockHandler reports the shared pipeline clock
type ClockHandler struct {
	clock   clock.Clock
	history SyncHistory
}

func NewClockHandler(c clock.Clock, history SyncHistory) *ClockHandler {
	return &ClockHandler{clock: c, history: history}
}

// GetClock returns the clock ID, sync state, current time and the
// pipelines that hold it
func (h *ClockHandler) GetClock(c *gin.Context) {
	if h.clock == nil {
		apperrors.Respond(c, "get_clock", apperrors.ClockUnavailable("get_clock", errNoClock))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      h.clock.ID(),
		"synced":  h.clock.Synced(),
		"time_ns": h.clock.Time().Nanoseconds(),
		"owners":  h.clock.Owners(),
	})
}

// ListSyncs returns the latest recorded synchronizations
func (h *ClockHandler) ListSyncs(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"syncs": []database.ClockSync{}, "count": 0})
		return
	}
	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			apperrors.HandleValidationError(c, "limit must be a positive integer", "limit")
			return
		}
		limit = n
	}
	rows, err := h.history.ClockSyncs(limit)
	if err != nil {
		apperrors.Respond(c, "list_clock_syncs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"syncs": rows, "count": len(rows)})
}
