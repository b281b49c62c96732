package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mantonx/syncstream/internal/database"
	apperrors "github.com/mantonx/syncstream/internal/errors"
	"github.com/mantonx/syncstream/internal/rtsp"
)

// SessionHistory is the recorded side of RTSP sessions
type SessionHistory interface {
	Sessions(f database.SessionFilter) ([]database.StreamSession, error)
	Session(id string) (*database.StreamSession, error)
}

// StreamHandler exposes RTSP mounts and sessions
type StreamHandler struct {
	server  *rtsp.Server
	history SessionHistory
}

// NewStreamHandler creates a stream handler. history may be nil, in which
// case only live sessions are reported.
func NewStreamHandler(server *rtsp.Server, history SessionHistory) *StreamHandler {
	return &StreamHandler{server: server, history: history}
}

// MountView describes one mount point
type MountView struct {
	Path        string      `json:"path"`
	Description string      `json:"description"`
	Shared      bool        `json:"shared"`
	LatencyMs   int64       `json:"latency_ms"`
	Medias      []MediaView `json:"medias"`
}

// MediaView describes one instantiated media
type MediaView struct {
	ID       string `json:"id"`
	Pipeline string `json:"pipeline"`
	Refs     int    `json:"refs"`
	Prepared bool   `json:"prepared"`
	Streams  int    `json:"streams"`
}

// ListMounts lists mount points and their live medias
func (h *StreamHandler) ListMounts(c *gin.Context) {
	mounts := h.server.MountPoints()
	out := make([]MountView, 0)
	for _, path := range mounts.Paths() {
		f, ok := mounts.Factory(path)
		if !ok {
			continue
		}
		v := MountView{
			Path:        path,
			Description: f.Description(),
			Shared:      f.Shared(),
			LatencyMs:   f.Latency().Milliseconds(),
			Medias:      make([]MediaView, 0),
		}
		for _, m := range f.Medias() {
			v.Medias = append(v.Medias, MediaView{
				ID:       m.ID(),
				Pipeline: m.Pipeline().Name(),
				Refs:     m.Refs(),
				Prepared: m.Prepared(),
				Streams:  len(m.Streams()),
			})
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"mounts": out, "count": len(out)})
}

// ListSessions returns live sessions, plus recorded history when
// ?history=true. History accepts path, status and limit filters.
func (h *StreamHandler) ListSessions(c *gin.Context) {
	live := h.server.Sessions()
	resp := gin.H{"live": live, "count": len(live)}

	if c.Query("history") == "true" {
		if h.history == nil {
			apperrors.Respond(c, "list_sessions",
				apperrors.Newf(apperrors.KindValidation, "list_sessions", "session history is not recorded"))
			return
		}
		limit := 0
		if s := c.Query("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				apperrors.HandleValidationError(c, "limit must be a non-negative integer", "limit")
				return
			}
			limit = n
		}
		rows, err := h.history.Sessions(database.SessionFilter{
			Path:   c.Query("path"),
			Status: database.SessionStatus(c.Query("status")),
			Limit:  limit,
		})
		if err != nil {
			apperrors.Respond(c, "list_sessions", err)
			return
		}
		resp["history"] = rows
	}
	c.JSON(http.StatusOK, resp)
}

// GetSession returns a live session, falling back to recorded history
func (h *StreamHandler) GetSession(c *gin.Context) {
	id := c.Param("id")
	for _, s := range h.server.Sessions() {
		if s.ID == id {
			c.JSON(http.StatusOK, gin.H{"session": s, "live": true})
			return
		}
	}
	if h.history == nil {
		apperrors.Respond(c, "get_session",
			apperrors.New(apperrors.KindValidation, "get_session", apperrors.ErrNotFound).WithDetail("session", id))
		return
	}
	row, err := h.history.Session(id)
	if err != nil {
		apperrors.Respond(c, "get_session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": row, "live": false})
}
