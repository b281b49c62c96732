package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/syncstream/internal/events"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	streamBuffer = 256
)

// EventsHandler streams hub events over websockets
type EventsHandler struct {
	hub      *events.Hub
	upgrader websocket.Upgrader
	logger   hclog.Logger
}

func NewEventsHandler(hub *events.Hub, logger hclog.Logger) *EventsHandler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &EventsHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.Named("events-ws"),
	}
}

// GetStats reports subscriber and publish counts
func (h *EventsHandler) GetStats(c *gin.Context) {
	subs, published := h.hub.Stats()
	c.JSON(http.StatusOK, gin.H{"subscribers": subs, "published": published})
}

// EventStream upgrades to a websocket and writes every event as a JSON
// text message. ?type= restricts events to a type prefix such as
// "pipeline." or "rtsp.".
func (h *EventsHandler) EventStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, cancel := h.hub.Subscribe(c.Query("type"), streamBuffer)
	defer cancel()

	// the read side only detects the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Debug("event stream opened", "remote", c.ClientIP(), "filter", c.Query("type"))
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			h.logger.Debug("event stream closed", "remote", c.ClientIP())
			return
		}
	}
}
