// Package events fans pipeline bus messages, RTSP session changes and
// clock sync reports out to any number of subscribers, such as the
// websocket stream of the control API.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mantonx/syncstream/internal/pipeline"
	"github.com/mantonx/syncstream/internal/rtsp"
)

// EventType names what happened. Types are dotted so subscribers can
// filter by prefix.
type EventType string

const (
	EventPipelineStarted      EventType = "pipeline.started"
	EventPipelineStopped      EventType = "pipeline.stopped"
	EventPipelineStateChanged EventType = "pipeline.state_changed"
	EventPipelineError        EventType = "pipeline.error"
	EventPipelineWarning      EventType = "pipeline.warning"
	EventPipelineEOS          EventType = "pipeline.eos"
	EventPipelineLatency      EventType = "pipeline.latency"
	EventPipelineClock        EventType = "pipeline.new_clock"
	EventPipelineTag          EventType = "pipeline.tag"
	EventPipelineElement      EventType = "pipeline.element"

	EventSessionOpened EventType = "rtsp.session_opened"
	EventSessionClosed EventType = "rtsp.session_closed"

	EventClockSynced    EventType = "clock.synced"
	EventConfigReloaded EventType = "config.reloaded"
)

// Event is one published notification
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func newEvent(t EventType, source, message string, data map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Source:    source,
		Message:   message,
		Data:      data,
		Timestamp: time.Now(),
	}
}

var messageTypes = map[pipeline.MessageType]EventType{
	pipeline.MessageError:        EventPipelineError,
	pipeline.MessageWarning:      EventPipelineWarning,
	pipeline.MessageEOS:          EventPipelineEOS,
	pipeline.MessageStateChanged: EventPipelineStateChanged,
	pipeline.MessageLatency:      EventPipelineLatency,
	pipeline.MessageNewClock:     EventPipelineClock,
	pipeline.MessageTag:          EventPipelineTag,
	pipeline.MessageElement:      EventPipelineElement,
}

// NewPipelineEvent converts a bus message of the named pipeline
func NewPipelineEvent(p *pipeline.Pipeline, msg pipeline.Message) Event {
	t, ok := messageTypes[msg.Type]
	if !ok {
		t = EventType("pipeline." + msg.Type.String())
	}
	data := map[string]interface{}{
		"pipeline":    p.Name(),
		"pipeline_id": p.ID(),
		"element":     msg.Source,
	}
	var text string
	switch msg.Type {
	case pipeline.MessageError, pipeline.MessageWarning:
		if msg.Err != nil {
			text = fmt.Sprintf("%s: %v", msg.Source, msg.Err)
			data["error"] = msg.Err.Error()
		}
	case pipeline.MessageStateChanged:
		data["old_state"] = msg.OldState.String()
		data["new_state"] = msg.NewState.String()
		if msg.Pending != pipeline.StateVoid {
			data["pending_state"] = msg.Pending.String()
		}
		text = fmt.Sprintf("%s: %s -> %s", msg.Source, msg.OldState, msg.NewState)
	case pipeline.MessageLatency:
		data["latency_ms"] = msg.Latency.Milliseconds()
	case pipeline.MessageNewClock:
		data["clock"] = msg.ClockID
	case pipeline.MessageTag:
		data["tags"] = msg.Tags
	case pipeline.MessageElement:
		data["structure"] = msg.Structure
	}
	e := newEvent(t, "pipeline:"+p.Name(), text, data)
	if !msg.Time.IsZero() {
		e.Timestamp = msg.Time
	}
	return e
}

// NewPipelineLifecycleEvent reports a pipeline entering or leaving the
// set of live pipelines
func NewPipelineLifecycleEvent(t EventType, p *pipeline.Pipeline) Event {
	return newEvent(t, "pipeline:"+p.Name(), "", map[string]interface{}{
		"pipeline":    p.Name(),
		"pipeline_id": p.ID(),
	})
}

// NewSessionEvent reports an RTSP session change
func NewSessionEvent(t EventType, info rtsp.SessionInfo, reason string) Event {
	data := map[string]interface{}{
		"session_id": info.ID,
		"path":       info.Path,
		"media_id":   info.MediaID,
		"transport":  info.Transport,
		"remote":     info.Remote,
		"shared":     info.Shared,
	}
	msg := fmt.Sprintf("session %s on %s", info.ID, info.Path)
	if reason != "" {
		data["reason"] = reason
		msg += " closed: " + reason
	}
	return newEvent(t, "rtsp", msg, data)
}

// NewClockSyncedEvent reports a clock reaching sync
func NewClockSyncedEvent(clockID string, offset, spread time.Duration) Event {
	return newEvent(EventClockSynced, "clock:"+clockID, "", map[string]interface{}{
		"clock":     clockID,
		"offset_ns": offset.Nanoseconds(),
		"spread_ns": spread.Nanoseconds(),
	})
}

// NewConfigReloadedEvent reports an applied configuration change
func NewConfigReloadedEvent(path string) Event {
	return newEvent(EventConfigReloaded, "config", "configuration reloaded", map[string]interface{}{"path": path})
}
