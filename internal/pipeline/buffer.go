package pipeline

import "time"

// Buffer is one unit of media. Buffers are shared between fan-out
// branches, so elements must not modify Data after pushing; transforms
// allocate a new Buffer.
type Buffer struct {
	// PTS is the presentation time in pipeline running time
	PTS      time.Duration
	Duration time.Duration
	Data     []byte
	Caps     *Caps
	// Sequence counts buffers from the originating source
	Sequence uint64
	KeyFrame bool
}

// Derive returns a buffer carrying b's timing with new data and caps
func (b *Buffer) Derive(data []byte, caps *Caps) *Buffer {
	return &Buffer{
		PTS:      b.PTS,
		Duration: b.Duration,
		Data:     data,
		Caps:     caps,
		Sequence: b.Sequence,
		KeyFrame: b.KeyFrame,
	}
}

// EventType identifies a serialized in-band event
type EventType int

const (
	// EventEOS signals that no more buffers follow
	EventEOS EventType = iota
	// EventCaps announces the format of following buffers
	EventCaps
)

// Event travels downstream in order with buffers
type Event struct {
	Type EventType
	Caps *Caps
}
