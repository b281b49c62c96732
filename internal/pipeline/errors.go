package pipeline

import "errors"

var (
	// ErrNotLinked is returned when pushing on a pad without a peer
	ErrNotLinked = errors.New("pad not linked")
	// ErrAlreadyLinked is returned when linking a pad that has a peer
	ErrAlreadyLinked = errors.New("pad already linked")
	// ErrFlushing is returned by pads of an element that stopped streaming
	ErrFlushing = errors.New("flushing")
	// ErrEOS is returned when pushing after end-of-stream
	ErrEOS = errors.New("end of stream")
	// ErrClockChangeWhilePlaying rejects UseClock above PAUSED
	ErrClockChangeWhilePlaying = errors.New("clock can only change at or below PAUSED")
	// ErrGraphBusy rejects graph changes above PAUSED
	ErrGraphBusy = errors.New("graph can only change at or below PAUSED")
	// ErrUnknownProperty is returned by SetProperty for unsupported keys
	ErrUnknownProperty = errors.New("unknown property")
	// ErrNoSuchElement is returned for unknown element names or factories
	ErrNoSuchElement = errors.New("no such element")
	// ErrTerminal rejects ascending requests from StateError
	ErrTerminal = errors.New("pipeline is in error state")
	// ErrNotNegotiated is returned when buffer caps don't fit a pad
	ErrNotNegotiated = errors.New("not negotiated")
)
