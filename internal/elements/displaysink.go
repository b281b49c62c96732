package elements

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/mantonx/syncstream/internal/pipeline"
)

// RotateMethod is an orientation applied by the display sink
type RotateMethod int

const (
	RotateNone RotateMethod = iota
	Rotate90
	Rotate180
	Rotate270
	FlipHorizontal
	FlipVertical
)

var rotateNames = map[RotateMethod]string{
	RotateNone:     "none",
	Rotate90:       "clockwise",
	Rotate180:      "rotate-180",
	Rotate270:      "counterclockwise",
	FlipHorizontal: "horizontal-flip",
	FlipVertical:   "vertical-flip",
}

func (m RotateMethod) String() string {
	if s, ok := rotateNames[m]; ok {
		return s
	}
	return fmt.Sprintf("RotateMethod(%d)", int(m))
}

// ParseRotateMethod accepts a method name or its number
func ParseRotateMethod(s string) (RotateMethod, error) {
	for m, name := range rotateNames {
		if name == s {
			return m, nil
		}
	}
	if n, err := pipeline.ParseInt(s); err == nil && n >= int(RotateNone) && n <= int(FlipVertical) {
		return RotateMethod(n), nil
	}
	return RotateNone, fmt.Errorf("unknown rotate method %q", s)
}

// Frame is a rendered I420 picture
type Frame struct {
	Width  int
	Height int
	PTS    time.Duration
	Data   []byte
}

// Image wraps the frame without copying
func (f Frame) Image() *image.YCbCr {
	return i420Image(f.Data, f.Width, f.Height)
}

// Surface is a platform drawing target. The pipeline borrows it between
// READY and NULL.
type Surface interface {
	Open() error
	Render(f Frame) error
	Close() error
}

// ErrNoFrame is returned by DisplaySink.Snapshot before a frame exists
var ErrNoFrame = errors.New("no frame rendered")

// DisplaySink renders raw video to a Surface at clock time. Frames are
// rotated per rotate-method first. The last frame is kept for Snapshot.
type DisplaySink struct {
	baseSink

	smu     sync.Mutex
	surface Surface
	opened  bool
	rotate  RotateMethod
	last    *Frame
}

func NewDisplaySink(name string) *DisplaySink {
	d := &DisplaySink{}
	d.render = d.draw
	d.initSink(d, "displaysink", name, pipeline.MustParseCaps("video/x-raw, format=I420"), true)
	return d
}

func (d *DisplaySink) SetProperty(key, value string) error {
	if ok, err := d.setSinkProperty(key, value); ok {
		return err
	}
	if key == "rotate-method" {
		m, err := ParseRotateMethod(value)
		if err != nil {
			return err
		}
		d.SetRotateMethod(m)
		return nil
	}
	return d.Base.SetProperty(key, value)
}

// SetRotateMethod takes effect from the next frame
func (d *DisplaySink) SetRotateMethod(m RotateMethod) {
	d.smu.Lock()
	d.rotate = m
	d.smu.Unlock()
}

func (d *DisplaySink) RotateMethod() RotateMethod {
	d.smu.Lock()
	defer d.smu.Unlock()
	return d.rotate
}

// SetSurface attaches a drawing target, or detaches it with nil. A
// surface set while the sink is at READY or above is opened immediately.
func (d *DisplaySink) SetSurface(s Surface) error {
	d.smu.Lock()
	defer d.smu.Unlock()
	if d.surface == s {
		return nil
	}
	if d.surface != nil && d.opened {
		if err := d.surface.Close(); err != nil {
			d.Logger().Warn("surface close failed", "error", err)
		}
	}
	wasOpen := d.opened
	d.surface, d.opened = s, false
	if s != nil && wasOpen {
		if err := s.Open(); err != nil {
			return err
		}
		d.opened = true
	}
	return nil
}

// Snapshot returns the last rendered frame
func (d *DisplaySink) Snapshot() (Frame, error) {
	d.smu.Lock()
	defer d.smu.Unlock()
	if d.last == nil {
		return Frame{}, ErrNoFrame
	}
	return *d.last, nil
}

func (d *DisplaySink) ChangeState(ctx context.Context, t pipeline.Transition) error {
	switch t {
	case pipeline.NullToReady:
		d.smu.Lock()
		defer d.smu.Unlock()
		if d.surface != nil {
			if err := d.surface.Open(); err != nil {
				return fmt.Errorf("open surface: %w", err)
			}
		}
		d.opened = true
		return nil
	case pipeline.ReadyToNull:
		d.smu.Lock()
		defer d.smu.Unlock()
		if d.surface != nil && d.opened {
			if err := d.surface.Close(); err != nil {
				d.opened = false
				return err
			}
		}
		d.opened = false
		return nil
	}
	return d.baseSink.ChangeState(ctx, t)
}

func (d *DisplaySink) draw(ctx context.Context, buf *pipeline.Buffer) error {
	caps := buf.Caps
	if caps == nil {
		caps = d.sink.Caps()
	}
	info, err := videoInfoFromCaps(caps)
	if err != nil {
		return err
	}
	if len(buf.Data) < info.frameSize() {
		return fmt.Errorf("short frame: %d bytes, want %d", len(buf.Data), info.frameSize())
	}

	d.smu.Lock()
	method, surface := d.rotate, d.surface
	d.smu.Unlock()

	data, w, h := rotateI420(buf.Data, info.width, info.height, method)
	frame := Frame{Width: w, Height: h, PTS: buf.PTS, Data: data}
	if surface != nil {
		if err := surface.Render(frame); err != nil {
			return fmt.Errorf("render: %w", err)
		}
	}
	d.smu.Lock()
	d.last = &frame
	d.smu.Unlock()
	return nil
}

// MemorySurface keeps the most recent frame in memory. It stands in for a
// window when running headless.
type MemorySurface struct {
	mu     sync.Mutex
	open   bool
	frames uint64
	last   Frame
}

func NewMemorySurface() *MemorySurface {
	return &MemorySurface{}
}

func (m *MemorySurface) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = true
	return nil
}

func (m *MemorySurface) Render(f Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return errors.New("surface not open")
	}
	m.frames++
	m.last = f
	return nil
}

func (m *MemorySurface) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// Frames returns the number of frames rendered and the last one
func (m *MemorySurface) Frames() (uint64, Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames, m.last
}

// IsOpen reports whether the surface is currently borrowed
func (m *MemorySurface) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}
