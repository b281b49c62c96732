package elements

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mantonx/syncstream/internal/pipeline"
)

// White balance modes understood by camera devices
const (
	WhiteBalanceAuto         = "auto"
	WhiteBalanceDaylight     = "daylight"
	WhiteBalanceCloudy       = "cloudy"
	WhiteBalanceIncandescent = "incandescent"
	WhiteBalanceFluorescent  = "fluorescent"
)

// ErrUnsupportedWhiteBalance is returned for unknown modes
var ErrUnsupportedWhiteBalance = errors.New("unsupported white balance mode")

// Format describes a camera capture mode. Frames are I420.
type Format struct {
	Width  int
	Height int
	FPSN   int
	FPSD   int
}

// FrameDuration returns the interval between frames
func (f Format) FrameDuration() time.Duration {
	if f.FPSN <= 0 || f.FPSD <= 0 {
		return time.Second / 30
	}
	return time.Duration(f.FPSD) * time.Second / time.Duration(f.FPSN)
}

// Device is a capture device handle. The pipeline borrows it between
// READY and NULL: Open on NULL to READY, Close on READY to NULL.
type Device interface {
	Open(ctx context.Context) error
	// Configure selects the closest supported mode and returns it
	Configure(f Format) (Format, error)
	// ReadFrame blocks until the next I420 frame is available
	ReadFrame(ctx context.Context) ([]byte, error)
	SetWhiteBalance(mode string) error
	Close() error
}

// DeviceOpener resolves a device name to a handle
type DeviceOpener func(name string) (Device, error)

// SyntheticDevice paints moving test frames at the configured rate
type SyntheticDevice struct {
	mu           sync.Mutex
	open         bool
	format       Format
	whiteBalance string
	next         time.Time
	frames       uint64
}

func NewSyntheticDevice() *SyntheticDevice {
	return &SyntheticDevice{
		format:       Format{Width: 640, Height: 480, FPSN: 30, FPSD: 1},
		whiteBalance: WhiteBalanceAuto,
	}
}

func (d *SyntheticDevice) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return fmt.Errorf("device busy")
	}
	d.open = true
	d.next = time.Time{}
	return nil
}

func (d *SyntheticDevice) Configure(f Format) (Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f.Width <= 0 || f.Height <= 0 {
		f.Width, f.Height = d.format.Width, d.format.Height
	}
	// I420 needs even dimensions
	f.Width &^= 1
	f.Height &^= 1
	if f.FPSN <= 0 || f.FPSD <= 0 {
		f.FPSN, f.FPSD = d.format.FPSN, d.format.FPSD
	}
	d.format = f
	return f, nil
}

func (d *SyntheticDevice) ReadFrame(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return nil, fmt.Errorf("device not open")
	}
	f, wb := d.format, d.whiteBalance
	now := time.Now()
	if d.next.IsZero() {
		d.next = now
	}
	wait := d.next.Sub(now)
	d.next = d.next.Add(f.FrameDuration())
	n := d.frames
	d.frames++
	d.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	tint := whiteBalanceTint(wb)
	return paintI420(f.Width, f.Height, func(x, y int) (byte, byte, byte) {
		// diagonal gradient scrolling one pixel per frame
		v := byte((x + y + int(n)) & 0xff)
		return clamp8(int(v) + tint[0]), clamp8(int(v) + tint[1]), clamp8(int(v) + tint[2])
	}), nil
}

func (d *SyntheticDevice) SetWhiteBalance(mode string) error {
	switch mode {
	case WhiteBalanceAuto, WhiteBalanceDaylight, WhiteBalanceCloudy, WhiteBalanceIncandescent, WhiteBalanceFluorescent:
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedWhiteBalance, mode)
	}
	d.mu.Lock()
	d.whiteBalance = mode
	d.mu.Unlock()
	return nil
}

// WhiteBalance returns the active mode
func (d *SyntheticDevice) WhiteBalance() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.whiteBalance
}

func (d *SyntheticDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

func whiteBalanceTint(mode string) [3]int {
	switch mode {
	case WhiteBalanceDaylight:
		return [3]int{8, 4, -8}
	case WhiteBalanceCloudy:
		return [3]int{16, 8, -16}
	case WhiteBalanceIncandescent:
		return [3]int{-16, 0, 24}
	case WhiteBalanceFluorescent:
		return [3]int{-8, 8, 8}
	}
	return [3]int{}
}

// DefaultDeviceOpener serves "synthetic" and "test:*" names with a
// SyntheticDevice
func DefaultDeviceOpener(name string) (Device, error) {
	if name == "" || name == "synthetic" || strings.HasPrefix(name, "test:") {
		return NewSyntheticDevice(), nil
	}
	return nil, fmt.Errorf("%w: device %q", pipeline.ErrNoSuchElement, name)
}

// CameraSrc captures frames from a Device. Frames are stamped with the
// pipeline running time at capture.
type CameraSrc struct {
	pushSource
	opener DeviceOpener

	mu           sync.Mutex
	deviceName   string
	device       Device
	whiteBalance string
	format       Format
}

func NewCameraSrc(name string, opener DeviceOpener) *CameraSrc {
	if opener == nil {
		opener = DefaultDeviceOpener
	}
	c := &CameraSrc{
		opener:       opener,
		deviceName:   "synthetic",
		whiteBalance: WhiteBalanceAuto,
	}
	c.initSource(c, c, "camerasrc", name, pipeline.MustParseCaps("video/x-raw, format=I420"))
	c.isLive = true
	return c
}

func (c *CameraSrc) SetProperty(key, value string) error {
	if key == "num-buffers" {
		_, err := c.setSourceProperty(key, value)
		return err
	}
	switch key {
	case "device":
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.device != nil {
			return fmt.Errorf("%w: device cannot change while open", pipeline.ErrGraphBusy)
		}
		c.deviceName = value
	case "white-balance":
		return c.SetWhiteBalance(value)
	default:
		return c.Base.SetProperty(key, value)
	}
	return nil
}

// SetWhiteBalance applies mode now if the device is open, otherwise when
// it opens
func (c *CameraSrc) SetWhiteBalance(mode string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		if err := c.device.SetWhiteBalance(mode); err != nil {
			return err
		}
	}
	c.whiteBalance = mode
	return nil
}

// Device returns the open device, or nil
func (c *CameraSrc) Device() Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

func (c *CameraSrc) ChangeState(ctx context.Context, t pipeline.Transition) error {
	switch t {
	case pipeline.NullToReady:
		c.mu.Lock()
		name, wb := c.deviceName, c.whiteBalance
		c.mu.Unlock()
		dev, err := c.opener(name)
		if err != nil {
			return err
		}
		if err := dev.Open(ctx); err != nil {
			return fmt.Errorf("open %s: %w", name, err)
		}
		if err := dev.SetWhiteBalance(wb); err != nil {
			c.Logger().Warn("white balance not applied", "mode", wb, "error", err)
		}
		c.mu.Lock()
		c.device = dev
		c.mu.Unlock()
		c.Logger().Debug("device opened", "device", name)
		return nil
	case pipeline.ReadyToNull:
		c.mu.Lock()
		dev := c.device
		c.device = nil
		c.mu.Unlock()
		if dev != nil {
			return dev.Close()
		}
		return nil
	}
	return c.pushSource.ChangeState(ctx, t)
}

// negotiate asks downstream for a size and rate and configures the device
func (c *CameraSrc) negotiate() (*pipeline.Caps, error) {
	dev := c.Device()
	if dev == nil {
		return nil, fmt.Errorf("device not open")
	}
	down := c.src.PeerQueryCaps()
	want := Format{}
	if w, ok := fixedInt(down, "width"); ok {
		want.Width = w
	}
	if h, ok := fixedInt(down, "height"); ok {
		want.Height = h
	}
	if fr := down.Values("framerate"); len(fr) == 1 {
		if n, d, err := parseFraction(fr[0]); err == nil {
			want.FPSN, want.FPSD = n, d
		}
	}
	got, err := dev.Configure(want)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.format = got
	c.mu.Unlock()
	info := videoInfo{format: FormatI420, width: got.Width, height: got.Height, fpsN: got.FPSN, fpsD: got.FPSD}
	return info.caps(), nil
}

func (c *CameraSrc) create(ctx context.Context, n uint64, caps *pipeline.Caps) (*pipeline.Buffer, error) {
	dev := c.Device()
	if dev == nil {
		return nil, pipeline.ErrFlushing
	}
	data, err := dev.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	dur := c.format.FrameDuration()
	c.mu.Unlock()
	return &pipeline.Buffer{
		PTS:      c.RunningTime(),
		Duration: dur,
		Data:     data,
		Caps:     caps,
		KeyFrame: true,
	}, nil
}
