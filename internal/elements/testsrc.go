package elements

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/mantonx/syncstream/internal/pipeline"
)

// Test patterns produced by videotestsrc
const (
	PatternSMPTE = "smpte"
	PatternBlack = "black"
	PatternWhite = "white"
	PatternBall  = "ball"
	PatternSnow  = "snow"
)

var smpteBars = [7][3]int{
	{192, 192, 192}, {192, 192, 0}, {0, 192, 192}, {0, 192, 0},
	{192, 0, 192}, {192, 0, 0}, {0, 0, 192},
}

// VideoTestSrc generates raw video frames
type VideoTestSrc struct {
	pushSource

	mu      sync.Mutex
	info    videoInfo
	setDims bool
	pattern string
	rng     *rand.Rand
}

func NewVideoTestSrc(name string) *VideoTestSrc {
	v := &VideoTestSrc{
		info:    videoInfo{format: FormatI420, width: 320, height: 240, fpsN: 30, fpsD: 1},
		pattern: PatternSMPTE,
		rng:     rand.New(rand.NewSource(1)),
	}
	v.initSource(v, v, "videotestsrc", name, rawVideo)
	return v
}

func (v *VideoTestSrc) SetProperty(key, value string) error {
	if ok, err := v.setSourceProperty(key, value); ok {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	switch key {
	case "width", "height":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid %s %q", key, value)
		}
		if key == "width" {
			v.info.width = n
		} else {
			v.info.height = n
		}
		v.setDims = true
	case "framerate":
		n, d, err := parseFraction(value)
		if err != nil || n <= 0 || d <= 0 {
			return fmt.Errorf("invalid framerate %q", value)
		}
		v.info.fpsN, v.info.fpsD = n, d
	case "format":
		if value != FormatI420 && value != FormatRGBA {
			return fmt.Errorf("unsupported format %q", value)
		}
		v.info.format = value
	case "pattern":
		switch value {
		case PatternSMPTE, PatternBlack, PatternWhite, PatternBall, PatternSnow:
			v.pattern = value
		default:
			return fmt.Errorf("unknown pattern %q", value)
		}
	default:
		return v.Base.SetProperty(key, value)
	}
	return nil
}

// negotiate takes width, height and format from downstream unless set
func (v *VideoTestSrc) negotiate() (*pipeline.Caps, error) {
	v.mu.Lock()
	info, explicit := v.info, v.setDims
	v.mu.Unlock()

	down := v.src.PeerQueryCaps()
	if !explicit {
		if w, ok := fixedInt(down, "width"); ok {
			info.width = w
		}
		if h, ok := fixedInt(down, "height"); ok {
			info.height = h
		}
	}
	if formats := down.Values("format"); len(formats) > 0 {
		found := false
		for _, f := range formats {
			if f == info.format {
				found = true
				break
			}
		}
		if !found {
			info.format = formats[0]
		}
	}
	if fr := down.Values("framerate"); len(fr) == 1 {
		if n, d, err := parseFraction(fr[0]); err == nil && n > 0 && d > 0 {
			info.fpsN, info.fpsD = n, d
		}
	}
	if info.format != FormatI420 && info.format != FormatRGBA {
		return nil, fmt.Errorf("%w: unsupported format %s", pipeline.ErrNotNegotiated, info.format)
	}
	return info.caps(), nil
}

func (v *VideoTestSrc) create(ctx context.Context, n uint64, caps *pipeline.Caps) (*pipeline.Buffer, error) {
	info, err := videoInfoFromCaps(caps)
	if err != nil {
		return nil, err
	}
	frame := time.Duration(info.fpsD) * time.Second / time.Duration(info.fpsN)
	pts := time.Duration(n) * frame
	if v.live() {
		if err := v.waitRunning(ctx, pts); err != nil {
			return nil, err
		}
	}

	v.mu.Lock()
	pattern := v.pattern
	v.mu.Unlock()
	color := v.paint(pattern, info, n)

	var data []byte
	if info.format == FormatRGBA {
		data = make([]byte, info.width*info.height*4)
		for y := 0; y < info.height; y++ {
			for x := 0; x < info.width; x++ {
				r, g, b := color(x, y)
				o := (y*info.width + x) * 4
				data[o], data[o+1], data[o+2], data[o+3] = r, g, b, 0xff
			}
		}
	} else {
		data = paintI420(info.width, info.height, color)
	}
	return &pipeline.Buffer{
		PTS:      pts,
		Duration: frame,
		Data:     data,
		Caps:     caps,
		KeyFrame: true,
	}, nil
}

type painter func(x, y int) (r, g, b byte)

func (v *VideoTestSrc) paint(pattern string, info videoInfo, n uint64) painter {
	switch pattern {
	case PatternBlack:
		return func(x, y int) (byte, byte, byte) { return 0, 0, 0 }
	case PatternWhite:
		return func(x, y int) (byte, byte, byte) { return 255, 255, 255 }
	case PatternSnow:
		v.mu.Lock()
		seed := v.rng.Int63()
		v.mu.Unlock()
		rng := rand.New(rand.NewSource(seed))
		return func(x, y int) (byte, byte, byte) {
			c := byte(rng.Intn(256))
			return c, c, c
		}
	case PatternBall:
		radius := info.height / 8
		if radius < 2 {
			radius = 2
		}
		// bounce horizontally, 4 pixels per frame
		span := info.width - 2*radius
		if span < 1 {
			span = 1
		}
		pos := int(n*4) % (2 * span)
		if pos > span {
			pos = 2*span - pos
		}
		cx, cy := radius+pos, info.height/2
		return func(x, y int) (byte, byte, byte) {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy <= radius*radius {
				return 255, 255, 255
			}
			return 0, 0, 0
		}
	default:
		return func(x, y int) (byte, byte, byte) {
			bar := smpteBars[x*7/info.width]
			return byte(bar[0]), byte(bar[1]), byte(bar[2])
		}
	}
}

func paintI420(w, h int, color painter) []byte {
	rgba := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b := color(x, y)
			o := (y*w + x) * 4
			rgba[o], rgba[o+1], rgba[o+2], rgba[o+3] = r, g, b, 0xff
		}
	}
	return rgbaToI420(rgba, w, h)
}

// Waveforms produced by audiotestsrc
const (
	WaveSine    = "sine"
	WaveSilence = "silence"
	WaveTicks   = "ticks"
)

// AudioTestSrc generates raw audio
type AudioTestSrc struct {
	pushSource

	mu      sync.Mutex
	info    audioInfo
	samples int
	freq    float64
	volume  float64
	wave    string
}

func NewAudioTestSrc(name string) *AudioTestSrc {
	a := &AudioTestSrc{
		info:    audioInfo{format: FormatS16LE, rate: 44100, channels: 2},
		samples: 1024,
		freq:    440,
		volume:  0.8,
		wave:    WaveSine,
	}
	a.initSource(a, a, "audiotestsrc", name, rawAudio)
	return a
}

func (a *AudioTestSrc) SetProperty(key, value string) error {
	if ok, err := a.setSourceProperty(key, value); ok {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch key {
	case "freq", "volume":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 {
			return fmt.Errorf("invalid %s %q", key, value)
		}
		if key == "freq" {
			a.freq = f
		} else {
			a.volume = math.Min(f, 1)
		}
	case "samplesperbuffer", "rate", "channels":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid %s %q", key, value)
		}
		switch key {
		case "samplesperbuffer":
			a.samples = n
		case "rate":
			a.info.rate = n
		default:
			a.info.channels = n
		}
	case "wave":
		switch value {
		case WaveSine, WaveSilence, WaveTicks:
			a.wave = value
		default:
			return fmt.Errorf("unknown wave %q", value)
		}
	default:
		return a.Base.SetProperty(key, value)
	}
	return nil
}

func (a *AudioTestSrc) negotiate() (*pipeline.Caps, error) {
	a.mu.Lock()
	info := a.info
	a.mu.Unlock()
	down := a.src.PeerQueryCaps()
	if formats := down.Values("format"); len(formats) > 0 {
		info.format = formats[0]
		for _, f := range formats {
			if f == FormatS16LE {
				info.format = f
			}
		}
	}
	if info.format != FormatS16LE && info.format != FormatF32LE {
		return nil, fmt.Errorf("%w: unsupported sample format %s", pipeline.ErrNotNegotiated, info.format)
	}
	return info.caps(), nil
}

func (a *AudioTestSrc) create(ctx context.Context, n uint64, caps *pipeline.Caps) (*pipeline.Buffer, error) {
	info, err := audioInfoFromCaps(caps)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	samples, freq, volume, wave := a.samples, a.freq, a.volume, a.wave
	a.mu.Unlock()

	first := n * uint64(samples)
	pts := time.Duration(first) * time.Second / time.Duration(info.rate)
	dur := time.Duration(samples) * time.Second / time.Duration(info.rate)
	if a.live() {
		if err := a.waitRunning(ctx, pts); err != nil {
			return nil, err
		}
	}

	data := make([]byte, samples*info.bytesPerFrame())
	for i := 0; i < samples; i++ {
		t := float64(first+uint64(i)) / float64(info.rate)
		var s float64
		switch wave {
		case WaveSine:
			s = math.Sin(2 * math.Pi * freq * t)
		case WaveTicks:
			// a 10ms burst every second
			if math.Mod(t, 1) < 0.01 {
				s = math.Sin(2 * math.Pi * freq * t)
			}
		}
		s *= volume
		for c := 0; c < info.channels; c++ {
			o := (i*info.channels + c) * info.sampleSize()
			if info.format == FormatF32LE {
				binary.LittleEndian.PutUint32(data[o:], math.Float32bits(float32(s)))
			} else {
				binary.LittleEndian.PutUint16(data[o:], uint16(int16(s*32767)))
			}
		}
	}
	return &pipeline.Buffer{PTS: pts, Duration: dur, Data: data, Caps: caps}, nil
}
