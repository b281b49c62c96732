package elements

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/mantonx/syncstream/internal/pipeline"
)

// Raw audio sample formats
const (
	FormatS16LE = "S16LE"
	FormatF32LE = "F32LE"
)

var rawAudio = pipeline.MustParseCaps("audio/x-raw, format={S16LE,F32LE}")

type audioInfo struct {
	format   string
	rate     int
	channels int
}

func audioInfoFromCaps(c *pipeline.Caps) (audioInfo, error) {
	if !c.HasPrefix("audio/x-raw") {
		return audioInfo{}, fmt.Errorf("%w: expected audio/x-raw, got %s", pipeline.ErrNotNegotiated, c)
	}
	info := audioInfo{format: FormatS16LE, rate: 44100, channels: 2}
	if f, ok := c.Get("format"); ok {
		info.format = f
	}
	if info.format != FormatS16LE && info.format != FormatF32LE {
		return audioInfo{}, fmt.Errorf("%w: unsupported sample format %s", pipeline.ErrNotNegotiated, info.format)
	}
	if r, ok := c.Int("rate"); ok && r > 0 {
		info.rate = r
	}
	if n, ok := c.Int("channels"); ok && n > 0 {
		info.channels = n
	}
	return info, nil
}

func (a audioInfo) caps() *pipeline.Caps {
	return pipeline.NewCaps("audio/x-raw",
		"format", a.format,
		"rate", strconv.Itoa(a.rate),
		"channels", strconv.Itoa(a.channels),
		"layout", "interleaved")
}

func (a audioInfo) sampleSize() int {
	if a.format == FormatF32LE {
		return 4
	}
	return 2
}

func (a audioInfo) bytesPerFrame() int {
	return a.sampleSize() * a.channels
}

// duration returns the playing time of n bytes
func (a audioInfo) duration(n int) time.Duration {
	frames := n / a.bytesPerFrame()
	return time.Duration(frames) * time.Second / time.Duration(a.rate)
}

// AudioConvert converts between S16LE and F32LE samples
type AudioConvert struct {
	transform
}

func NewAudioConvert(name string) *AudioConvert {
	a := &AudioConvert{}
	a.negotiate = a.negotiateFormat
	a.process = a.convert
	a.initTransform(a, "audioconvert", name, rawAudio, rawAudio)
	return a
}

func (a *AudioConvert) negotiateFormat(in *pipeline.Caps) (*pipeline.Caps, error) {
	info, err := audioInfoFromCaps(in)
	if err != nil {
		return nil, err
	}
	formats := a.src.PeerQueryCaps().Values("format")
	if len(formats) == 0 {
		return info.caps(), nil
	}
	for _, f := range formats {
		if f == info.format {
			return info.caps(), nil
		}
	}
	for _, f := range formats {
		if f == FormatS16LE || f == FormatF32LE {
			info.format = f
			return info.caps(), nil
		}
	}
	return nil, fmt.Errorf("%w: cannot convert %s to any of %v", pipeline.ErrNotNegotiated, info.format, formats)
}

func (a *AudioConvert) convert(buf *pipeline.Buffer, in, out *pipeline.Caps) (*pipeline.Buffer, error) {
	src, err := audioInfoFromCaps(in)
	if err != nil {
		return nil, err
	}
	dst, err := audioInfoFromCaps(out)
	if err != nil {
		return nil, err
	}
	if src.format == dst.format {
		return buf.Derive(buf.Data, out), nil
	}
	if src.format == FormatS16LE {
		return buf.Derive(s16ToF32(buf.Data), out), nil
	}
	return buf.Derive(f32ToS16(buf.Data), out), nil
}

func s16ToF32(in []byte) []byte {
	n := len(in) / 2
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(in[i*2:]))
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(float32(s)/32768))
	}
	return out
}

func f32ToS16(in []byte) []byte {
	n := len(in) / 4
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		f := math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:]))
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(f*32767)))
	}
	return out
}
