package elements

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg" // still image decoding
	_ "image/png"
	"io"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/mantonx/syncstream/internal/pipeline"
)

// DefaultOpeners returns the built-in test:// and file:// handlers
func DefaultOpeners() map[string]Opener {
	return map[string]Opener{
		"test": OpenTestURI,
		"file": OpenFileURI,
	}
}

// OpenTestURI synthesizes streams. The host selects them: av, video or
// audio. Query parameters: duration, width, height, rate.
//
//	test://av?duration=2s&width=320&height=240
func OpenTestURI(ctx context.Context, u *url.URL) (*Media, error) {
	q := u.Query()
	duration := 5 * time.Second
	if v := q.Get("duration"); v != "" {
		d, err := pipeline.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q", v)
		}
		duration = d
	}
	intParam := func(key string, def int) (int, error) {
		v := q.Get(key)
		if v == "" {
			return def, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid %s %q", key, v)
		}
		return n, nil
	}
	width, err := intParam("width", 320)
	if err != nil {
		return nil, err
	}
	height, err := intParam("height", 240)
	if err != nil {
		return nil, err
	}
	rate, err := intParam("rate", 44100)
	if err != nil {
		return nil, err
	}

	media := &Media{Tags: map[string]string{"title": "test " + u.Host}}
	video := &testVideoStream{
		info:  videoInfo{format: FormatI420, width: width, height: height, fpsN: 30, fpsD: 1},
		total: uint64(duration * 30 / time.Second),
	}
	audio := &testAudioStream{
		info:  audioInfo{format: FormatS16LE, rate: rate, channels: 2},
		total: uint64(duration) * uint64(rate) / uint64(time.Second),
	}
	switch u.Host {
	case "av":
		media.Streams = []Stream{video, audio}
	case "video":
		media.Streams = []Stream{video}
	case "audio":
		media.Streams = []Stream{audio}
	default:
		return nil, fmt.Errorf("unknown test media %q", u.Host)
	}
	return media, nil
}

type testVideoStream struct {
	info  videoInfo
	n     uint64
	total uint64
}

func (s *testVideoStream) Caps() *pipeline.Caps { return s.info.caps() }
func (s *testVideoStream) Close() error { return nil }

func (s *testVideoStream) Next(ctx context.Context) (*pipeline.Buffer, error) {
	if s.n >= s.total {
		return nil, io.EOF
	}
	frame := time.Second * time.Duration(s.info.fpsD) / time.Duration(s.info.fpsN)
	w, h, n := s.info.width, s.info.height, int(s.n)
	data := paintI420(w, h, func(x, y int) (byte, byte, byte) {
		bar := smpteBars[((x+n)%w)*7/w]
		return byte(bar[0]), byte(bar[1]), byte(bar[2])
	})
	buf := &pipeline.Buffer{
		PTS:      time.Duration(s.n) * frame,
		Duration: frame,
		Data:     data,
		Caps:     s.Caps(),
		Sequence: s.n,
		KeyFrame: true,
	}
	s.n++
	return buf, nil
}

type testAudioStream struct {
	info  audioInfo
	pos   uint64
	total uint64
}

const testAudioChunk = 1024

func (s *testAudioStream) Caps() *pipeline.Caps { return s.info.caps() }
func (s *testAudioStream) Close() error { return nil }

func (s *testAudioStream) Next(ctx context.Context) (*pipeline.Buffer, error) {
	if s.pos >= s.total {
		return nil, io.EOF
	}
	frames := uint64(testAudioChunk)
	if s.total-s.pos < frames {
		frames = s.total - s.pos
	}
	data := make([]byte, int(frames)*s.info.bytesPerFrame())
	for i := uint64(0); i < frames; i++ {
		t := float64(s.pos+i) / float64(s.info.rate)
		v := uint16(int16(math.Sin(2*math.Pi*440*t) * 0.5 * 32767))
		for c := 0; c < s.info.channels; c++ {
			binary.LittleEndian.PutUint16(data[(int(i)*s.info.channels+c)*2:], v)
		}
	}
	buf := &pipeline.Buffer{
		PTS:      time.Duration(s.pos) * time.Second / time.Duration(s.info.rate),
		Duration: s.info.duration(len(data)),
		Data:     data,
		Caps:     s.Caps(),
		Sequence: s.pos / testAudioChunk,
	}
	s.pos += frames
	return buf, nil
}

// OpenFileURI opens local media by extension: H.264 byte streams, PCM
// WAV, still images, and tagged compressed audio passed through as-is.
func OpenFileURI(ctx context.Context, u *url.URL) (*Media, error) {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".h264", ".264":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return &Media{Streams: []Stream{newH264Stream(data)}}, nil
	case ".wav":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		s, err := newWAVStream(data)
		if err != nil {
			return nil, err
		}
		return &Media{Streams: []Stream{s}}, nil
	case ".jpg", ".jpeg", ".png":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		img, _, err := image.Decode(f)
		if err != nil {
			return nil, err
		}
		return &Media{Streams: []Stream{newStillStream(img)}}, nil
	case ".mp3", ".flac", ".m4a", ".ogg":
		return openTaggedAudio(path)
	}
	return nil, fmt.Errorf("%w: unsupported file type %q", pipeline.ErrNotNegotiated, ext)
}

// openTaggedAudio reads the file's metadata for a Tag message and passes
// the compressed payload through unparsed
func openTaggedAudio(path string) (*Media, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	media := &Media{Tags: map[string]string{}}
	if md, err := tag.ReadFrom(bytes.NewReader(data)); err == nil {
		put := func(k, v string) {
			if v != "" {
				media.Tags[k] = v
			}
		}
		put("title", md.Title())
		put("artist", md.Artist())
		put("album", md.Album())
		put("genre", md.Genre())
		put("container", string(md.FileType()))
		put("format", string(md.Format()))
		if md.Year() > 0 {
			put("year", strconv.Itoa(md.Year()))
		}
	}
	mediaType := "audio/mpeg"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".flac":
		mediaType = "audio/x-flac"
	case ".m4a":
		mediaType = "audio/mp4"
	case ".ogg":
		mediaType = "audio/ogg"
	}
	media.Streams = []Stream{&chunkStream{data: data, caps: pipeline.NewCaps(mediaType)}}
	return media, nil
}

// chunkStream splits an opaque payload into fixed chunks. Timing assumes
// a nominal 128 kbit/s.
type chunkStream struct {
	data []byte
	pos  int
	n    uint64
	caps *pipeline.Caps
}

const chunkSize = 4096

func (s *chunkStream) Caps() *pipeline.Caps { return s.caps }
func (s *chunkStream) Close() error { return nil }

func (s *chunkStream) Next(ctx context.Context) (*pipeline.Buffer, error) {
	if s.pos >= len(s.data) {
		return nil, io.EOF
	}
	end := s.pos + chunkSize
	if end > len(s.data) {
		end = len(s.data)
	}
	nominal := func(n int) time.Duration {
		return time.Duration(n) * 8 * time.Second / 128000
	}
	buf := &pipeline.Buffer{
		PTS:      nominal(s.pos),
		Duration: nominal(end - s.pos),
		Data:     s.data[s.pos:end],
		Caps:     s.caps,
		Sequence: s.n,
	}
	s.pos = end
	s.n++
	return buf, nil
}

// h264Stream emits Annex B access units at a nominal 30 fps
type h264Stream struct {
	units [][]byte
	n     int
}

func newH264Stream(data []byte) *h264Stream {
	return &h264Stream{units: splitAccessUnits(data)}
}

func (s *h264Stream) Caps() *pipeline.Caps {
	return pipeline.NewCaps("video/x-h264", "stream-format", "byte-stream", "alignment", "au")
}

func (s *h264Stream) Close() error { return nil }

func (s *h264Stream) Next(ctx context.Context) (*pipeline.Buffer, error) {
	if s.n >= len(s.units) {
		return nil, io.EOF
	}
	const frame = time.Second / 30
	au := s.units[s.n]
	buf := &pipeline.Buffer{
		PTS:      time.Duration(s.n) * frame,
		Duration: frame,
		Data:     au,
		Caps:     s.Caps(),
		Sequence: uint64(s.n),
		KeyFrame: containsIDR(au),
	}
	s.n++
	return buf, nil
}

// splitAccessUnits groups NAL units so that each unit ends after one
// coded slice
func splitAccessUnits(data []byte) [][]byte {
	var units [][]byte
	start := -1
	for _, nal := range findNALs(data) {
		if start < 0 {
			start = nal.start
		}
		t := data[nal.payload] & 0x1f
		if t == 1 || t == 5 {
			units = append(units, data[start:nal.end])
			start = -1
		}
	}
	if start >= 0 {
		units = append(units, data[start:])
	}
	return units
}

type nalRange struct {
	start   int // start code offset
	payload int // first byte after the start code
	end     int
}

func findNALs(data []byte) []nalRange {
	var nals []nalRange
	i := 0
	for i+3 <= len(data) {
		if data[i] == 0 && data[i+1] == 0 && (data[i+2] == 1 || (i+4 <= len(data) && data[i+2] == 0 && data[i+3] == 1)) {
			codeLen := 3
			if data[i+2] == 0 {
				codeLen = 4
			}
			if n := len(nals); n > 0 {
				nals[n-1].end = i
			}
			if i+codeLen < len(data) {
				nals = append(nals, nalRange{start: i, payload: i + codeLen, end: len(data)})
			}
			i += codeLen
			continue
		}
		i++
	}
	return nals
}

func containsIDR(au []byte) bool {
	for _, nal := range findNALs(au) {
		if au[nal.payload]&0x1f == 5 {
			return true
		}
	}
	return false
}

// wavStream emits 16-bit PCM from a RIFF WAVE file
type wavStream struct {
	info audioInfo
	pcm  []byte
	pos  int
}

func newWAVStream(data []byte) (*wavStream, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a RIFF WAVE file")
	}
	s := &wavStream{}
	var haveFmt bool
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4:]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("short fmt chunk")
			}
			if format := binary.LittleEndian.Uint16(data[body:]); format != 1 {
				return nil, fmt.Errorf("%w: wav format %d is not PCM", pipeline.ErrNotNegotiated, format)
			}
			if bits := binary.LittleEndian.Uint16(data[body+14:]); bits != 16 {
				return nil, fmt.Errorf("%w: %d-bit samples", pipeline.ErrNotNegotiated, bits)
			}
			s.info = audioInfo{
				format:   FormatS16LE,
				channels: int(binary.LittleEndian.Uint16(data[body+2:])),
				rate:     int(binary.LittleEndian.Uint32(data[body+4:])),
			}
			haveFmt = true
		case "data":
			s.pcm = data[body : body+size]
		}
		off = body + size + size%2
	}
	if !haveFmt || s.info.channels == 0 || s.info.rate == 0 {
		return nil, fmt.Errorf("missing fmt chunk")
	}
	return s, nil
}

func (s *wavStream) Caps() *pipeline.Caps { return s.info.caps() }
func (s *wavStream) Close() error { return nil }

func (s *wavStream) Next(ctx context.Context) (*pipeline.Buffer, error) {
	if s.pos >= len(s.pcm) {
		return nil, io.EOF
	}
	end := s.pos + testAudioChunk*s.info.bytesPerFrame()
	if end > len(s.pcm) {
		end = len(s.pcm)
	}
	buf := &pipeline.Buffer{
		PTS:      s.info.duration(s.pos),
		Duration: s.info.duration(end - s.pos),
		Data:     s.pcm[s.pos:end],
		Caps:     s.Caps(),
	}
	s.pos = end
	return buf, nil
}

// stillStream emits a decoded image as a single I420 frame
type stillStream struct {
	info videoInfo
	data []byte
	sent bool
}

func newStillStream(img image.Image) *stillStream {
	b := img.Bounds()
	w, h := b.Dx()&^1, b.Dy()&^1
	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return &stillStream{
		info: videoInfo{format: FormatI420, width: w, height: h, fpsN: 1, fpsD: 1},
		data: rgbaToI420(rgba.Pix, w, h),
	}
}

func (s *stillStream) Caps() *pipeline.Caps { return s.info.caps() }
func (s *stillStream) Close() error { return nil }

func (s *stillStream) Next(ctx context.Context) (*pipeline.Buffer, error) {
	if s.sent {
		return nil, io.EOF
	}
	s.sent = true
	return &pipeline.Buffer{Duration: time.Second, Data: s.data, Caps: s.Caps(), KeyFrame: true}, nil
}
