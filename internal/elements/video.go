package elements

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/mantonx/syncstream/internal/pipeline"
)

var rawVideo = pipeline.MustParseCaps("video/x-raw, format={I420,RGBA}")

// VideoScale resizes raw video to its width/height properties, or to the
// size downstream asks for.
type VideoScale struct {
	transform

	mu     sync.Mutex
	width  int
	height int
}

func NewVideoScale(name string) *VideoScale {
	v := &VideoScale{}
	v.negotiate = v.negotiateSize
	v.process = v.scale
	v.initTransform(v, "videoscale", name, rawVideo, rawVideo)
	return v
}

func (v *VideoScale) SetProperty(key, value string) error {
	switch key {
	case "width", "height":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid %s %q", key, value)
		}
		v.mu.Lock()
		if key == "width" {
			v.width = n
		} else {
			v.height = n
		}
		v.mu.Unlock()
		return nil
	}
	return v.transform.SetProperty(key, value)
}

func (v *VideoScale) negotiateSize(in *pipeline.Caps) (*pipeline.Caps, error) {
	info, err := videoInfoFromCaps(in)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	w, h := v.width, v.height
	v.mu.Unlock()

	down := v.src.PeerQueryCaps()
	if w == 0 {
		if dw, ok := fixedInt(down, "width"); ok {
			w = dw
		}
	}
	if h == 0 {
		if dh, ok := fixedInt(down, "height"); ok {
			h = dh
		}
	}
	if w > 0 {
		info.width = w
	}
	if h > 0 {
		info.height = h
	}
	return info.caps(), nil
}

func (v *VideoScale) scale(buf *pipeline.Buffer, in, out *pipeline.Caps) (*pipeline.Buffer, error) {
	src, err := videoInfoFromCaps(in)
	if err != nil {
		return nil, err
	}
	dst, err := videoInfoFromCaps(out)
	if err != nil {
		return nil, err
	}
	if len(buf.Data) < src.frameSize() {
		return nil, fmt.Errorf("short frame: %d bytes, want %d", len(buf.Data), src.frameSize())
	}
	if src.width == dst.width && src.height == dst.height {
		return buf.Derive(buf.Data, out), nil
	}
	var data []byte
	if src.format == FormatRGBA {
		data = scaleRGBA(buf.Data, src.width, src.height, dst.width, dst.height)
	} else {
		data = scaleI420(buf.Data, src.width, src.height, dst.width, dst.height)
	}
	return buf.Derive(data, out), nil
}

// VideoConvert converts between I420 and RGBA, choosing the first format
// downstream lists that it supports.
type VideoConvert struct {
	transform
}

func NewVideoConvert(name string) *VideoConvert {
	v := &VideoConvert{}
	v.negotiate = v.negotiateFormat
	v.process = v.convert
	v.initTransform(v, "videoconvert", name, rawVideo, rawVideo)
	return v
}

func (v *VideoConvert) negotiateFormat(in *pipeline.Caps) (*pipeline.Caps, error) {
	info, err := videoInfoFromCaps(in)
	if err != nil {
		return nil, err
	}
	down := v.src.PeerQueryCaps()
	formats := down.Values("format")
	if len(formats) == 0 {
		return info.caps(), nil
	}
	for _, f := range formats {
		if f == info.format {
			return info.caps(), nil
		}
	}
	for _, f := range formats {
		if f == FormatI420 || f == FormatRGBA {
			info.format = f
			return info.caps(), nil
		}
	}
	return nil, fmt.Errorf("%w: cannot convert %s to any of %v", pipeline.ErrNotNegotiated, info.format, formats)
}

func (v *VideoConvert) convert(buf *pipeline.Buffer, in, out *pipeline.Caps) (*pipeline.Buffer, error) {
	src, err := videoInfoFromCaps(in)
	if err != nil {
		return nil, err
	}
	dst, err := videoInfoFromCaps(out)
	if err != nil {
		return nil, err
	}
	if len(buf.Data) < src.frameSize() {
		return nil, fmt.Errorf("short frame: %d bytes, want %d", len(buf.Data), src.frameSize())
	}
	switch {
	case src.format == dst.format:
		return buf.Derive(buf.Data, out), nil
	case src.format == FormatI420:
		return buf.Derive(i420ToRGBA(buf.Data, src.width, src.height), out), nil
	default:
		return buf.Derive(rgbaToI420(buf.Data, src.width, src.height), out), nil
	}
}

// fixedInt returns a field of c when it holds a single integer
func fixedInt(c *pipeline.Caps, key string) (int, bool) {
	if len(c.Values(key)) != 1 {
		return 0, false
	}
	return c.Int(key)
}
