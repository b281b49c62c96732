package elements

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"strconv"
	"sync"

	"github.com/chai2010/webp"
	"github.com/mantonx/syncstream/internal/pipeline"
)

// imageEncoder is the common shape of still-image encoders: raw video in,
// one compressed picture per buffer out
type imageEncoder struct {
	transform
	outType string
	encode  func(img image.Image, w, h int) ([]byte, error)
}

func (e *imageEncoder) initEncoder(self pipeline.Element, factory, name, outType string) {
	e.outType = outType
	e.negotiate = e.outputCaps
	e.process = e.encodeBuffer
	e.initTransform(self, factory, name, rawVideo, pipeline.NewCaps(outType))
}

func (e *imageEncoder) outputCaps(in *pipeline.Caps) (*pipeline.Caps, error) {
	info, err := videoInfoFromCaps(in)
	if err != nil {
		return nil, err
	}
	return pipeline.NewCaps(e.outType,
		"width", strconv.Itoa(info.width),
		"height", strconv.Itoa(info.height),
		"framerate", fmt.Sprintf("%d/%d", info.fpsN, info.fpsD)), nil
}

func (e *imageEncoder) encodeBuffer(buf *pipeline.Buffer, in, out *pipeline.Caps) (*pipeline.Buffer, error) {
	info, err := videoInfoFromCaps(in)
	if err != nil {
		return nil, err
	}
	if len(buf.Data) < info.frameSize() {
		return nil, fmt.Errorf("short frame: %d bytes, want %d", len(buf.Data), info.frameSize())
	}
	var img image.Image
	if info.format == FormatRGBA {
		img = &image.RGBA{
			Pix:    buf.Data,
			Stride: info.width * 4,
			Rect:   image.Rect(0, 0, info.width, info.height),
		}
	} else {
		img = i420Image(buf.Data, info.width, info.height)
	}
	data, err := e.encode(img, info.width, info.height)
	if err != nil {
		return nil, err
	}
	res := buf.Derive(data, out)
	res.KeyFrame = true
	return res, nil
}

// JPEGEnc encodes raw video to baseline JPEG
type JPEGEnc struct {
	imageEncoder

	mu      sync.Mutex
	quality int
}

func NewJPEGEnc(name string) *JPEGEnc {
	j := &JPEGEnc{quality: 85}
	j.encode = func(img image.Image, w, h int) ([]byte, error) {
		var out bytes.Buffer
		out.Grow(w * h / 4)
		if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: j.Quality()}); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}
	j.initEncoder(j, "jpegenc", name, "image/jpeg")
	return j
}

func (j *JPEGEnc) SetProperty(key, value string) error {
	if key != "quality" {
		return j.transform.SetProperty(key, value)
	}
	q, err := strconv.Atoi(value)
	if err != nil || q < 1 || q > 100 {
		return fmt.Errorf("invalid quality %q", value)
	}
	j.mu.Lock()
	j.quality = q
	j.mu.Unlock()
	return nil
}

func (j *JPEGEnc) Quality() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.quality
}

// WebPEnc encodes raw video to WebP
type WebPEnc struct {
	imageEncoder

	mu       sync.Mutex
	quality  float32
	lossless bool
}

func NewWebPEnc(name string) *WebPEnc {
	w := &WebPEnc{quality: 75}
	w.encode = func(img image.Image, width, height int) ([]byte, error) {
		// webp wants packed RGB input
		rgba, ok := img.(*image.RGBA)
		if !ok {
			rgba = image.NewRGBA(image.Rect(0, 0, width, height))
			draw.Draw(rgba, rgba.Bounds(), img, image.Point{}, draw.Src)
		}
		w.mu.Lock()
		opts := &webp.Options{Lossless: w.lossless, Quality: w.quality}
		w.mu.Unlock()
		var out bytes.Buffer
		if err := webp.Encode(&out, rgba, opts); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}
	w.initEncoder(w, "webpenc", name, "image/webp")
	return w
}

func (w *WebPEnc) SetProperty(key, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch key {
	case "quality":
		q, err := strconv.ParseFloat(value, 32)
		if err != nil || q < 0 || q > 100 {
			return fmt.Errorf("invalid quality %q", value)
		}
		w.quality = float32(q)
	case "lossless":
		b, err := pipeline.ParseBool(value)
		if err != nil {
			return err
		}
		w.lossless = b
	default:
		return w.transform.SetProperty(key, value)
	}
	return nil
}

// DecodePicture decodes one JPEG, PNG or WebP picture into an I420 frame
// whose buffer carries matching raw caps. Odd edges are cropped.
func DecodePicture(data []byte) (*pipeline.Buffer, error) {
	var (
		img image.Image
		err error
	)
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP" {
		img, err = webp.Decode(bytes.NewReader(data))
	} else {
		img, _, err = image.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("decode picture: %w", err)
	}
	s := newStillStream(img)
	if s.info.width == 0 || s.info.height == 0 {
		return nil, fmt.Errorf("decode picture: empty image")
	}
	return &pipeline.Buffer{Data: s.data, Caps: s.Caps(), KeyFrame: true}, nil
}
