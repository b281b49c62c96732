package elements

import (
	"fmt"
	"image"
	"strconv"

	"github.com/mantonx/syncstream/internal/pipeline"
)

// Raw video formats handled by the converters
const (
	FormatI420 = "I420"
	FormatRGBA = "RGBA"
)

// videoInfo is the geometry of a raw video buffer
type videoInfo struct {
	format string
	width  int
	height int
	fpsN   int
	fpsD   int
}

func videoInfoFromCaps(c *pipeline.Caps) (videoInfo, error) {
	if !c.HasPrefix("video/x-raw") {
		return videoInfo{}, fmt.Errorf("%w: expected video/x-raw, got %s", pipeline.ErrNotNegotiated, c)
	}
	info := videoInfo{fpsN: 30, fpsD: 1}
	info.format, _ = c.Get("format")
	if info.format == "" {
		info.format = FormatI420
	}
	var ok bool
	if info.width, ok = c.Int("width"); !ok || info.width <= 0 {
		return videoInfo{}, fmt.Errorf("%w: missing width in %s", pipeline.ErrNotNegotiated, c)
	}
	if info.height, ok = c.Int("height"); !ok || info.height <= 0 {
		return videoInfo{}, fmt.Errorf("%w: missing height in %s", pipeline.ErrNotNegotiated, c)
	}
	if fr, ok := c.Get("framerate"); ok {
		if n, d, err := parseFraction(fr); err == nil && n > 0 && d > 0 {
			info.fpsN, info.fpsD = n, d
		}
	}
	return info, nil
}

func (v videoInfo) caps() *pipeline.Caps {
	return pipeline.NewCaps("video/x-raw",
		"format", v.format,
		"width", strconv.Itoa(v.width),
		"height", strconv.Itoa(v.height),
		"framerate", fmt.Sprintf("%d/%d", v.fpsN, v.fpsD))
}

func (v videoInfo) frameSize() int {
	switch v.format {
	case FormatRGBA:
		return v.width * v.height * 4
	default:
		return i420Size(v.width, v.height)
	}
}

func i420Size(w, h int) int {
	cw, ch := (w+1)/2, (h+1)/2
	return w*h + 2*cw*ch
}

func parseFraction(s string) (int, int, error) {
	var n, d int
	if _, err := fmt.Sscanf(s, "%d/%d", &n, &d); err != nil {
		return 0, 0, err
	}
	return n, d, nil
}

// i420Planes splits an I420 frame into Y, U and V planes
func i420Planes(data []byte, w, h int) (y, u, v []byte) {
	cw, ch := (w+1)/2, (h+1)/2
	ySize, cSize := w*h, cw*ch
	return data[:ySize], data[ySize : ySize+cSize], data[ySize+cSize : ySize+2*cSize]
}

// i420Image wraps an I420 frame as an image.YCbCr without copying
func i420Image(data []byte, w, h int) *image.YCbCr {
	y, u, v := i420Planes(data, w, h)
	return &image.YCbCr{
		Y:              y,
		Cb:             u,
		Cr:             v,
		YStride:        w,
		CStride:        (w + 1) / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, w, h),
	}
}

// scaleI420 resizes with nearest-neighbour sampling
func scaleI420(src []byte, sw, sh, dw, dh int) []byte {
	out := make([]byte, i420Size(dw, dh))
	sy, su, sv := i420Planes(src, sw, sh)
	dy, du, dv := i420Planes(out, dw, dh)
	scalePlane(sy, sw, sh, dy, dw, dh)
	scalePlane(su, (sw+1)/2, (sh+1)/2, du, (dw+1)/2, (dh+1)/2)
	scalePlane(sv, (sw+1)/2, (sh+1)/2, dv, (dw+1)/2, (dh+1)/2)
	return out
}

// scaleRGBA resizes packed RGBA with nearest-neighbour sampling
func scaleRGBA(src []byte, sw, sh, dw, dh int) []byte {
	out := make([]byte, dw*dh*4)
	for y := 0; y < dh; y++ {
		syy := y * sh / dh
		for x := 0; x < dw; x++ {
			sx := x * sw / dw
			copy(out[(y*dw+x)*4:(y*dw+x)*4+4], src[(syy*sw+sx)*4:(syy*sw+sx)*4+4])
		}
	}
	return out
}

func scalePlane(src []byte, sw, sh int, dst []byte, dw, dh int) {
	for y := 0; y < dh; y++ {
		row := (y * sh / dh) * sw
		for x := 0; x < dw; x++ {
			dst[y*dw+x] = src[row+x*sw/dw]
		}
	}
}

// i420ToRGBA converts with BT.601 coefficients
func i420ToRGBA(src []byte, w, h int) []byte {
	img := i420Image(src, w, h)
	out := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yi := img.YOffset(x, y)
			ci := img.COffset(x, y)
			r, g, b := yuvToRGB(img.Y[yi], img.Cb[ci], img.Cr[ci])
			o := (y*w + x) * 4
			out[o], out[o+1], out[o+2], out[o+3] = r, g, b, 0xff
		}
	}
	return out
}

// rgbaToI420 converts with BT.601 coefficients, averaging chroma over 2x2
func rgbaToI420(src []byte, w, h int) []byte {
	out := make([]byte, i420Size(w, h))
	py, pu, pv := i420Planes(out, w, h)
	cw := (w + 1) / 2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := (y*w + x) * 4
			r, g, b := int(src[o]), int(src[o+1]), int(src[o+2])
			py[y*w+x] = clamp8((66*r+129*g+25*b+128)>>8 + 16)
			if x%2 == 0 && y%2 == 0 {
				ci := (y/2)*cw + x/2
				pu[ci] = clamp8((-38*r-74*g+112*b+128)>>8 + 128)
				pv[ci] = clamp8((112*r-94*g-18*b+128)>>8 + 128)
			}
		}
	}
	return out
}

func yuvToRGB(y, u, v byte) (byte, byte, byte) {
	c := int(y) - 16
	d := int(u) - 128
	e := int(v) - 128
	r := (298*c + 409*e + 128) >> 8
	g := (298*c - 100*d - 208*e + 128) >> 8
	b := (298*c + 516*d + 128) >> 8
	return clamp8(r), clamp8(g), clamp8(b)
}

func clamp8(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// rotateI420 applies a rotation method to an I420 frame and returns the
// new frame and dimensions
func rotateI420(src []byte, w, h int, method RotateMethod) ([]byte, int, int) {
	if method == RotateNone {
		return src, w, h
	}
	dw, dh := w, h
	if method == Rotate90 || method == Rotate270 {
		dw, dh = h, w
	}
	out := make([]byte, i420Size(dw, dh))
	sy, su, sv := i420Planes(src, w, h)
	dy, du, dv := i420Planes(out, dw, dh)
	rotatePlane(sy, w, h, dy, method)
	rotatePlane(su, (w+1)/2, (h+1)/2, du, method)
	rotatePlane(sv, (w+1)/2, (h+1)/2, dv, method)
	return out, dw, dh
}

func rotatePlane(src []byte, w, h int, dst []byte, method RotateMethod) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var di int
			switch method {
			case Rotate90:
				di = x*h + (h - 1 - y)
			case Rotate180:
				di = (h-1-y)*w + (w - 1 - x)
			case Rotate270:
				di = (w-1-x)*h + y
			case FlipHorizontal:
				di = y*w + (w - 1 - x)
			case FlipVertical:
				di = (h-1-y)*w + x
			default:
				di = y*w + x
			}
			dst[di] = src[y*w+x]
		}
	}
}
