package elements

import (
	"github.com/mantonx/syncstream/internal/pipeline"
)

// Env carries the process-wide resources some elements need: relay
// channels, capture devices, URI openers and the audio device.
type Env struct {
	Inter    *InterChannels
	Devices  DeviceOpener
	Openers  map[string]Opener
	AudioOut AudioOutput
	// Surface, when set, is attached to every display sink created
	Surface func(name string) Surface
}

// DefaultEnv returns an Env backed by synthetic devices and the built-in
// URI schemes
func DefaultEnv() *Env {
	return &Env{
		Inter:   NewInterChannels(),
		Devices: DefaultDeviceOpener,
		Openers: DefaultOpeners(),
	}
}

func (e *Env) fill() {
	if e.Inter == nil {
		e.Inter = NewInterChannels()
	}
	if e.Devices == nil {
		e.Devices = DefaultDeviceOpener
	}
	if e.Openers == nil {
		e.Openers = DefaultOpeners()
	}
}

// Register installs every element factory into f
func Register(f *pipeline.Factories, env *Env) {
	if env == nil {
		env = DefaultEnv()
	}
	env.fill()

	simple := map[string]func(string) pipeline.Element{
		"videotestsrc": func(n string) pipeline.Element { return NewVideoTestSrc(n) },
		"audiotestsrc": func(n string) pipeline.Element { return NewAudioTestSrc(n) },
		"tee":          func(n string) pipeline.Element { return NewTee(n) },
		"queue":        func(n string) pipeline.Element { return NewQueue(n) },
		"capsfilter":   func(n string) pipeline.Element { return NewCapsFilter(n) },
		"videoscale":   func(n string) pipeline.Element { return NewVideoScale(n) },
		"videoconvert": func(n string) pipeline.Element { return NewVideoConvert(n) },
		"audioconvert": func(n string) pipeline.Element { return NewAudioConvert(n) },
		"fakesink":     func(n string) pipeline.Element { return NewFakeSink(n) },
		"jpegenc":      func(n string) pipeline.Element { return NewJPEGEnc(n) },
		"webpenc":      func(n string) pipeline.Element { return NewWebPEnc(n) },
		"rtpgenpay":    func(n string) pipeline.Element { return NewRTPGenPay(n) },
		"rtph264pay":   func(n string) pipeline.Element { return NewRTPH264Pay(n) },
		"rtpjpegpay":   func(n string) pipeline.Element { return NewRTPJPEGPay(n) },
		"camerasrc":    func(n string) pipeline.Element { return NewCameraSrc(n, env.Devices) },
		"decodesrc":    func(n string) pipeline.Element { return NewDecodeSource(n, env.Openers) },
		"audiosink":    func(n string) pipeline.Element { return NewAudioSink(n, env.AudioOut) },
		"intersink":    func(n string) pipeline.Element { return NewInterSink(n, env.Inter) },
		"intersrc":     func(n string) pipeline.Element { return NewInterSrc(n, env.Inter) },
		"displaysink": func(n string) pipeline.Element {
			d := NewDisplaySink(n)
			if env.Surface != nil {
				// not yet READY, so this cannot fail
				_ = d.SetSurface(env.Surface(n))
			}
			return d
		},
	}
	for name, fn := range simple {
		fn := fn
		f.Register(name, func(n string) (pipeline.Element, error) { return fn(n), nil })
	}
}

// NewFactories returns a factory table with every element registered
func NewFactories(env *Env) *pipeline.Factories {
	f := pipeline.NewFactories()
	Register(f, env)
	return f
}
