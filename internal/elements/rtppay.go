package elements

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v5/pkg/format/rtpmjpeg"
	"github.com/mantonx/syncstream/internal/pipeline"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// RTP payloader defaults
const (
	DefaultMTU          = 1400
	DefaultPayloadType  = 96
	JPEGPayloadType     = 26
	DefaultVideoRate    = 90000
	rtpHeaderSize       = 12
	fragmentStartBit    = 0x80
	fragmentEndBit      = 0x40
	fragmentHeaderBytes = 1
)

// PayloaderStats is what a network sender needs to describe and report a
// payloaded stream
type PayloaderStats struct {
	SSRC        uint32
	PayloadType uint8
	ClockRate   uint32
	Packets     uint32
	Octets      uint32
	// LastTimestamp is the RTP time of the last packet, sent at LastPTS
	LastTimestamp uint32
	LastPTS       time.Duration
	HaveLast      bool
}

// Payloader is implemented by the rtp*pay elements
type Payloader interface {
	pipeline.Element
	SrcPad() *pipeline.Pad
	PayloadStats() PayloaderStats
	// Encoding returns the RTP media, encoding name and clock rate
	Encoding() (media, name string, clockRate uint32)
	// Negotiated reports whether Encoding is final
	Negotiated() bool
}

// fragmentPayloader splits a frame into MTU-sized pieces, each prefixed
// with one byte carrying start and end flags
type fragmentPayloader struct{}

func (fragmentPayloader) Payload(mtu uint16, payload []byte) [][]byte {
	max := int(mtu) - fragmentHeaderBytes
	if max <= 0 || len(payload) == 0 {
		return nil
	}
	var out [][]byte
	for off := 0; off < len(payload); off += max {
		end := off + max
		if end > len(payload) {
			end = len(payload)
		}
		var hdr byte
		if off == 0 {
			hdr |= fragmentStartBit
		}
		if end == len(payload) {
			hdr |= fragmentEndBit
		}
		frag := make([]byte, 0, fragmentHeaderBytes+end-off)
		frag = append(frag, hdr)
		frag = append(frag, payload[off:end]...)
		out = append(out, frag)
	}
	return out
}

// Reassemble joins fragments produced by the generic payloader. It
// reports whether payload completed a frame.
func Reassemble(acc, payload []byte) ([]byte, bool) {
	if len(payload) < fragmentHeaderBytes {
		return acc, false
	}
	hdr := payload[0]
	if hdr&fragmentStartBit != 0 {
		acc = acc[:0]
	}
	acc = append(acc, payload[fragmentHeaderBytes:]...)
	return acc, hdr&fragmentEndBit != 0
}

// jpegPayloader splits baseline JPEG frames per RFC 2435. Frames the
// scheme cannot carry, such as sizes that are not multiples of 8, produce
// no packets and leave the failure in err.
type jpegPayloader struct {
	enc     *rtpmjpeg.Encoder
	maxSize int
	err     error
}

func (j *jpegPayloader) Payload(mtu uint16, frame []byte) [][]byte {
	if j.enc == nil || j.maxSize != int(mtu) {
		enc := &rtpmjpeg.Encoder{PayloadMaxSize: int(mtu)}
		if err := enc.Init(); err != nil {
			j.err = err
			return nil
		}
		j.enc, j.maxSize = enc, int(mtu)
	}
	pkts, err := j.enc.Encode(frame)
	if err != nil {
		j.err = err
		return nil
	}
	out := make([][]byte, len(pkts))
	for i, pkt := range pkts {
		out[i] = pkt.Payload
	}
	return out
}

func (j *jpegPayloader) takeErr() error {
	err := j.err
	j.err = nil
	return err
}

// RTPPay packetizes buffers into RTP. Each output buffer holds one
// marshaled packet.
type RTPPay struct {
	pipeline.Base
	sink, src *pipeline.Pad
	newPayloader func() rtp.Payloader
	encodingFor  func(in *pipeline.Caps) (media, name string)

	mu         sync.Mutex
	payloader  rtp.Payloader
	pt         uint8
	mtu        uint16
	ssrc       uint32
	clockRate  uint32
	media      string
	encoding   string
	packetizer rtp.Packetizer
	tsBase     uint32
	outCaps    *pipeline.Caps
	stats      PayloaderStats
}

// NewRTPGenPay payloads any media with the generic fragment scheme. The
// encoding name is X- plus the upper-cased media subtype.
func NewRTPGenPay(name string) *RTPPay {
	p := &RTPPay{
		newPayloader: func() rtp.Payloader { return fragmentPayloader{} },
		encodingFor: func(in *pipeline.Caps) (string, string) {
			major, sub, _ := strings.Cut(in.MediaType(), "/")
			sub = strings.TrimPrefix(sub, "x-")
			if major == "image" {
				major = "video"
			}
			return major, "X-" + strings.ToUpper(sub)
		},
	}
	p.initPay(p, "rtpgenpay", name, nil)
	return p
}

// NewRTPJPEGPay payloads JPEG per RFC 2435 on the static payload type, so
// any RTSP player can show the stream
func NewRTPJPEGPay(name string) *RTPPay {
	p := &RTPPay{
		newPayloader: func() rtp.Payloader { return &jpegPayloader{} },
		encodingFor: func(*pipeline.Caps) (string, string) {
			return "video", "JPEG"
		},
	}
	p.initPay(p, "rtpjpegpay", name, pipeline.NewCaps("image/jpeg"))
	p.pt = JPEGPayloadType
	return p
}

// NewRTPH264Pay payloads H.264 per RFC 6184
func NewRTPH264Pay(name string) *RTPPay {
	p := &RTPPay{
		newPayloader: func() rtp.Payloader { return &codecs.H264Payloader{} },
		encodingFor: func(*pipeline.Caps) (string, string) {
			return "video", "H264"
		},
	}
	p.initPay(p, "rtph264pay", name, pipeline.NewCaps("video/x-h264"))
	return p
}

func (p *RTPPay) initPay(self pipeline.Element, factory, name string, sinkTmpl *pipeline.Caps) {
	p.Init(self, factory, name)
	p.pt = DefaultPayloadType
	p.mtu = DefaultMTU
	p.ssrc = rand.Uint32()
	p.clockRate = DefaultVideoRate
	p.sink = p.NewPad("sink", pipeline.PadSink, sinkTmpl)
	p.src = p.NewPad("src", pipeline.PadSrc, pipeline.NewCaps("application/x-rtp"))
	p.sink.SetChainFunc(p.chain)
	p.sink.SetEventFunc(p.event)
}

func (p *RTPPay) SetProperty(key, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch key {
	case "pt":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 127 {
			return fmt.Errorf("invalid payload type %q", value)
		}
		p.pt = uint8(n)
	case "mtu":
		n, err := strconv.Atoi(value)
		if err != nil || n <= rtpHeaderSize+fragmentHeaderBytes || n > 65535 {
			return fmt.Errorf("invalid mtu %q", value)
		}
		p.mtu = uint16(n)
	case "ssrc":
		n, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid ssrc %q", value)
		}
		p.ssrc = uint32(n)
	case "clock-rate":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid clock-rate %q", value)
		}
		p.clockRate = uint32(n)
	default:
		return p.Base.SetProperty(key, value)
	}
	return nil
}

func (p *RTPPay) SrcPad() *pipeline.Pad { return p.src }

func (p *RTPPay) PayloadStats() PayloaderStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.SSRC, s.PayloadType, s.ClockRate = p.ssrc, p.pt, p.clockRate
	return s
}

func (p *RTPPay) Encoding() (string, string, uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.media, p.encoding, p.clockRate
}

// Negotiated reports whether the input format is known yet
func (p *RTPPay) Negotiated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outCaps != nil
}

func (p *RTPPay) ChangeState(ctx context.Context, t pipeline.Transition) error {
	if t == pipeline.PausedToReady {
		p.mu.Lock()
		p.packetizer = nil
		p.payloader = nil
		p.outCaps = nil
		p.stats = PayloaderStats{}
		p.mu.Unlock()
	}
	return nil
}

// SetInputCaps fixes the encoding from the input format. It is called on
// the caps event and may be called early so a session can be described
// before data flows.
func (p *RTPPay) SetInputCaps(in *pipeline.Caps) *pipeline.Caps {
	media, name := p.encodingFor(in)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.media, p.encoding = media, name
	if p.packetizer == nil {
		p.payloader = p.newPayloader()
		p.packetizer = rtp.NewPacketizer(p.mtu, p.pt, p.ssrc, p.payloader, rtp.NewRandomSequencer(), p.clockRate)
		p.tsBase = rand.Uint32()
	}
	p.outCaps = pipeline.NewCaps("application/x-rtp",
		"media", media,
		"clock-rate", strconv.Itoa(int(p.clockRate)),
		"encoding-name", name,
		"payload", strconv.Itoa(int(p.pt)))
	return p.outCaps
}

func (p *RTPPay) event(ctx context.Context, ev pipeline.Event) error {
	if ev.Type == pipeline.EventCaps {
		out := p.SetInputCaps(ev.Caps)
		if err := p.src.SetCaps(out); err != nil {
			return err
		}
		ev = pipeline.Event{Type: pipeline.EventCaps, Caps: out}
	}
	err := p.src.PushEvent(ctx, ev)
	if err == pipeline.ErrNotLinked {
		return nil
	}
	return err
}

// rtpTime converts a PTS to RTP units on the stream's random base
func (p *RTPPay) rtpTime(pts time.Duration) uint32 {
	return p.tsBase + uint32(uint64(pts)*uint64(p.clockRate)/uint64(time.Second))
}

func (p *RTPPay) chain(ctx context.Context, buf *pipeline.Buffer) error {
	p.mu.Lock()
	if p.packetizer == nil {
		p.mu.Unlock()
		if buf.Caps == nil {
			return pipeline.ErrNotNegotiated
		}
		if err := p.event(ctx, pipeline.Event{Type: pipeline.EventCaps, Caps: buf.Caps}); err != nil {
			return err
		}
		p.mu.Lock()
	}
	packets := p.packetizer.Packetize(buf.Data, 0)
	if f, ok := p.payloader.(interface{ takeErr() error }); ok {
		if err := f.takeErr(); err != nil {
			p.mu.Unlock()
			p.Logger().Warn("frame not payloadable", "error", err)
			return nil
		}
	}
	ts := p.rtpTime(buf.PTS)
	out := p.outCaps
	for _, pkt := range packets {
		pkt.Timestamp = ts
		p.stats.Packets++
		p.stats.Octets += uint32(len(pkt.Payload))
	}
	if len(packets) > 0 {
		p.stats.LastTimestamp = ts
		p.stats.LastPTS = buf.PTS
		p.stats.HaveLast = true
	}
	p.mu.Unlock()

	for i, pkt := range packets {
		data, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("marshal rtp: %w", err)
		}
		res := &pipeline.Buffer{
			PTS:      buf.PTS,
			Duration: buf.Duration,
			Data:     data,
			Caps:     out,
			Sequence: uint64(pkt.SequenceNumber),
			KeyFrame: buf.KeyFrame && i == 0,
		}
		if err := p.src.Push(ctx, res); err != nil {
			if err == pipeline.ErrNotLinked {
				return nil
			}
			return err
		}
	}
	return nil
}
