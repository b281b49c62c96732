package rtsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/description"
	"github.com/bluenviron/gortsplib/v5/pkg/format"
	"github.com/bluenviron/gortsplib/v5/pkg/format/rtpmjpeg"
	"github.com/hashicorp/go-hclog"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/mantonx/syncstream/internal/elements"
	"github.com/mantonx/syncstream/internal/pipeline"
)

// Client defaults
const (
	DefaultClientTimeout = 10 * time.Second
	clientPacketBacklog  = 512
	clientUserAgent      = "syncstream"
)

// ErrClientClosed is returned by streams after Close
var ErrClientClosed = errors.New("rtsp client closed")

// ClientOptions tunes a Client
type ClientOptions struct {
	// Timeout bounds each request and the wait for the first picture
	Timeout time.Duration
	Logger  hclog.Logger
}

// Opener returns a URI handler for rtsp:// so that a decodesrc can play a
// served mount. Picture streams are decoded to raw video, H.264 is passed
// through as a byte stream.
func Opener(opts ClientOptions) elements.Opener {
	return func(ctx context.Context, u *url.URL) (*elements.Media, error) {
		c, err := Dial(ctx, u, opts)
		if err != nil {
			return nil, err
		}
		return c.Media(), nil
	}
}

// Client plays one RTSP presentation. Transport is negotiated by the
// library: UDP first, interleaved TCP when no UDP packet arrives.
type Client struct {
	opts    ClientOptions
	logger  hclog.Logger
	rc      *gortsplib.Client
	url     string
	session string
	tracks  []*clientTrack

	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	readErr   error
}

// Dial connects, describes the presentation and starts playing it. The
// call returns once every picture stream has delivered a first frame.
func Dial(ctx context.Context, u *url.URL, opts ClientOptions) (*Client, error) {
	if u.Scheme != "rtsp" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultClientTimeout
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	target := *u
	if u.Port() == "" {
		target.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(DefaultPort))
	}
	bu, err := base.ParseURL(target.String())
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", target.String(), err)
	}

	c := &Client{
		opts:   opts,
		logger: opts.Logger.Named("rtsp-client").With("url", bu.String()),
		rc: &gortsplib.Client{
			Scheme:       bu.Scheme,
			Host:         bu.Host,
			ReadTimeout:  opts.Timeout,
			WriteTimeout: opts.Timeout,
			UserAgent:    clientUserAgent,
		},
		url:     strings.TrimSuffix(bu.String(), "/"),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}

	started := make(chan error, 1)
	go func() { started <- c.start(bu) }()
	select {
	case err := <-started:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		// requests are bounded by the read timeout
		if err := <-started; err == nil {
			c.Close()
		}
		return nil, ctx.Err()
	}

	wait, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	for _, t := range c.tracks {
		if !t.picture {
			continue
		}
		if err := t.prefetch(wait); err != nil {
			c.Close()
			return nil, fmt.Errorf("first frame of %s: %w", t.control, err)
		}
	}
	return c, nil
}

// start leaves the library client closed when it fails
func (c *Client) start(u *base.URL) error {
	if err := c.rc.Start(); err != nil {
		return fmt.Errorf("connect %s: %w", u.Host, err)
	}
	if err := c.play(u); err != nil {
		c.rc.Close()
		return err
	}
	go func() {
		defer close(c.done)
		c.setErr(c.rc.Wait())
	}()
	return nil
}

func (c *Client) play(u *base.URL) error {
	desc, _, err := c.rc.Describe(u)
	if err != nil {
		return fmt.Errorf("describe: %w", err)
	}
	if err := c.selectTracks(desc); err != nil {
		return err
	}
	for _, t := range c.tracks {
		res, err := c.rc.Setup(desc.BaseURL, t.media, 0, 0)
		if err != nil {
			return fmt.Errorf("setup %s: %w", t.control, err)
		}
		if c.session == "" {
			c.session = sessionID(res.Header)
		}
		c.rc.OnPacketRTP(t.media, t.forma, t.deliver)
	}
	if c.session == "" {
		return fmt.Errorf("server did not open a session")
	}
	if _, err := c.rc.Play(nil); err != nil {
		return fmt.Errorf("play: %w", err)
	}
	c.logger.Info("playing", "session", c.session, "streams", len(c.tracks))
	return nil
}

// selectTracks keeps the first playable format of every media
func (c *Client) selectTracks(desc *description.Session) error {
	for i, medi := range desc.Medias {
		control := medi.Control
		if control == "" {
			control = fmt.Sprintf("stream=%d", i)
		}
		var t *clientTrack
		var lastErr error
		for _, forma := range medi.Formats {
			if t, lastErr = newClientTrack(c, control, medi, forma); lastErr == nil {
				break
			}
		}
		if t == nil {
			c.logger.Warn("skipping stream", "control", control, "error", lastErr)
			continue
		}
		c.tracks = append(c.tracks, t)
	}
	if len(c.tracks) == 0 {
		return fmt.Errorf("%w: no playable streams", pipeline.ErrNotNegotiated)
	}
	return nil
}

// Media exposes the tracks as decodesrc streams
func (c *Client) Media() *elements.Media {
	m := &elements.Media{Tags: map[string]string{"location": c.url}}
	for _, t := range c.tracks {
		m.Streams = append(m.Streams, t)
	}
	return m
}

// Session returns the server-assigned session ID
func (c *Client) Session() string { return c.session }

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil {
		c.readErr = err
	}
}

// endErr is what streams report once the connection is gone
func (c *Client) endErr() error {
	select {
	case <-c.closing:
		return ErrClientClosed
	default:
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.readErr == nil || errors.Is(c.readErr, io.EOF) || errors.Is(c.readErr, net.ErrClosed) {
		return io.EOF
	}
	return c.readErr
}

// Close tears the session down and drops the connection
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.rc.Close()
		c.logger.Info("closed", "session", c.session)
	})
	return nil
}

// clientTrack is one SETUP stream. It turns packets into frames.
type clientTrack struct {
	client    *Client
	control   string
	media     *description.Media
	forma     format.Format
	encoding  string
	clockRate uint32
	picture   bool

	packets chan *rtp.Packet

	mu      sync.Mutex
	caps    *pipeline.Caps
	pending *pipeline.Buffer

	// owned by Next
	mjpeg    *rtpmjpeg.Decoder
	acc      []byte
	inFrame  bool
	haveSeq  bool
	expected uint16
	haveBase bool
	base     uint32
	h264     codecs.H264Packet
	sequence uint64
}

// newClientTrack accepts RFC 2435 JPEG, H.264 and the generic picture
// payloads of rtpgenpay
func newClientTrack(c *Client, control string, medi *description.Media, forma format.Format) (*clientTrack, error) {
	t := &clientTrack{
		client:    c,
		control:   control,
		media:     medi,
		forma:     forma,
		clockRate: uint32(forma.ClockRate()),
		packets:   make(chan *rtp.Packet, clientPacketBacklog),
	}
	if t.clockRate == 0 {
		return nil, fmt.Errorf("no clock rate for %s", forma.Codec())
	}
	switch f := forma.(type) {
	case *format.MJPEG:
		dec, err := f.CreateDecoder()
		if err != nil {
			return nil, err
		}
		t.encoding, t.picture, t.mjpeg = "JPEG", true, dec
	case *format.H264:
		t.encoding = "H264"
		t.caps = pipeline.NewCaps("video/x-h264", "stream-format", "byte-stream", "alignment", "au")
	default:
		name, _, _ := strings.Cut(forma.RTPMap(), "/")
		switch t.encoding = strings.ToUpper(name); t.encoding {
		case "X-JPEG", "X-PNG", "X-WEBP":
			t.picture = true
		default:
			return nil, fmt.Errorf("%w: encoding %s", pipeline.ErrNotNegotiated, forma.Codec())
		}
	}
	return t, nil
}

// deliver runs on the library's reader
func (t *clientTrack) deliver(pkt *rtp.Packet) {
	select {
	case t.packets <- pkt:
	default:
		t.client.logger.Trace("packet backlog full, dropping", "control", t.control)
	}
}

// prefetch decodes the first picture so the stream caps are known before
// the pad is exposed
func (t *clientTrack) prefetch(ctx context.Context) error {
	buf, err := t.next(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.pending = buf
	t.caps = buf.Caps
	t.mu.Unlock()
	return nil
}

func (t *clientTrack) Caps() *pipeline.Caps {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.caps
}

func (t *clientTrack) Next(ctx context.Context) (*pipeline.Buffer, error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	if pending != nil {
		return pending, nil
	}
	return t.next(ctx)
}

func (t *clientTrack) next(ctx context.Context) (*pipeline.Buffer, error) {
	for {
		var pkt *rtp.Packet
		select {
		case pkt = <-t.packets:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.client.closing:
			return nil, ErrClientClosed
		case <-t.client.done:
			select {
			case pkt = <-t.packets:
			default:
				return nil, t.client.endErr()
			}
		}

		frame, ok := t.assemble(pkt)
		if !ok {
			continue
		}
		buf, err := t.frameBuffer(frame, pkt.Timestamp)
		if err != nil {
			t.client.logger.Debug("dropping undecodable frame", "control", t.control, "error", err)
			continue
		}
		return buf, nil
	}
}

// assemble feeds one packet and returns a completed frame. A sequence gap
// drops the frame in progress.
func (t *clientTrack) assemble(pkt *rtp.Packet) ([]byte, bool) {
	if t.haveSeq && pkt.SequenceNumber != t.expected {
		t.acc, t.inFrame = t.acc[:0], false
		t.h264 = codecs.H264Packet{}
	}
	t.haveSeq, t.expected = true, pkt.SequenceNumber+1

	switch {
	case t.mjpeg != nil:
		frame, err := t.mjpeg.Decode(pkt)
		if err != nil {
			if !errors.Is(err, rtpmjpeg.ErrMorePacketsNeeded) {
				t.client.logger.Trace("jpeg depayload", "control", t.control, "error", err)
			}
			return nil, false
		}
		return frame, true
	case t.encoding == "H264":
		nal, err := t.h264.Unmarshal(pkt.Payload)
		if err != nil {
			t.acc, t.inFrame = t.acc[:0], false
			return nil, false
		}
		t.acc = append(t.acc, nal...)
		if !pkt.Marker || len(t.acc) == 0 {
			return nil, false
		}
		frame := append([]byte(nil), t.acc...)
		t.acc = t.acc[:0]
		return frame, true
	}

	if len(pkt.Payload) > 0 && pkt.Payload[0]&0x80 != 0 {
		t.inFrame = true
	}
	if !t.inFrame {
		return nil, false
	}
	var complete bool
	t.acc, complete = elements.Reassemble(t.acc, pkt.Payload)
	if !complete {
		return nil, false
	}
	t.inFrame = false
	frame := append([]byte(nil), t.acc...)
	t.acc = t.acc[:0]
	return frame, true
}

// frameBuffer stamps a frame relative to the first RTP timestamp seen
func (t *clientTrack) frameBuffer(frame []byte, ts uint32) (*pipeline.Buffer, error) {
	if !t.haveBase {
		t.haveBase, t.base = true, ts
	}
	pts := time.Duration(uint64(ts-t.base) * uint64(time.Second) / uint64(t.clockRate))

	var buf *pipeline.Buffer
	if t.picture {
		var err error
		if buf, err = elements.DecodePicture(frame); err != nil {
			return nil, err
		}
	} else {
		buf = &pipeline.Buffer{Data: frame, Caps: t.Caps(), KeyFrame: containsIDRFrame(frame)}
	}
	buf.PTS = pts
	t.sequence++
	buf.Sequence = t.sequence
	return buf, nil
}

// containsIDRFrame scans an Annex B access unit for an IDR slice
func containsIDRFrame(au []byte) bool {
	for i := 0; i+3 < len(au); i++ {
		if au[i] == 0 && au[i+1] == 0 && au[i+2] == 1 && au[i+3]&0x1f == 5 {
			return true
		}
	}
	return false
}

// Close is called by decodesrc when its pads go away. The connection is
// shared, so the first closed track tears down the session.
func (t *clientTrack) Close() error {
	return t.client.Close()
}
