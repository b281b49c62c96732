package rtsp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/headers"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/syncstream/internal/clock"
	"github.com/mantonx/syncstream/internal/elements"
	apperrors "github.com/mantonx/syncstream/internal/errors"
	"github.com/mantonx/syncstream/internal/pipeline"
)

func TestServer_UnknownMountIs404(t *testing.T) {
	srv := startServer(t, Options{})
	require.NoError(t, srv.MountPoints().AddFactory("/test", launchFactory(t, liveJPEG, nil)))

	c := dial(t, srv, "/nothing")
	assert.Equal(t, base.StatusNotFound, c.do(base.Describe, c.base).StatusCode)
	assert.Equal(t, base.StatusNotFound, c.setup("RTP/AVP/TCP;unicast;interleaved=0-1").StatusCode)

	_, _, _, err := srv.MountPoints().Match("/nothing")
	assert.True(t, apperrors.IsKind(err, apperrors.KindSessionRejected))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestServer_OptionsListsMethods(t *testing.T) {
	srv := startServer(t, Options{})
	c := dial(t, srv, "/test")
	resp := c.do(base.Options, "*")
	require.Equal(t, base.StatusOK, resp.StatusCode)
	for _, m := range []base.Method{base.Describe, base.Setup, base.Play, base.Teardown, base.GetParameter} {
		assert.Contains(t, headerValue(resp.Header, "Public"), string(m))
	}
	assert.Equal(t, base.StatusSessionNotFound, c.do(base.Play, c.base, "Session", "missing").StatusCode)
}

func TestServer_PerClientBuildsPipelinePerConnectOnOneClock(t *testing.T) {
	shared := clock.NewSystemClock()
	registry := pipeline.NewRegistry()
	srv := startServer(t, Options{Registry: registry})
	f := launchFactory(t, liveJPEG, shared)
	require.NoError(t, srv.MountPoints().AddFactory("/test", f))

	var wg sync.WaitGroup
	clients := []*client{dial(t, srv, "/test"), dial(t, srv, "/test")}
	statuses := make([]base.StatusCode, len(clients))
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *client) {
			defer wg.Done()
			statuses[i] = c.do(base.Describe, c.base).StatusCode
		}(i, c)
	}
	wg.Wait()
	assert.Equal(t, []base.StatusCode{base.StatusOK, base.StatusOK}, statuses)

	medias := f.Medias()
	require.Len(t, medias, 2)
	assert.NotSame(t, medias[0].Pipeline(), medias[1].Pipeline())
	for _, m := range medias {
		assert.False(t, m.Shared())
		assert.Equal(t, shared.ID(), m.Pipeline().Clock().ID())
		cur, _ := m.Pipeline().State()
		assert.Equal(t, pipeline.StatePlaying, cur)
	}
	assert.Equal(t, 2, f.Instantiations())
	assert.Equal(t, 2, livePipelines(registry))
	assert.Len(t, shared.Owners(), 2)
}

func TestServer_SharedMediaIsRefcounted(t *testing.T) {
	registry := pipeline.NewRegistry()
	srv := startServer(t, Options{Registry: registry})
	f := launchFactory(t, liveJPEG, clock.NewSystemClock())
	f.SetShared(true)
	require.NoError(t, srv.MountPoints().AddFactory("/test", f))

	var wg sync.WaitGroup
	clients := make([]*client, 3)
	for i := range clients {
		clients[i] = dial(t, srv, "/test")
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			c.do(base.Describe, c.base)
			c.setup("RTP/AVP/TCP;unicast;interleaved=0-1")
		}(clients[i])
	}
	wg.Wait()

	require.Len(t, f.Medias(), 1)
	m := f.Medias()[0]
	assert.True(t, m.Shared())
	assert.Equal(t, 1, f.Instantiations())
	assert.Equal(t, 3, m.Refs())
	assert.Len(t, srv.Sessions(), 3)
	for _, info := range srv.Sessions() {
		assert.Equal(t, m.ID(), info.MediaID)
	}

	for _, c := range clients[:2] {
		assert.Equal(t, base.StatusOK, c.do(base.Teardown, c.base).StatusCode)
	}
	assert.Equal(t, 1, m.Refs())
	assert.True(t, m.Prepared())

	assert.Equal(t, base.StatusOK, clients[2].do(base.Teardown, clients[2].base).StatusCode)
	assert.Empty(t, f.Medias())
	assert.False(t, m.Prepared())
	cur, _ := m.Pipeline().State()
	assert.Equal(t, pipeline.StateNull, cur)
	assert.Zero(t, livePipelines(registry))

	// a later client gets a fresh pipeline
	late := dial(t, srv, "/test")
	assert.Equal(t, base.StatusOK, late.do(base.Describe, late.base).StatusCode)
	assert.Equal(t, 2, f.Instantiations())
}

func TestServer_InterleavedPlayback(t *testing.T) {
	shared := clock.NewSystemClock()
	srv := startServer(t, Options{})
	require.NoError(t, srv.MountPoints().AddFactory("/test", launchFactory(t, liveJPEG, shared)))

	c := dial(t, srv, "/test")
	resp := c.do(base.Describe, c.base)
	require.Equal(t, base.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/sdp", headerValue(resp.Header, "Content-Type"))
	assert.Equal(t, c.base+"/", headerValue(resp.Header, "Content-Base"))

	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal(resp.Body))
	require.Len(t, desc.MediaDescriptions, 1)
	md := desc.MediaDescriptions[0]
	assert.Equal(t, "video", md.MediaName.Media)
	rtpmap, ok := md.Attribute("rtpmap")
	require.True(t, ok)
	assert.Equal(t, "26 JPEG/90000", rtpmap)
	control, _ := md.Attribute("control")
	assert.Equal(t, "stream=0", control)

	resp = c.setup("RTP/AVP/TCP;unicast;interleaved=4-5")
	require.Equal(t, base.StatusOK, resp.StatusCode)
	reply := headerValue(resp.Header, "Transport")
	assert.Contains(t, reply, "RTP/AVP/TCP")
	assert.Contains(t, reply, "interleaved=4-5")
	assert.Contains(t, headerValue(resp.Header, "Session"), ";timeout=60")
	require.NotEmpty(t, c.session)

	require.Equal(t, base.StatusOK, c.do(base.Play, c.base+"/").StatusCode)

	var rtpSeen int
	var lastSeq uint16
	deadline := time.Now().Add(5 * time.Second)
	for rtpSeen < 10 && time.Now().Before(deadline) {
		f := c.next()
		switch f.channel {
		case 4:
			pkt := &rtp.Packet{}
			require.NoError(t, pkt.Unmarshal(f.data))
			assert.Equal(t, uint8(elements.JPEGPayloadType), pkt.PayloadType)
			if rtpSeen > 0 {
				assert.Equal(t, lastSeq+1, pkt.SequenceNumber)
			}
			lastSeq = pkt.SequenceNumber
			rtpSeen++
		case 5:
			pkts, err := rtcp.Unmarshal(f.data)
			require.NoError(t, err)
			_, isSR := pkts[0].(*rtcp.SenderReport)
			assert.True(t, isSR)
		default:
			t.Fatalf("frame on unexpected channel %d", f.channel)
		}
	}
	assert.Equal(t, 10, rtpSeen)

	assert.Equal(t, base.StatusOK, c.do(base.GetParameter, c.base).StatusCode)
	assert.Equal(t, base.StatusOK, c.do(base.Pause, c.base).StatusCode)
	assert.Equal(t, SessionReady.String(), srv.Sessions()[0].State)
	assert.Equal(t, base.StatusOK, c.do(base.Teardown, c.base).StatusCode)
	assert.Empty(t, srv.Sessions())
}

func TestServer_UDPPlayback(t *testing.T) {
	srv := startServer(t, Options{})
	require.NoError(t, srv.MountPoints().AddFactory("/test", launchFactory(t, liveJPEG, nil)))

	rtpConn, rtcpConn, err := listenUDPPair("127.0.0.1")
	require.NoError(t, err)
	defer rtpConn.Close()
	defer rtcpConn.Close()

	c := dial(t, srv, "/test")
	require.Equal(t, base.StatusOK, c.do(base.Describe, c.base).StatusCode)
	ports := [2]int{udpPort(rtpConn), udpPort(rtcpConn)}
	resp := c.setup(fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d", ports[0], ports[1]))
	require.Equal(t, base.StatusOK, resp.StatusCode)
	var tr headers.Transport
	require.NoError(t, tr.Unmarshal(resp.Header["Transport"]))
	require.NotNil(t, tr.ClientPorts)
	require.NotNil(t, tr.ServerPorts)
	assert.Equal(t, ports, *tr.ClientPorts)
	assert.NotZero(t, tr.ServerPorts[0])
	assert.Equal(t, tr.ServerPorts[0]+1, tr.ServerPorts[1])

	require.Equal(t, base.StatusOK, c.do(base.Play, c.base).StatusCode)

	buf := make([]byte, 2048)
	rtpConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, from, err := rtpConn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, tr.ServerPorts[0], from.Port)
	pkt := &rtp.Packet{}
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	assert.Equal(t, uint8(elements.JPEGPayloadType), pkt.PayloadType)

	// receiver reports keep the session alive
	rr, err := (&rtcp.ReceiverReport{SSRC: 1}).Marshal()
	require.NoError(t, err)
	_, err = rtcpConn.WriteToUDP(rr, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: tr.ServerPorts[1]})
	require.NoError(t, err)
}

func TestServer_ConstructionFailures(t *testing.T) {
	registry := pipeline.NewRegistry()
	srv := startServer(t, Options{Registry: registry})

	// no payloader in the template
	noPay := launchFactory(t, "videotestsrc ! fakesink", nil)
	require.NoError(t, srv.MountPoints().AddFactory("/nopay", noPay))

	// the camera cannot be opened, so PLAYING fails
	broken := errors.New("camera unplugged")
	cameraFail := NewMediaFactory(pipeline.TemplateFunc(func(opts pipeline.Options) (*pipeline.Pipeline, error) {
		env := &elements.Env{Devices: func(string) (elements.Device, error) { return nil, broken }}
		return pipeline.NewBuilder(elements.NewFactories(env), opts).
			Add("camerasrc", "cam").
			Add("jpegenc", "").
			Add("rtpgenpay", "pay0").
			Build()
	}))
	require.NoError(t, srv.MountPoints().AddFactory("/camera", cameraFail))

	// the template itself fails
	failing := NewMediaFactory(pipeline.TemplateFunc(func(pipeline.Options) (*pipeline.Pipeline, error) {
		return nil, pipeline.ErrNoSuchElement
	}))
	require.NoError(t, srv.MountPoints().AddFactory("/failing", failing))

	for path, want := range map[string]base.StatusCode{
		"/nopay":   base.StatusServiceUnavailable,
		"/camera":  base.StatusInternalServerError,
		"/failing": base.StatusServiceUnavailable,
	} {
		c := dial(t, srv, path)
		assert.Equal(t, want, c.do(base.Describe, c.base).StatusCode, path)
	}
	assert.Zero(t, livePipelines(registry))
	assert.Empty(t, noPay.Medias())
	assert.Empty(t, cameraFail.Medias())
}

func TestServer_AdmissionRejects(t *testing.T) {
	busy := errors.New("cpu above threshold")
	srv := startServer(t, Options{Admission: func(ctx context.Context, path string) error { return busy }})
	f := launchFactory(t, liveJPEG, nil)
	require.NoError(t, srv.MountPoints().AddFactory("/test", f))

	c := dial(t, srv, "/test")
	assert.Equal(t, base.StatusServiceUnavailable, c.do(base.Describe, c.base).StatusCode)
	assert.Zero(t, f.Instantiations())
}

type recordedSessions struct {
	mu      sync.Mutex
	opened  []string
	reasons []string
}

func (r *recordedSessions) SessionOpened(info SessionInfo) {
	r.mu.Lock()
	r.opened = append(r.opened, info.ID)
	r.mu.Unlock()
}

func (r *recordedSessions) SessionClosed(info SessionInfo, reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *recordedSessions) opens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.opened)
}

func (r *recordedSessions) closed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

func TestServer_IdleSessionTimesOut(t *testing.T) {
	rec := &recordedSessions{}
	srv := startServer(t, Options{SessionTimeout: 150 * time.Millisecond, Recorder: rec})
	f := launchFactory(t, liveJPEG, nil)
	require.NoError(t, srv.MountPoints().AddFactory("/test", f))

	c := dial(t, srv, "/test")
	require.Equal(t, base.StatusOK, c.do(base.Describe, c.base).StatusCode)
	require.Equal(t, base.StatusOK, c.setup("RTP/AVP/TCP;unicast;interleaved=0-1").StatusCode)
	require.Len(t, srv.Sessions(), 1)

	assert.Eventually(t, func() bool { return len(srv.Sessions()) == 0 }, 3*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool { return len(f.Medias()) == 0 }, time.Second, 10*time.Millisecond)
	require.Len(t, rec.closed(), 1)
	assert.Contains(t, []string{"timeout", "disconnect"}, rec.closed()[0])
	assert.Equal(t, 1, rec.opens())
}

func TestServer_DisconnectReleasesDescribedMedia(t *testing.T) {
	srv := startServer(t, Options{})
	f := launchFactory(t, liveJPEG, nil)
	require.NoError(t, srv.MountPoints().AddFactory("/test", f))

	c := dial(t, srv, "/test")
	require.Equal(t, base.StatusOK, c.do(base.Describe, c.base).StatusCode)
	require.Len(t, f.Medias(), 1)
	c.nc.Close()
	assert.Eventually(t, func() bool { return len(f.Medias()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_UnsupportedTransport(t *testing.T) {
	srv := startServer(t, Options{})
	require.NoError(t, srv.MountPoints().AddFactory("/test", launchFactory(t, liveJPEG, nil)))
	c := dial(t, srv, "/test")
	resp := c.setup("RTP/AVP;multicast;destination=224.2.0.1")
	assert.Equal(t, base.StatusUnsupportedTransport, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.StatusMessage, "Unsupported"))
}

func TestServer_OversizedRequestBodyIs400(t *testing.T) {
	srv := startServer(t, Options{})
	require.NoError(t, srv.MountPoints().AddFactory("/test", launchFactory(t, liveJPEG, nil)))

	c := dial(t, srv, "/test")
	_, err := c.nc.Write([]byte("DESCRIBE " + c.base + " RTSP/1.0\r\nCSeq: 1\r\nContent-Length: 2147483647\r\n\r\n"))
	require.NoError(t, err)
	c.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp base.Response
	require.NoError(t, resp.Unmarshal(c.br))
	assert.Equal(t, base.StatusBadRequest, resp.StatusCode)

	// the server keeps serving other connections
	other := dial(t, srv, "/test")
	assert.Equal(t, base.StatusOK, other.do(base.Options, "*").StatusCode)
}

func TestServer_BadStreamIndexLeavesNothingBehind(t *testing.T) {
	rec := &recordedSessions{}
	registry := pipeline.NewRegistry()
	srv := startServer(t, Options{Registry: registry, Recorder: rec})
	f := launchFactory(t, liveJPEG, nil)
	require.NoError(t, srv.MountPoints().AddFactory("/test", f))

	c := dial(t, srv, "/test")
	for _, control := range []string{"stream=7", "stream=abc", "track1"} {
		resp := c.do(base.Setup, c.base+"/"+control, "Transport", "RTP/AVP/TCP;unicast;interleaved=0-1")
		assert.Equal(t, base.StatusNotFound, resp.StatusCode, control)
		assert.Empty(t, f.Medias(), control)
		assert.Empty(t, srv.Sessions(), control)
	}
	assert.Zero(t, livePipelines(registry))
	assert.Zero(t, rec.opens())

	// media built by DESCRIBE survives a bad SETUP and is still claimable
	require.Equal(t, base.StatusOK, c.do(base.Describe, c.base).StatusCode)
	resp := c.do(base.Setup, c.base+"/stream=7", "Transport", "RTP/AVP/TCP;unicast;interleaved=0-1")
	assert.Equal(t, base.StatusNotFound, resp.StatusCode)
	require.Len(t, f.Medias(), 1)
	assert.Equal(t, base.StatusOK, c.setup("RTP/AVP/TCP;unicast;interleaved=0-1").StatusCode)
	assert.Len(t, srv.Sessions(), 1)
	assert.Equal(t, 2, f.Instantiations())
}

func TestServer_SetupOnTornDownSessionIs454(t *testing.T) {
	srv := startServer(t, Options{})
	f := launchFactory(t, liveJPEG, nil)
	require.NoError(t, srv.MountPoints().AddFactory("/test", f))

	c := dial(t, srv, "/test")
	require.Equal(t, base.StatusOK, c.setup("RTP/AVP/TCP;unicast;interleaved=0-1").StatusCode)
	require.Equal(t, base.StatusOK, c.do(base.Teardown, c.base).StatusCode)
	assert.Equal(t, base.StatusSessionNotFound, c.setup("RTP/AVP/TCP;unicast;interleaved=0-1").StatusCode)
	assert.Empty(t, f.Medias())
}
