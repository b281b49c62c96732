package rtsp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/syncstream/internal/clock"
	"github.com/mantonx/syncstream/internal/elements"
	"github.com/mantonx/syncstream/internal/pipeline"
)

const liveJPEG = "( videotestsrc is-live=true ! video/x-raw,width=16,height=16 ! jpegenc ! rtpjpegpay name=pay0 )"

// startServer serves on a loopback port until the test ends
func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(opts)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		require.NoError(t, srv.Shutdown(shutdownCtx))
		cancel()
		<-served
	})
	return srv
}

func launchFactory(t *testing.T, desc string, c clock.Clock) *MediaFactory {
	t.Helper()
	f, err := NewLaunchFactory(elements.NewFactories(nil), desc)
	require.NoError(t, err)
	f.SetClock(c)
	return f
}

// frame is one interleaved packet seen by the client
type frame struct {
	channel int
	data    []byte
}

// client is a minimal RTSP client speaking over one connection
type client struct {
	t       *testing.T
	nc      net.Conn
	br      *bufio.Reader
	base    string
	cseq    int
	session string
	frames  []frame
}

func dial(t *testing.T, srv *Server, path string) *client {
	t.Helper()
	nc, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return &client{
		t:    t,
		nc:   nc,
		br:   bufio.NewReader(nc),
		base: fmt.Sprintf("rtsp://%s%s", srv.Addr().String(), path),
	}
}

// do sends a request and returns its response, keeping interleaved
// frames that arrive first
func (c *client) do(method base.Method, uri string, headers ...string) *base.Response {
	c.t.Helper()
	c.cseq++
	msg := fmt.Sprintf("%s %s RTSP/1.0\r\nCSeq: %d\r\n", method, uri, c.cseq)
	if c.session != "" {
		msg += "Session: " + c.session + "\r\n"
	}
	for i := 0; i+1 < len(headers); i += 2 {
		msg += headers[i] + ": " + headers[i+1] + "\r\n"
	}
	_, err := c.nc.Write([]byte(msg + "\r\n"))
	require.NoError(c.t, err)

	c.nc.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		b, err := c.br.Peek(1)
		require.NoError(c.t, err)
		if b[0] != interleavedMagic {
			break
		}
		var f base.InterleavedFrame
		require.NoError(c.t, f.Unmarshal(c.br))
		c.frames = append(c.frames, frame{f.Channel, f.Payload})
	}
	resp := &base.Response{}
	require.NoError(c.t, resp.Unmarshal(c.br))
	require.Equal(c.t, strconv.Itoa(c.cseq), headerValue(resp.Header, "CSeq"))
	return resp
}

// setup sets up stream 0 and remembers the session
func (c *client) setup(transport string) *base.Response {
	c.t.Helper()
	resp := c.do(base.Setup, c.base+"/stream=0", "Transport", transport)
	if resp.StatusCode == base.StatusOK {
		c.session = sessionID(resp.Header)
	}
	return resp
}

// next returns the next interleaved frame
func (c *client) next() frame {
	c.t.Helper()
	if len(c.frames) > 0 {
		f := c.frames[0]
		c.frames = c.frames[1:]
		return f
	}
	c.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f base.InterleavedFrame
	require.NoError(c.t, f.Unmarshal(c.br))
	return frame{f.Channel, f.Payload}
}

func livePipelines(r *pipeline.Registry) int {
	return len(r.Live())
}
