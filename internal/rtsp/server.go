// Package rtsp serves pipeline templates to RTSP clients on demand. Each
// mount point holds a MediaFactory that materializes a pipeline per
// client or one shared, refcounted pipeline for all clients, on the clock
// the factory was given.
package rtsp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/headers"
	"github.com/hashicorp/go-hclog"
	apperrors "github.com/mantonx/syncstream/internal/errors"
	"github.com/mantonx/syncstream/internal/pipeline"
	"github.com/pion/rtcp"
)

// DefaultPort is the RTSP listen port
const DefaultPort = 8554

// AdmissionFunc may refuse new media or sessions, for example under load
type AdmissionFunc func(ctx context.Context, path string) error

// Options configures a Server
type Options struct {
	// Address to listen on; empty means ":8554"
	Address        string
	SessionTimeout time.Duration
	PrepareTimeout time.Duration
	Logger         hclog.Logger
	// Registry tracks every media pipeline
	Registry  *pipeline.Registry
	Admission AdmissionFunc
	Recorder  SessionRecorder
}

// Server is an RTSP server for the mounted factories
type Server struct {
	opts     Options
	logger   hclog.Logger
	mounts   *MountPoints
	sessions *sessionPool

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewServer(opts Options) *Server {
	if opts.Address == "" {
		opts.Address = ":" + strconv.Itoa(DefaultPort)
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &Server{
		opts:     opts,
		logger:   opts.Logger.Named("rtsp"),
		mounts:   NewMountPoints(),
		sessions: newSessionPool(),
		conns:    make(map[*conn]struct{}),
	}
}

func (s *Server) MountPoints() *MountPoints { return s.mounts }

// Sessions snapshots every live session
func (s *Server) Sessions() []SessionInfo {
	list := s.sessions.list()
	out := make([]SessionInfo, len(list))
	for i, sess := range list {
		out[i] = sess.Info()
	}
	return out
}

// Addr is the bound address once serving
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe listens on the configured address and serves until ctx
// is done or Shutdown is called
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return apperrors.Internal("rtsp_listen", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts RTSP connections on ln
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		ln.Close()
		return apperrors.ErrClosed
	}
	s.ln = ln
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.reap(ctx)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("rtsp server listening", "address", ln.Addr().String(), "mounts", s.mounts.Paths())
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}
		c := newConn(s, nc)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve(ctx)
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}

// reap closes sessions idle beyond their timeout
func (s *Server) reap(ctx context.Context) {
	defer s.wg.Done()
	interval := s.opts.SessionTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, sess := range s.sessions.expired(now) {
				s.logger.Info("session timed out", "session", sess.id, "path", sess.mount)
				s.closeSession(context.Background(), sess, "timeout")
			}
		}
	}
}

func (s *Server) closeSession(ctx context.Context, sess *Session, reason string) {
	s.sessions.remove(sess.id)
	info := sess.Info()
	if !sess.close(ctx) {
		return
	}
	if s.opts.Recorder != nil {
		s.opts.Recorder.SessionClosed(info, reason)
	}
}

// Shutdown stops accepting, closes every connection and session, and
// tears down all media
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, c := range conns {
		c.nc.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, sess := range s.sessions.list() {
		s.closeSession(ctx, sess, "shutdown")
	}
	for _, path := range s.mounts.Paths() {
		if f, ok := s.mounts.Factory(path); ok {
			f.shutdown(ctx)
		}
	}
	s.logger.Info("rtsp server stopped")
	return nil
}

func (s *Server) admit(ctx context.Context, path string) error {
	if s.opts.Admission == nil {
		return nil
	}
	if err := s.opts.Admission(ctx, path); err != nil {
		if apperrors.IsKind(err, apperrors.KindSessionRejected) {
			return err
		}
		return apperrors.SessionRejected("admit", err).WithElement(path)
	}
	return nil
}

func (s *Server) mediaEnv() mediaEnv {
	return mediaEnv{logger: s.opts.Logger, registry: s.opts.Registry, timeout: s.opts.PrepareTimeout}
}

// statusFor maps a failure to the RTSP reply code
func statusFor(err error) base.StatusCode {
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		return base.StatusNotFound
	case apperrors.IsKind(err, apperrors.KindSessionRejected),
		apperrors.IsKind(err, apperrors.KindClockUnavailable):
		return base.StatusServiceUnavailable
	case apperrors.IsKind(err, apperrors.KindValidation):
		return base.StatusServiceUnavailable
	default:
		return base.StatusInternalServerError
	}
}

// conn is one client control connection
type conn struct {
	srv    *Server
	nc     net.Conn
	br     *bufio.Reader
	logger hclog.Logger

	// writeMu orders responses with interleaved frames
	writeMu sync.Mutex

	// described holds media built by DESCRIBE until a SETUP claims it
	described map[string]*Media
}

func newConn(s *Server, nc net.Conn) *conn {
	return &conn{
		srv:       s,
		nc:        nc,
		br:        bufio.NewReaderSize(nc, 4096),
		logger:    s.logger.With("remote", nc.RemoteAddr().String()),
		described: make(map[string]*Media),
	}
}

func (c *conn) remote() string { return c.nc.RemoteAddr().String() }

func (c *conn) remoteIP() net.IP {
	if a, ok := c.nc.RemoteAddr().(*net.TCPAddr); ok {
		return a.IP
	}
	return net.IPv4(127, 0, 0, 1)
}

func (c *conn) localHost() string {
	if a, ok := c.nc.LocalAddr().(*net.TCPAddr); ok {
		return a.IP.String()
	}
	return ""
}

func (c *conn) serve(ctx context.Context) {
	defer c.cleanup()
	c.logger.Debug("connection opened")
	for {
		c.nc.SetReadDeadline(time.Now().Add(c.srv.opts.SessionTimeout))
		first, err := c.br.Peek(1)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("connection closed", "error", err)
			}
			return
		}
		if first[0] == interleavedMagic {
			var frame base.InterleavedFrame
			if err := frame.Unmarshal(c.br); err != nil {
				c.logger.Debug("read interleaved frame", "error", err)
				return
			}
			c.onInterleaved(frame.Channel, frame.Payload)
			continue
		}

		// bodies beyond the library's content length cap fail here
		var req base.Request
		if err := req.Unmarshal(c.br); err != nil {
			c.logger.Debug("read request", "error", err)
			c.write(newResponse(base.StatusBadRequest, nil))
			return
		}
		c.logger.Trace("request", "method", req.Method, "uri", requestURI(&req), "cseq", headerValue(req.Header, "CSeq"))
		resp := c.handle(ctx, &req)
		if err := c.write(resp); err != nil {
			c.logger.Debug("write response", "error", err)
			return
		}
	}
}

func (c *conn) write(resp *base.Response) error {
	buf, err := resp.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = c.nc.Write(buf)
	return err
}

// onInterleaved treats client RTCP as keepalive for its sessions
func (c *conn) onInterleaved(ch int, data []byte) {
	if ch%2 == 0 {
		return
	}
	if _, err := rtcp.Unmarshal(data); err != nil {
		c.logger.Trace("ignoring malformed rtcp", "error", err)
		return
	}
	for _, sess := range c.srv.sessions.ownedBy(c) {
		sess.touch()
	}
}

// cleanup closes the connection's sessions and unclaimed media
func (c *conn) cleanup() {
	c.nc.Close()
	for _, sess := range c.srv.sessions.ownedBy(c) {
		c.srv.closeSession(context.Background(), sess, "disconnect")
	}
	for mount, m := range c.described {
		m.factory.release(context.Background(), m)
		delete(c.described, mount)
	}
	c.logger.Debug("connection cleaned up")
}

func (c *conn) handle(ctx context.Context, req *base.Request) *base.Response {
	switch req.Method {
	case base.Options:
		resp := newResponse(base.StatusOK, req)
		resp.Header["Public"] = publicMethods
		return resp
	case base.Describe:
		return c.handleDescribe(ctx, req)
	case base.Setup:
		return c.handleSetup(ctx, req)
	case base.Play, base.Pause, base.Teardown, base.GetParameter:
		return c.handleSession(ctx, req)
	default:
		resp := newResponse(base.StatusNotImplemented, req)
		resp.Header["Public"] = publicMethods
		return resp
	}
}

func (c *conn) fail(req *base.Request, op string, err error) *base.Response {
	status := statusFor(err)
	c.logger.Warn("request rejected", "op", op, "uri", requestURI(req), "status", int(status), "error", err)
	return newResponse(status, req)
}

// resolve matches a request URI to its mount
func (c *conn) resolve(req *base.Request) (mount string, f *MediaFactory, rest string, err error) {
	if req.URL == nil {
		return "", nil, "", apperrors.SessionRejected("resolve", fmt.Errorf("no uri: %w", apperrors.ErrInvalidInput))
	}
	path, err := requestPath(req.URL.String())
	if err != nil {
		return "", nil, "", apperrors.SessionRejected("resolve", fmt.Errorf("bad uri %q: %w", req.URL, apperrors.ErrInvalidInput))
	}
	return c.srv.mounts.Match(path)
}

// mediaFor returns a media for mount, claiming one built by DESCRIBE
func (c *conn) mediaFor(ctx context.Context, mount string, f *MediaFactory) (*Media, error) {
	if m, ok := c.described[mount]; ok {
		delete(c.described, mount)
		return m, nil
	}
	if err := c.srv.admit(ctx, mount); err != nil {
		return nil, err
	}
	return f.acquire(ctx, mount, c.srv.mediaEnv())
}

// unclaim undoes mediaFor for a SETUP that failed before its session
// existed. Media built by DESCRIBE stays claimable.
func (c *conn) unclaim(ctx context.Context, mount string, m *Media, described bool) {
	if described {
		c.described[mount] = m
		return
	}
	m.factory.release(ctx, m)
}

func (c *conn) handleDescribe(ctx context.Context, req *base.Request) *base.Response {
	mount, f, _, err := c.resolve(req)
	if err != nil {
		return c.fail(req, "describe", err)
	}
	m, ok := c.described[mount]
	if !ok {
		if m, err = c.mediaFor(ctx, mount, f); err != nil {
			return c.fail(req, "describe", err)
		}
		c.described[mount] = m
	}
	body, err := describe(m, c.localHost())
	if err != nil {
		return c.fail(req, "describe", apperrors.Internal("describe", err))
	}
	resp := newResponse(base.StatusOK, req)
	resp.Header["Content-Type"] = base.HeaderValue{"application/sdp"}
	resp.Header["Content-Base"] = base.HeaderValue{strings.TrimSuffix(req.URL.String(), "/") + "/"}
	resp.Body = body
	return resp
}

// handleSetup validates the stream and the transport before a session
// exists, so a rejected SETUP leaves no session or media behind
func (c *conn) handleSetup(ctx context.Context, req *base.Request) *base.Response {
	mount, f, rest, err := c.resolve(req)
	if err != nil {
		return c.fail(req, "setup", err)
	}
	tr, err := parseTransport(req.Header["Transport"])
	if err != nil {
		c.logger.Debug("unsupported transport", "transport", headerValue(req.Header, "Transport"), "error", err)
		return newResponse(base.StatusUnsupportedTransport, req)
	}
	index, err := streamIndex(rest)
	if err != nil {
		return c.fail(req, "setup", apperrors.SessionRejected("setup",
			fmt.Errorf("bad control %q in %s: %w", rest, mount, apperrors.ErrNotFound)))
	}

	var (
		sess    *Session
		media   *Media
		claimed bool
	)
	if id := sessionID(req.Header); id != "" {
		existing, ok := c.srv.sessions.get(id)
		if !ok || existing.mount != mount {
			return newResponse(base.StatusSessionNotFound, req)
		}
		sess, media = existing, existing.media
	} else {
		_, claimed = c.described[mount]
		if media, err = c.mediaFor(ctx, mount, f); err != nil {
			return c.fail(req, "setup", err)
		}
	}
	abandon := func() {
		if sess == nil {
			c.unclaim(ctx, mount, media, claimed)
		}
	}

	stream, ok := media.Stream(index)
	if !ok {
		abandon()
		return c.fail(req, "setup", apperrors.SessionRejected("setup",
			fmt.Errorf("no stream %d in %s: %w", index, mount, apperrors.ErrNotFound)))
	}

	// RTCP on a UDP pair counts as activity of the session set up below
	var owner atomic.Pointer[Session]
	var tx sender
	var serverPorts *[2]int
	switch transportKind(tr) {
	case TransportTCP:
		tx = &interleavedSender{mu: &c.writeMu, w: c.nc, channels: *tr.InterleavedIDs}
	default:
		udp, err := newUDPSender(c.localHost(), c.remoteIP(), *tr.ClientPorts, func([]rtcp.Packet) {
			if s := owner.Load(); s != nil {
				s.touch()
			}
		}, c.logger)
		if err != nil {
			abandon()
			return c.fail(req, "setup", apperrors.Internal("setup_udp", err))
		}
		tx, serverPorts = udp, udp.serverPorts()
	}

	opened := sess == nil
	if opened {
		sess = newSession(mount, f, media, c, c.srv.opts.SessionTimeout)
	}
	owner.Store(sess)
	if err := sess.setup(stream, transportKind(tr), tx, c.logger.With("session", sess.id[:8], "stream", index)); err != nil {
		tx.close()
		if opened {
			sess.close(ctx)
		}
		c.logger.Debug("setup on closed session", "session", sess.id)
		return newResponse(base.StatusSessionNotFound, req)
	}
	if opened {
		c.srv.sessions.add(sess)
		if c.srv.opts.Recorder != nil {
			c.srv.opts.Recorder.SessionOpened(sess.Info())
		}
		c.logger.Info("session opened", "session", sess.id, "path", mount, "media", media.ID())
	}
	sess.touch()

	timeout := uint(c.srv.opts.SessionTimeout / time.Second)
	resp := newResponse(base.StatusOK, req)
	resp.Header["Transport"] = transportReply(tr, serverPorts)
	resp.Header["Session"] = headers.Session{Session: sess.id, Timeout: &timeout}.Marshal()
	return resp
}

// streamIndex reads a stream=N control suffix; an empty suffix is stream 0
func streamIndex(rest string) (int, error) {
	if rest == "" {
		return 0, nil
	}
	v, ok := strings.CutPrefix(rest, "stream=")
	if !ok {
		return 0, fmt.Errorf("unknown control %q", rest)
	}
	return strconv.Atoi(v)
}

func (c *conn) handleSession(ctx context.Context, req *base.Request) *base.Response {
	id := sessionID(req.Header)
	sess, ok := c.srv.sessions.get(id)
	if !ok {
		if req.Method == base.GetParameter && id == "" {
			return newResponse(base.StatusOK, req)
		}
		return newResponse(base.StatusSessionNotFound, req)
	}
	sess.touch()

	resp := newResponse(base.StatusOK, req)
	resp.Header["Session"] = base.HeaderValue{sess.id}
	switch req.Method {
	case base.Play:
		if sess.State() == SessionInit {
			return newResponse(base.StatusMethodNotValidInThisState, req)
		}
		sess.play()
		resp.Header["Range"] = base.HeaderValue{"npt=now-"}
		c.logger.Debug("session playing", "session", sess.id)
	case base.Pause:
		if sess.State() == SessionInit {
			return newResponse(base.StatusMethodNotValidInThisState, req)
		}
		sess.pause()
	case base.Teardown:
		c.srv.closeSession(ctx, sess, "teardown")
		c.logger.Info("session closed", "session", sess.id)
	}
	return resp
}
