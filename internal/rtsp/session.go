package rtsp

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// DefaultSessionTimeout tears down sessions without client activity
const DefaultSessionTimeout = 60 * time.Second

// SessionState is the RTSP state of a session
type SessionState int

const (
	SessionInit SessionState = iota
	SessionReady
	SessionPlaying
)

func (s SessionState) String() string {
	switch s {
	case SessionReady:
		return "ready"
	case SessionPlaying:
		return "playing"
	default:
		return "init"
	}
}

// SessionInfo is a snapshot of a session for listing and recording
type SessionInfo struct {
	ID           string        `json:"id"`
	Path         string        `json:"path"`
	MediaID      string        `json:"media_id"`
	Shared       bool          `json:"shared"`
	State        string        `json:"state"`
	Transport    string        `json:"transport"`
	Remote       string        `json:"remote"`
	Streams      int           `json:"streams"`
	Created      time.Time     `json:"created"`
	LastActivity time.Time     `json:"last_activity"`
	Timeout      time.Duration `json:"timeout"`
}

// SessionRecorder observes session lifetimes
type SessionRecorder interface {
	SessionOpened(info SessionInfo)
	SessionClosed(info SessionInfo, reason string)
}

// Session is one client's hold on a media
type Session struct {
	id      string
	mount   string
	factory *MediaFactory
	media   *Media
	remote  string
	owner   *conn
	timeout time.Duration
	created time.Time

	mu           sync.Mutex
	state        SessionState
	transport    TransportKind
	targets      map[int]*target
	lastActivity time.Time
	closed       bool
}

func newSession(mount string, f *MediaFactory, m *Media, owner *conn, timeout time.Duration) *Session {
	now := time.Now()
	return &Session{
		id:           uuid.New().String(),
		mount:        mount,
		factory:      f,
		media:        m,
		remote:       owner.remote(),
		owner:        owner,
		timeout:      timeout,
		created:      now,
		targets:      make(map[int]*target),
		lastActivity: now,
	}
}

func (s *Session) ID() string    { return s.id }
func (s *Session) Media() *Media { return s.media }

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity) > s.timeout
}

// Info snapshots the session
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:           s.id,
		Path:         s.mount,
		MediaID:      s.media.ID(),
		Shared:       s.media.Shared(),
		State:        s.state.String(),
		Transport:    s.transport.String(),
		Remote:       s.remote,
		Streams:      len(s.targets),
		Created:      s.created,
		LastActivity: s.lastActivity,
		Timeout:      s.timeout,
	}
}

// errSessionClosed refuses a SETUP that raced a teardown or timeout
var errSessionClosed = errors.New("session closed")

// setup attaches a transport for one stream, replacing an earlier one
func (s *Session) setup(stream *Stream, kind TransportKind, tx sender, logger hclog.Logger) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}
	t := newTarget(tx, logger)
	s.targets[stream.Index()] = t
	s.transport = kind
	playing := s.state == SessionPlaying
	if s.state == SessionInit {
		s.state = SessionReady
	}
	t.playing.Store(playing)
	// attached under mu so close cannot miss the target
	old := stream.addTarget(s.id, t)
	s.mu.Unlock()
	if old != nil {
		old.stop()
	}
	return nil
}

// play starts delivery on every set-up stream and sends an initial
// sender report so receivers can synchronize immediately
func (s *Session) play() {
	s.mu.Lock()
	s.state = SessionPlaying
	targets := make(map[int]*target, len(s.targets))
	for i, t := range s.targets {
		targets[i] = t
	}
	s.mu.Unlock()
	for i, t := range targets {
		t.playing.Store(true)
		if stream, ok := s.media.Stream(i); ok {
			if data, ok := s.media.reportPacket(stream); ok {
				t.enqueue(packet{rtcp: true, data: data})
			}
		}
	}
}

func (s *Session) pause() {
	s.mu.Lock()
	s.state = SessionReady
	for _, t := range s.targets {
		t.playing.Store(false)
	}
	s.mu.Unlock()
}

// close detaches every stream and releases the media reference. It
// reports false when the session was already closed.
func (s *Session) close(ctx context.Context) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	indices := make([]int, 0, len(s.targets))
	for i := range s.targets {
		indices = append(indices, i)
	}
	s.targets = nil
	s.state = SessionInit
	s.mu.Unlock()

	for _, i := range indices {
		if stream, ok := s.media.Stream(i); ok {
			stream.removeTarget(s.id)
		}
	}
	s.factory.release(ctx, s.media)
	return true
}

// sessionPool indexes live sessions and reaps idle ones
type sessionPool struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func newSessionPool() *sessionPool {
	return &sessionPool{sessions: make(map[string]*Session)}
}

func (p *sessionPool) add(s *Session) {
	p.mu.Lock()
	p.sessions[s.id] = s
	p.mu.Unlock()
}

func (p *sessionPool) get(id string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	return s, ok
}

func (p *sessionPool) remove(id string) {
	p.mu.Lock()
	delete(p.sessions, id)
	p.mu.Unlock()
}

func (p *sessionPool) list() []*Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].created.Before(out[j].created) })
	return out
}

func (p *sessionPool) expired(now time.Time) []*Session {
	var out []*Session
	for _, s := range p.list() {
		if s.expired(now) {
			out = append(out, s)
		}
	}
	return out
}

func (p *sessionPool) ownedBy(c *conn) []*Session {
	var out []*Session
	for _, s := range p.list() {
		if s.owner == c {
			out = append(out, s)
		}
	}
	return out
}
