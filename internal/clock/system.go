package clock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SystemClock is the local monotonic clock. It is always synchronized.
type SystemClock struct {
	id     string
	anchor time.Time
	owners ownerSet
}

// NewSystemClock creates a system clock anchored at the current wall time
func NewSystemClock() *SystemClock {
	return &SystemClock{
		id:     uuid.New().String(),
		anchor: time.Now(),
	}
}

func (c *SystemClock) ID() string { return c.id }
func (c *SystemClock) Time() time.Duration { return localTime(c.anchor) }
func (c *SystemClock) Synced() bool { return true }
func (c *SystemClock) WaitForSync(ctx context.Context) error { return nil }
func (c *SystemClock) Retain(owner string) { c.owners.retain(owner) }
func (c *SystemClock) Release(owner string) { c.owners.release(owner) }
func (c *SystemClock) Owners() []string { return c.owners.list() }
func (c *SystemClock) Close() error { return nil }

// ownerSet counts references by owner name
type ownerSet struct {
	mu   sync.Mutex
	refs map[string]int
}

func (s *ownerSet) retain(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == nil {
		s.refs = make(map[string]int)
	}
	s.refs[owner]++
}

func (s *ownerSet) release(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[owner] <= 1 {
		delete(s.refs, owner)
		return
	}
	s.refs[owner]--
}

func (s *ownerSet) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.refs))
	for owner := range s.refs {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out
}
