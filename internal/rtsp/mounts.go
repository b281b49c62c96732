package rtsp

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	apperrors "github.com/mantonx/syncstream/internal/errors"
)

// MountPoints maps request paths to media factories
type MountPoints struct {
	mu        sync.RWMutex
	factories map[string]*MediaFactory
}

func NewMountPoints() *MountPoints {
	return &MountPoints{factories: make(map[string]*MediaFactory)}
}

// AddFactory mounts f at path, replacing any previous factory
func (m *MountPoints) AddFactory(path string, f *MediaFactory) error {
	path = cleanPath(path)
	if path == "/" {
		return apperrors.Validation("add_factory", fmt.Errorf("mount path must not be the root"))
	}
	if f == nil {
		return apperrors.Validation("add_factory", fmt.Errorf("nil factory for %s", path))
	}
	m.mu.Lock()
	m.factories[path] = f
	m.mu.Unlock()
	return nil
}

// RemoveFactory unmounts path. Live media keep running until released.
func (m *MountPoints) RemoveFactory(path string) bool {
	path = cleanPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.factories[path]
	delete(m.factories, path)
	return ok
}

// Factory returns the factory mounted exactly at path
func (m *MountPoints) Factory(path string) (*MediaFactory, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.factories[cleanPath(path)]
	return f, ok
}

// Paths lists the mounted paths
func (m *MountPoints) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.factories))
	for p := range m.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Match resolves a request path to the longest mounted prefix. The rest
// of the path, such as a stream control suffix, is returned separately.
func (m *MountPoints) Match(path string) (mount string, f *MediaFactory, rest string, err error) {
	path = cleanPath(path)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for candidate := path; ; {
		if f, ok := m.factories[candidate]; ok {
			return candidate, f, strings.TrimPrefix(strings.TrimPrefix(path, candidate), "/"), nil
		}
		i := strings.LastIndexByte(candidate, '/')
		if i <= 0 {
			break
		}
		candidate = candidate[:i]
	}
	return "", nil, "", apperrors.SessionRejected("match_mount",
		fmt.Errorf("no media mounted at %s: %w", path, apperrors.ErrNotFound))
}

// requestPath extracts the path of an rtsp:// request URI
func requestPath(uri string) (string, error) {
	if strings.HasPrefix(uri, "/") {
		return cleanPath(uri), nil
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}
	return cleanPath(u.Path), nil
}

func cleanPath(p string) string {
	return "/" + strings.Trim(p, "/")
}
