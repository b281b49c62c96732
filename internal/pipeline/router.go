package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	apperrors "github.com/mantonx/syncstream/internal/errors"
)

type route struct {
	prefix string
	sink   *Pad
}

// Router connects outputs of dynamic sources to registered branches by
// media type prefix. The first matching branch wins. A branch that is
// already linked is skipped, and outputs matching no branch are ignored.
type Router struct {
	host   Host
	logger hclog.Logger

	mu     sync.Mutex
	routes []route
}

// NewRouter creates a router posting warnings on host's bus
func NewRouter(host Host) *Router {
	logger := hclog.NewNullLogger()
	if host != nil {
		logger = host.Logger().Named("router")
	}
	return &Router{host: host, logger: logger}
}

// Register adds a branch entry for media types starting with prefix, such
// as "audio/x-raw" or "video/"
func (r *Router) Register(prefix string, sink *Pad) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{prefix: prefix, sink: sink})
}

// Attach routes every pad the source adds
func (r *Router) Attach(src DynamicSource) {
	src.OnPadAdded(func(pad *Pad) {
		_ = r.OnPadAdded(pad)
	})
}

// OnPadAdded routes one new source output. Unmatched media types and
// already-linked branches return nil. A structurally incompatible branch
// returns a KindLinkConnectionFailed error and posts a warning; other
// branches are unaffected.
func (r *Router) OnPadAdded(pad *Pad) error {
	caps := pad.Caps()
	if caps == nil {
		caps = pad.Template()
	}
	mediaType := caps.MediaType()

	r.mu.Lock()
	var target *route
	for i := range r.routes {
		if strings.HasPrefix(mediaType, r.routes[i].prefix) {
			target = &r.routes[i]
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		r.logger.Trace("no branch for media type", "pad", pad.String(), "type", mediaType)
		return nil
	}
	if target.sink.IsLinked() {
		r.logger.Info("branch already linked, ignoring", "pad", pad.String(), "type", mediaType, "branch", target.sink.String())
		return nil
	}

	if err := pad.Link(target.sink); err != nil {
		if apperrors.Is(err, ErrAlreadyLinked) {
			r.logger.Info("branch linked concurrently, ignoring", "pad", pad.String(), "branch", target.sink.String())
			return nil
		}
		linkErr := apperrors.Wrap(err, apperrors.KindLinkConnectionFailed, "route")
		r.logger.Warn("link failed", "pad", pad.String(), "branch", target.sink.String(), "error", err)
		if r.host != nil {
			r.host.Post(Message{
				Type:   MessageWarning,
				Source: parentName(pad),
				Err:    fmt.Errorf("type is %q but link failed: %w", mediaType, linkErr),
			})
		}
		return linkErr
	}

	r.logger.Debug("linked", "pad", pad.String(), "type", mediaType, "branch", target.sink.String())
	return nil
}

func parentName(pad *Pad) string {
	if pad.Parent() == nil {
		return ""
	}
	return pad.Parent().Name()
}
