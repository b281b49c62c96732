package clock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	apperrors "github.com/mantonx/syncstream/internal/errors"
)

// Source performs one exchange with a time authority
type Source interface {
	Query(ctx context.Context) (Sample, error)
	Close() error
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context) (Sample, error)

func (f SourceFunc) Query(ctx context.Context) (Sample, error) { return f(ctx) }
func (f SourceFunc) Close() error { return nil }

// NetworkClock tracks a remote time authority. Until synchronized it
// reports local time corrected by the best estimate so far.
type NetworkClock struct {
	id     string
	anchor time.Time
	source Source
	opts   Options
	logger hclog.Logger

	offset atomic.Int64 // current correction in nanoseconds
	last   atomic.Int64 // last value returned by Time

	mu  sync.Mutex
	est *estimator

	synced   atomic.Bool
	syncCh   chan struct{}
	syncOnce sync.Once

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	owners ownerSet
}

// NewNetworkClock creates a clock over source. One exchange is performed
// before returning; if it fails the source is closed and a
// KindClockUnavailable error is returned.
func NewNetworkClock(ctx context.Context, source Source, opts Options) (*NetworkClock, error) {
	opts.applyDefaults()

	queryCtx, cancel := context.WithTimeout(ctx, opts.QueryTimeout)
	sample, err := source.Query(queryCtx)
	cancel()
	if err != nil {
		source.Close()
		return nil, apperrors.ClockUnavailable("create_clock", err).
			WithDetail("address", opts.Address).
			WithDetail("port", opts.Port)
	}

	c := &NetworkClock{
		id:     uuid.New().String(),
		anchor: time.Now(),
		source: source,
		opts:   opts,
		logger: opts.Logger.Named("clock"),
		est:    newEstimator(opts.WindowSize, opts.MaxRTT),
		syncCh: make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	c.logger.Info("time authority reachable",
		"kind", opts.Kind,
		"address", opts.Address,
		"offset", sample.Offset,
		"rtt", sample.RTT)
	c.addSample(sample)

	go c.run()
	return c, nil
}

func (c *NetworkClock) ID() string { return c.id }

// Time returns local time plus the current offset, clamped so that it
// never goes backwards when the offset is corrected downward.
func (c *NetworkClock) Time() time.Duration {
	now := int64(localTime(c.anchor)) + c.offset.Load()
	for {
		last := c.last.Load()
		if now <= last {
			return time.Duration(last)
		}
		if c.last.CompareAndSwap(last, now) {
			return time.Duration(now)
		}
	}
}

func (c *NetworkClock) Synced() bool { return c.synced.Load() }

// WaitForSync blocks until the clock is synchronized. It returns a
// KindClockUnavailable error wrapping ErrTimeout if ctx ends first, or
// ErrClosed if the clock is closed before synchronizing.
func (c *NetworkClock) WaitForSync(ctx context.Context) error {
	select {
	case <-c.syncCh:
		return nil
	default:
	}
	select {
	case <-c.syncCh:
		return nil
	case <-c.done:
		if c.Synced() {
			return nil
		}
		return apperrors.ClockUnavailable("wait_for_sync", apperrors.ErrClosed)
	case <-ctx.Done():
		return apperrors.ClockUnavailable("wait_for_sync",
			fmt.Errorf("%w: %v", apperrors.ErrTimeout, ctx.Err()))
	}
}

func (c *NetworkClock) Retain(owner string) { c.owners.retain(owner) }
func (c *NetworkClock) Release(owner string) { c.owners.release(owner) }
func (c *NetworkClock) Owners() []string { return c.owners.list() }

// Close stops polling and releases the source
func (c *NetworkClock) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
		err = c.source.Close()
		c.logger.Debug("clock closed", "id", c.id)
	})
	return err
}

func (c *NetworkClock) run() {
	defer close(c.done)

	interval := c.opts.BurstInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-timer.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.QueryTimeout)
		sample, err := c.source.Query(ctx)
		cancel()
		if err != nil {
			c.logger.Debug("time exchange failed", "error", err)
		} else {
			c.addSample(sample)
		}

		if c.Synced() {
			interval = c.opts.PollInterval
		}
		timer.Reset(interval)
	}
}

func (c *NetworkClock) addSample(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.est.add(s) {
		c.logger.Trace("sample rejected", "rtt", s.RTT)
		return
	}

	offset, spread, ok := c.est.estimate()
	if !ok {
		return
	}
	c.offset.Store(int64(offset))

	if c.est.len() >= c.opts.MinSamples && spread <= c.opts.SyncThreshold {
		c.markSynced(offset, spread)
	}
}

func (c *NetworkClock) markSynced(offset, spread time.Duration) {
	c.syncOnce.Do(func() {
		c.synced.Store(true)
		close(c.syncCh)
		c.logger.Info("clock synchronized",
			"offset", offset,
			"spread", spread,
			"samples", c.est.len())
		if c.opts.OnSync != nil {
			go c.opts.OnSync(c.id, offset, spread)
		}
	})
}
