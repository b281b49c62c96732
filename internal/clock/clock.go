// Package clock provides the process-wide synchronized time reference that
// every pipeline presents against.
//
// A Clock is created once by the process entry point, waited on until it
// reports synchronization, passed by reference to every pipeline, and closed
// at shutdown. Time never decreases, even when the synchronized offset is
// corrected backwards.
package clock

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	apperrors "github.com/mantonx/syncstream/internal/errors"
)

// Clock is a monotonic, synchronizable time base.
type Clock interface {
	// ID uniquely identifies the clock instance
	ID() string
	// Time returns the current clock time. Successive calls never decrease.
	Time() time.Duration
	// Synced reports whether synchronization has been achieved
	Synced() bool
	// WaitForSync blocks until synchronized or ctx is done
	WaitForSync(ctx context.Context) error
	// Retain records a pipeline referencing the clock
	Retain(owner string)
	// Release drops a reference recorded by Retain
	Release(owner string)
	// Owners lists the current references
	Owners() []string
	// Close stops background synchronization
	Close() error
}

// Kind selects the time authority protocol
type Kind string

const (
	// KindNTP synchronizes against an SNTP server
	KindNTP Kind = "ntp"
	// KindNet synchronizes against a TimeProvider
	KindNet Kind = "net"
	// KindSystem uses the local monotonic clock and is always synced
	KindSystem Kind = "system"
)

// Options configures clock creation and synchronization quality
type Options struct {
	Kind    Kind
	Address string
	Port    int

	// QueryTimeout bounds a single exchange with the time authority
	QueryTimeout time.Duration
	// BurstInterval is the poll cadence until synchronized
	BurstInterval time.Duration
	// PollInterval is the poll cadence once synchronized
	PollInterval time.Duration

	// WindowSize is the number of recent samples kept
	WindowSize int
	// MinSamples accepted before synchronization can be declared
	MinSamples int
	// SyncThreshold is the largest offset spread still counted as synced
	SyncThreshold time.Duration
	// MaxRTT rejects samples with a longer round trip
	MaxRTT time.Duration

	// OnSync is called once when synchronization is achieved, possibly
	// before New returns, with the ID of the synchronized clock
	OnSync func(clockID string, offset, spread time.Duration)

	Logger hclog.Logger
}

// DefaultOptions returns options for the public NTP pool
func DefaultOptions() Options {
	return Options{
		Kind:          KindNTP,
		Address:       "pool.ntp.org",
		Port:          123,
		QueryTimeout:  2 * time.Second,
		BurstInterval: 250 * time.Millisecond,
		PollInterval:  10 * time.Second,
		WindowSize:    16,
		MinSamples:    4,
		SyncThreshold: 10 * time.Millisecond,
		MaxRTT:        500 * time.Millisecond,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.Kind == "" {
		o.Kind = d.Kind
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = d.QueryTimeout
	}
	if o.BurstInterval <= 0 {
		o.BurstInterval = d.BurstInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.WindowSize <= 0 {
		o.WindowSize = d.WindowSize
	}
	if o.MinSamples <= 0 {
		o.MinSamples = d.MinSamples
	}
	if o.MinSamples > o.WindowSize {
		o.MinSamples = o.WindowSize
	}
	if o.SyncThreshold <= 0 {
		o.SyncThreshold = d.SyncThreshold
	}
	if o.MaxRTT <= 0 {
		o.MaxRTT = d.MaxRTT
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
}

// New creates a clock for the configured authority. For network kinds it
// performs one exchange before returning; an unreachable authority yields a
// KindClockUnavailable error and no clock.
func New(ctx context.Context, opts Options) (Clock, error) {
	opts.applyDefaults()

	switch opts.Kind {
	case KindSystem:
		return NewSystemClock(), nil
	case KindNTP:
		src, err := NewNTPSource(opts.Address, opts.Port, opts.QueryTimeout)
		if err != nil {
			return nil, apperrors.ClockUnavailable("create_clock", err)
		}
		return NewNetworkClock(ctx, src, opts)
	case KindNet:
		src, err := NewNetSource(opts.Address, opts.Port)
		if err != nil {
			return nil, apperrors.ClockUnavailable("create_clock", err)
		}
		return NewNetworkClock(ctx, src, opts)
	default:
		return nil, apperrors.Validation("create_clock", fmt.Errorf("unknown clock kind %q", opts.Kind))
	}
}

// Offset returns the presentation delay between two clock readings, for
// comparing timestamps drawn from different pipelines.
func Offset(a, b time.Duration) time.Duration {
	if a > b {
		return a - b
	}
	return b - a
}

func hostPort(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}

// localTime is the wall-anchored monotonic reading shared by all clocks:
// the Unix time at anchor plus monotonic time elapsed since then.
func localTime(anchor time.Time) time.Duration {
	return time.Duration(anchor.UnixNano()) + time.Since(anchor)
}
