package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/beevik/ntp"
)

// NTPSource queries an SNTP server
type NTPSource struct {
	host    string
	port    int
	timeout time.Duration
}

// NewNTPSource creates a source for host:port
func NewNTPSource(host string, port int, timeout time.Duration) (*NTPSource, error) {
	if host == "" {
		return nil, fmt.Errorf("ntp host is required")
	}
	if port <= 0 {
		port = 123
	}
	return &NTPSource{host: host, port: port, timeout: timeout}, nil
}

// Query performs one SNTP exchange. The exchange is bounded by the smaller
// of the source timeout and the ctx deadline.
func (s *NTPSource) Query(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	opts := ntp.QueryOptions{Port: s.port, Timeout: s.timeout}
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < opts.Timeout || opts.Timeout == 0 {
			opts.Timeout = d
		}
	}

	resp, err := ntp.QueryWithOptions(s.host, opts)
	if err != nil {
		return Sample{}, fmt.Errorf("ntp query %s: %w", hostPort(s.host, s.port), err)
	}
	if err := resp.Validate(); err != nil {
		return Sample{}, fmt.Errorf("ntp response from %s: %w", s.host, err)
	}

	return Sample{Offset: resp.ClockOffset, RTT: resp.RTT}, nil
}

func (s *NTPSource) Close() error { return nil }
