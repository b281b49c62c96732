// Package sysinfo samples host load and turns it into admission decisions
// for new media.
package sysinfo

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	apperrors "github.com/mantonx/syncstream/internal/errors"
)

// Metrics is one host load sample
type Metrics struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Load1         float64   `json:"load1"`
	NumCPU        int       `json:"num_cpu"`
	Goroutines    int       `json:"goroutines"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Sampler reads the current host load
type Sampler func(ctx context.Context) (Metrics, error)

// HostSampler reads CPU, memory and load average through gopsutil. CPU is
// measured since the previous call, so the first sample may read zero.
func HostSampler(ctx context.Context) (Metrics, error) {
	m := Metrics{
		NumCPU:     runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now(),
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return m, fmt.Errorf("memory stats: %w", err)
	}
	m.MemoryPercent = vm.UsedPercent

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return m, fmt.Errorf("cpu stats: %w", err)
	}
	if len(percents) > 0 {
		m.CPUPercent = percents[0]
	}

	// load average is unavailable on some platforms
	if avg, err := load.AvgWithContext(ctx); err == nil {
		m.Load1 = avg.Load1
	}
	return m, nil
}

// Options configures a Monitor
type Options struct {
	Interval        time.Duration
	CPUThreshold    float64
	MemoryThreshold float64
	Sampler         Sampler
	Logger          hclog.Logger
}

// Monitor keeps the latest sample fresh in the background
type Monitor struct {
	opts   Options
	logger hclog.Logger

	mu      sync.RWMutex
	latest  Metrics
	sampled bool
	lastErr error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor; Start begins sampling
func NewMonitor(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Sampler == nil {
		opts.Sampler = HostSampler
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &Monitor{opts: opts, logger: opts.Logger.Named("sysinfo")}
}

// Start takes one sample and then samples every interval until Stop or ctx
// is done
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.update(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.update(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends background sampling
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) update(ctx context.Context) {
	metrics, err := m.opts.Sampler(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
	if err != nil {
		m.logger.Warn("host sample failed", "error", err)
		return
	}
	m.latest, m.sampled = metrics, true
}

// Metrics returns the latest sample and whether one exists
func (m *Monitor) Metrics() (Metrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.sampled
}

// Overloaded reports a threshold the latest sample exceeds. Thresholds of
// zero are not checked.
func (m *Monitor) Overloaded() (string, bool) {
	metrics, ok := m.Metrics()
	if !ok {
		return "", false
	}
	if t := m.opts.CPUThreshold; t > 0 && metrics.CPUPercent > t {
		return fmt.Sprintf("cpu %.1f%% over %.1f%%", metrics.CPUPercent, t), true
	}
	if t := m.opts.MemoryThreshold; t > 0 && metrics.MemoryPercent > t {
		return fmt.Sprintf("memory %.1f%% over %.1f%%", metrics.MemoryPercent, t), true
	}
	return "", false
}

// Admit refuses new media while the host is overloaded. It has the shape
// of an RTSP admission hook.
func (m *Monitor) Admit(_ context.Context, path string) error {
	if reason, over := m.Overloaded(); over {
		m.logger.Warn("refusing media", "path", path, "reason", reason)
		return apperrors.Newf(apperrors.KindSessionRejected, "admit", "host overloaded: %s", reason).
			WithDetail("path", path)
	}
	return nil
}
