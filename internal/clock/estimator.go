package clock

import (
	"sort"
	"time"
)

// Sample is one exchange with a time authority
type Sample struct {
	// Offset is authority time minus local time at the exchange midpoint
	Offset time.Duration
	// RTT is the round-trip delay of the exchange
	RTT time.Duration
}

// estimator keeps a window of samples and derives an offset from the
// lowest-delay half, where queuing noise is smallest.
type estimator struct {
	window  int
	maxRTT  time.Duration
	samples []Sample
}

func newEstimator(window int, maxRTT time.Duration) *estimator {
	return &estimator{
		window:  window,
		maxRTT:  maxRTT,
		samples: make([]Sample, 0, window),
	}
}

// add records s, reporting whether it was accepted
func (e *estimator) add(s Sample) bool {
	if s.RTT < 0 || s.RTT > e.maxRTT {
		return false
	}
	if len(e.samples) == e.window {
		copy(e.samples, e.samples[1:])
		e.samples = e.samples[:e.window-1]
	}
	e.samples = append(e.samples, s)
	return true
}

func (e *estimator) len() int {
	return len(e.samples)
}

// estimate returns the median offset of the lowest-RTT half of the window
// and the spread (max - min offset) of that half.
func (e *estimator) estimate() (offset, spread time.Duration, ok bool) {
	if len(e.samples) == 0 {
		return 0, 0, false
	}

	sorted := make([]Sample, len(e.samples))
	copy(sorted, e.samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].RTT < sorted[j].RTT })

	best := sorted[:(len(sorted)+1)/2]
	offsets := make([]time.Duration, len(best))
	for i, s := range best {
		offsets[i] = s.Offset
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	n := len(offsets)
	if n%2 == 1 {
		offset = offsets[n/2]
	} else {
		offset = (offsets[n/2-1] + offsets[n/2]) / 2
	}
	return offset, offsets[n-1] - offsets[0], true
}
