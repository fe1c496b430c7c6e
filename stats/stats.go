// Package stats collects per-sample latencies and summarizes them.
//
// A Recorder is safe for concurrent use: transports record from their
// delivery goroutine while the driver may summarize from another.
package stats

import (
	"math"
	"sort"
	"sync"
)

// Summary describes the latencies recorded up to one point in time. All
// values are in seconds except Variance, which is in seconds squared.
type Summary struct {
	Count          int     `json:"count"`
	Mean           float64 `json:"mean_s"`
	Variance       float64 `json:"variance_s2"`
	Min            float64 `json:"min_s"`
	Max            float64 `json:"max_s"`
	P50            float64 `json:"p50_s"`
	P90            float64 `json:"p90_s"`
	P99            float64 `json:"p99_s"`
	DecodeFailures int     `json:"decode_failures"`
}

// Empty reports whether no latency has been recorded.
func (s Summary) Empty() bool {
	return s.Count == 0
}

// MeanMillis returns the mean latency in milliseconds.
func (s Summary) MeanMillis() float64 {
	return s.Mean * 1e3
}

// VarianceMillis2 returns the population variance in ms².
func (s Summary) VarianceMillis2() float64 {
	return s.Variance * 1e6
}

// StdDevMillis returns the population standard deviation in ms.
func (s Summary) StdDevMillis() float64 {
	return math.Sqrt(s.Variance) * 1e3
}

// Recorder is an append-only latency log with running moments.
type Recorder struct {
	mu        sync.Mutex
	latencies []float64
	mean      float64
	m2        float64
	min       float64
	max       float64
	failures  int
}

// NewRecorder creates a Recorder with room for hint samples.
func NewRecorder(hint int) *Recorder {
	if hint < 0 {
		hint = 0
	}

	return &Recorder{latencies: make([]float64, 0, hint)}
}

// Record appends one latency in seconds and returns the number of
// latencies recorded so far.
func (r *Recorder) Record(seconds float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.latencies = append(r.latencies, seconds)
	n := float64(len(r.latencies))

	// Welford's online update.
	delta := seconds - r.mean
	r.mean += delta / n
	r.m2 += delta * (seconds - r.mean)

	if len(r.latencies) == 1 || seconds < r.min {
		r.min = seconds
	}
	if len(r.latencies) == 1 || seconds > r.max {
		r.max = seconds
	}

	return len(r.latencies)
}

// RecordDecodeFailure counts a sample that could not be decoded.
func (r *Recorder) RecordDecodeFailure() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failures++

	return r.failures
}

// Count returns the number of recorded latencies.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.latencies)
}

// Latencies returns a copy of the recorded latencies in arrival order.
func (r *Recorder) Latencies() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]float64, len(r.latencies))
	copy(out, r.latencies)

	return out
}

// Summarize computes a Summary over exactly the latencies recorded at
// the time of the call. With no samples it returns a zero-count Summary.
func (r *Recorder) Summarize() Summary {
	r.mu.Lock()
	sorted := make([]float64, len(r.latencies))
	copy(sorted, r.latencies)
	s := Summary{
		Count:          len(r.latencies),
		Mean:           r.mean,
		Min:            r.min,
		Max:            r.max,
		DecodeFailures: r.failures,
	}
	if s.Count > 0 {
		s.Variance = r.m2 / float64(s.Count)
	}
	r.mu.Unlock()

	if s.Count == 0 {
		return s
	}

	sort.Float64s(sorted)
	s.P50 = percentile(sorted, 0.50)
	s.P90 = percentile(sorted, 0.90)
	s.P99 = percentile(sorted, 0.99)

	return s
}

// percentile uses linear interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	frac := rank - float64(lo)

	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
