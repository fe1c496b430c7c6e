package stats

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarizeKnownSet(t *testing.T) {
	r := NewRecorder(3)
	r.Record(0.010)
	r.Record(0.020)
	r.Record(0.030)

	s := r.Summarize()

	require.Equal(t, 3, s.Count)
	assert.InDelta(t, 20.0, s.MeanMillis(), 1e-9)
	assert.InDelta(t, 200.0/3.0, s.VarianceMillis2(), 1e-6)
	assert.InDelta(t, 0.010, s.Min, 1e-12)
	assert.InDelta(t, 0.030, s.Max, 1e-12)
	assert.InDelta(t, 0.020, s.P50, 1e-12)
}

func TestSummarizeEmpty(t *testing.T) {
	s := NewRecorder(0).Summarize()

	assert.True(t, s.Empty())
	assert.Zero(t, s.Mean)
	assert.Zero(t, s.Variance)
	assert.Zero(t, s.P99)
}

func TestSummarizeSingle(t *testing.T) {
	r := NewRecorder(1)
	r.Record(0.005)

	s := r.Summarize()
	assert.Equal(t, 1, s.Count)
	assert.Zero(t, s.Variance)
	assert.InDelta(t, 0.005, s.P90, 1e-12)
}

func TestWelfordMatchesTwoPass(t *testing.T) {
	values := []float64{0.0031, 0.0042, 0.0107, 0.0009, 0.0250, 0.0048, 0.0033}

	r := NewRecorder(len(values))
	for _, v := range values {
		r.Record(v)
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	variance := sq / float64(len(values))

	s := r.Summarize()
	assert.InDelta(t, mean, s.Mean, 1e-15)
	assert.InDelta(t, variance, s.Variance, 1e-15)
}

func TestPercentiles(t *testing.T) {
	r := NewRecorder(101)
	for i := 100; i >= 0; i-- {
		r.Record(float64(i))
	}

	s := r.Summarize()
	assert.InDelta(t, 50.0, s.P50, 1e-9)
	assert.InDelta(t, 90.0, s.P90, 1e-9)
	assert.InDelta(t, 99.0, s.P99, 1e-9)
}

func TestLatenciesPreserveOrder(t *testing.T) {
	r := NewRecorder(0)
	r.Record(3)
	r.Record(1)
	r.Record(2)

	got := r.Latencies()
	assert.Equal(t, []float64{3, 1, 2}, got)

	got[0] = 99
	assert.Equal(t, 3.0, r.Latencies()[0], "returned slice must be a copy")
}

func TestDecodeFailuresDoNotTouchLatencies(t *testing.T) {
	r := NewRecorder(0)
	r.Record(0.001)
	r.RecordDecodeFailure()
	r.RecordDecodeFailure()

	s := r.Summarize()
	assert.Equal(t, 1, s.Count)
	assert.Equal(t, 2, s.DecodeFailures)
	assert.InDelta(t, 0.001, s.Mean, 1e-12)
}

func TestConcurrentRecordAndSummarize(t *testing.T) {
	r := NewRecorder(0)

	const writers, perWriter = 4, 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				r.Record(0.001)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			s := r.Summarize()
			if s.Count > 0 {
				assert.InDelta(t, 0.001, s.Mean, 1e-12)
			}
		}
	}()

	wg.Wait()
	<-done

	s := r.Summarize()
	require.Equal(t, writers*perWriter, s.Count)
	assert.False(t, math.IsNaN(s.Variance))
	assert.InDelta(t, 0, s.Variance, 1e-15)
}
