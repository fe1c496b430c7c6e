package discovery

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiihann/latbench/failure"
	"github.com/weiihann/latbench/transport"
)

func TestMatchBeforeWait(t *testing.T) {
	s := New()
	require.True(t, s.Apply(transport.MatchEvent{Delta: 1, Peer: "a"}))

	start := time.Now()
	require.NoError(t, s.WaitForMatch(context.Background(), time.Second))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitReleasedByLaterMatch(t *testing.T) {
	s := New()

	const waiters = 5
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() { errs <- s.WaitForMatch(context.Background(), 0) }()
	}

	time.Sleep(20 * time.Millisecond)
	s.Handler()(transport.MatchEvent{Delta: 1})

	for i := 0; i < waiters; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiter not released")
		}
	}
}

func TestMatchIsLatched(t *testing.T) {
	s := New()
	s.Apply(transport.MatchEvent{Delta: 1, Peer: "a"})
	s.Apply(transport.MatchEvent{Delta: -1, Peer: "a"})

	require.NoError(t, s.WaitForMatch(context.Background(), 10*time.Millisecond))

	st := s.State()
	assert.Equal(t, 0, st.Count)
	assert.True(t, st.EverMatched)
	assert.Empty(t, st.Peers)
}

func TestWaitTimeout(t *testing.T) {
	s := New()

	err := s.WaitForMatch(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, failure.ErrDiscoveryTimeout)
	assert.Equal(t, failure.ExitDiscoveryTimeout, failure.ExitCode(err))
}

func TestWaitStopped(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := s.WaitForMatch(ctx, 0)
	assert.ErrorIs(t, err, failure.ErrStopped)
}

func TestWaitForPeers(t *testing.T) {
	s := New()
	done := make(chan error, 1)
	go func() { done <- s.WaitForPeers(context.Background(), 2, time.Second) }()

	s.Apply(transport.MatchEvent{Delta: 1, Peer: "a"})
	s.Apply(transport.MatchEvent{Delta: 1, Peer: "a"}) // duplicate

	select {
	case err := <-done:
		t.Fatalf("released with one peer: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	s.Apply(transport.MatchEvent{Delta: 1, Peer: "b"})
	require.NoError(t, <-done)
	assert.Equal(t, []string{"a", "b"}, s.State().Peers)
}

func TestApplyRejects(t *testing.T) {
	s := New()

	assert.False(t, s.Apply(transport.MatchEvent{Delta: -1, Peer: "ghost"}))
	assert.False(t, s.Apply(transport.MatchEvent{Delta: -1}))
	assert.False(t, s.Apply(transport.MatchEvent{Delta: 0}))
	assert.True(t, s.Apply(transport.MatchEvent{Delta: 1, Peer: "a"}))
	assert.False(t, s.Apply(transport.MatchEvent{Delta: 1, Peer: "a"}))
	assert.Equal(t, 1, s.State().Count)
}

func TestAnonymousUnmatchKeepsPeersConsistent(t *testing.T) {
	s := New()

	require.True(t, s.Apply(transport.MatchEvent{Delta: 1, Peer: "a"}))
	assert.False(t, s.Apply(transport.MatchEvent{Delta: -1}), "no anonymous peer to remove")

	st := s.State()
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, []string{"a"}, st.Peers)

	require.True(t, s.Apply(transport.MatchEvent{Delta: 1}))
	assert.True(t, s.Apply(transport.MatchEvent{Delta: -1}))
	assert.False(t, s.Apply(transport.MatchEvent{Delta: -1}))

	st = s.State()
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, []string{"a"}, st.Peers)
}

// The count never goes negative and equals the sum of applied deltas.
func TestCountInvariant(t *testing.T) {
	s := New()
	rng := rand.New(rand.NewSource(1))

	var wg sync.WaitGroup
	var mu sync.Mutex
	sum := 0

	for g := 0; g < 8; g++ {
		seed := rng.Int63()
		wg.Add(1)
		go func() {
			defer wg.Done()

			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				delta := 1
				if r.Intn(2) == 0 {
					delta = -1
				}

				if s.Apply(transport.MatchEvent{Delta: delta}) {
					mu.Lock()
					sum += delta
					mu.Unlock()
				}

				if c := s.State().Count; c < 0 {
					t.Errorf("count %d went negative", c)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, sum, s.State().Count)
}
