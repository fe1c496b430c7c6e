// Package discovery turns a session's match events into blocking waits
// for the benchmark driver.
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weiihann/latbench/failure"
	"github.com/weiihann/latbench/transport"
)

// State is a snapshot of the match bookkeeping.
type State struct {
	// Count is the number of currently matched peers.
	Count int
	// Peers lists identified matched peers, sorted.
	Peers []string
	// EverMatched is set once any peer has matched and stays set.
	EverMatched bool
}

// Synchronizer tracks matched peers. Every applied event wakes all
// waiters, which re-check their predicate.
type Synchronizer struct {
	mu          sync.Mutex
	count       int
	peers       map[string]struct{}
	everMatched bool
	changed     chan struct{}
}

// New returns a Synchronizer with nothing matched.
func New() *Synchronizer {
	return &Synchronizer{
		peers:   make(map[string]struct{}),
		changed: make(chan struct{}),
	}
}

// Handler returns a MatchHandler feeding the synchronizer.
func (s *Synchronizer) Handler() transport.MatchHandler {
	return func(ev transport.MatchEvent) { s.Apply(ev) }
}

// Apply updates the count and reports whether ev was applied. A +1 for a
// peer already matched and a -1 for a peer not matched are rejected, as
// is an anonymous -1 when no anonymous peer is matched.
func (s *Synchronizer) Apply(ev transport.MatchEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case ev.Delta > 0:
		if ev.Peer != "" {
			if _, ok := s.peers[ev.Peer]; ok {
				return false
			}
			s.peers[ev.Peer] = struct{}{}
		}
		s.count++
		s.everMatched = true
	case ev.Delta < 0:
		if ev.Peer != "" {
			if _, ok := s.peers[ev.Peer]; !ok {
				return false
			}
			delete(s.peers, ev.Peer)
		} else if s.count <= len(s.peers) {
			// Every counted peer is identified.
			return false
		}
		s.count--
	default:
		return false
	}

	close(s.changed)
	s.changed = make(chan struct{})

	return true
}

// State returns a snapshot.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	peers := make([]string, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	sort.Strings(peers)

	return State{Count: s.count, Peers: peers, EverMatched: s.everMatched}
}

// WaitForMatch blocks until some peer has matched, including one that
// matched before the call. Later unmatches do not undo it. A positive
// timeout bounds the wait with a failure.DiscoveryTimeout; cancelling
// ctx returns failure.Stopped.
func (s *Synchronizer) WaitForMatch(ctx context.Context, timeout time.Duration) error {
	return s.wait(ctx, timeout, "wait for match", func() bool { return s.everMatched })
}

// WaitForPeers blocks until at least n peers are matched at once.
func (s *Synchronizer) WaitForPeers(ctx context.Context, n int, timeout time.Duration) error {
	return s.wait(ctx, timeout, "wait for peers", func() bool { return s.count >= n })
}

// wait evaluates ready under the lock after every change.
func (s *Synchronizer) wait(ctx context.Context, timeout time.Duration, op string, ready func() bool) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		s.mu.Lock()
		ok := ready()
		changed := s.changed
		count := s.count
		s.mu.Unlock()

		if ok {
			return nil
		}

		select {
		case <-changed:
		case <-expired:
			return failure.Errorf(failure.DiscoveryTimeout, op,
				"no match within %s (%d peers matched)", timeout, count)
		case <-ctx.Done():
			return failure.New(failure.Stopped, op, ctx.Err())
		}
	}
}
