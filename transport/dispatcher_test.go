package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiihann/latbench/failure"
)

func TestDispatcherPreservesOrder(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})

	d.SetMatchHandler(func(ev MatchEvent) {
		mu.Lock()
		got = append(got, ev.Delta)
		n := len(got)
		mu.Unlock()

		if n == 100 {
			close(done)
		}
	})

	for i := 0; i < 100; i++ {
		delta := 1
		if i%2 == 1 {
			delta = -1
		}
		d.DeliverMatch(MatchEvent{Delta: delta})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, delta := range got {
		want := 1
		if i%2 == 1 {
			want = -1
		}
		require.Equal(t, want, delta, "event %d out of order", i)
	}
}

func TestDispatcherReplaysEarlyMatchEvents(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	d.DeliverMatch(MatchEvent{Delta: 1, Peer: "a"})
	d.DeliverMatch(MatchEvent{Delta: 1, Peer: "b"})

	// Let the dispatcher pop both events before a handler exists.
	time.Sleep(20 * time.Millisecond)

	events := make(chan MatchEvent, 4)
	d.SetMatchHandler(func(ev MatchEvent) { events <- ev })
	d.DeliverMatch(MatchEvent{Delta: -1, Peer: "a"})

	var got []MatchEvent
	for len(got) < 3 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d events replayed", len(got))
		}
	}

	assert.Equal(t, []MatchEvent{
		{Delta: 1, Peer: "a"},
		{Delta: 1, Peer: "b"},
		{Delta: -1, Peer: "a"},
	}, got)
}

func TestDispatcherCallbacksNotReentrant(t *testing.T) {
	counters := &Counters{}
	d := NewDispatcher(counters)
	defer d.Close()

	var (
		active  int32
		overlap bool
		mu      sync.Mutex
		wg      sync.WaitGroup
	)

	enter := func() {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	}

	wg.Add(40)
	d.SetMatchHandler(func(MatchEvent) { enter(); wg.Done() })
	d.SetMessageHandler(func([]byte) { enter(); wg.Done() })

	for i := 0; i < 4; i++ {
		go func() {
			for j := 0; j < 5; j++ {
				d.DeliverMatch(MatchEvent{Delta: 1})
				d.DeliverMessage([]byte("x"))
			}
		}()
	}

	wg.Wait()

	assert.False(t, overlap, "callbacks overlapped")
	assert.Equal(t, uint64(20), counters.Snapshot().Delivered)
}

func TestDispatcherDropsMessagesWithoutHandler(t *testing.T) {
	counters := &Counters{}
	d := NewDispatcher(counters)

	d.DeliverMessage([]byte("lost"))

	require.Eventually(t, func() bool {
		return counters.Snapshot().Dropped == 1
	}, time.Second, 5*time.Millisecond)

	d.Close()
	d.Close()

	// Delivery after close is ignored.
	d.DeliverMessage([]byte("late"))
	assert.Equal(t, uint64(0), counters.Snapshot().Delivered)
}

type fakeBackend struct{ name string }

func (f fakeBackend) Name() string { return f.name }

func (f fakeBackend) Open(context.Context, Options) (Session, error) {
	return nil, errors.New("not implemented")
}

func TestRegistry(t *testing.T) {
	Register(fakeBackend{name: "registry-test"})

	b, err := Lookup("registry-test")
	require.NoError(t, err)
	assert.Equal(t, "registry-test", b.Name())
	assert.Contains(t, Registered(), "registry-test")

	assert.Panics(t, func() { Register(fakeBackend{name: "registry-test"}) })

	_, err = Lookup("no-such-backend")
	assert.ErrorIs(t, err, failure.ErrConfig)
}

func TestErrorHelpers(t *testing.T) {
	cause := errors.New("bind: address in use")

	assert.ErrorIs(t, InitError("zeromq", cause), failure.ErrTransportInit)
	assert.ErrorIs(t, InitError("zeromq", cause), cause)
	assert.ErrorIs(t, SendError("dds", cause), failure.ErrSend)
	assert.ErrorIs(t, SubscribeError("zenoh", cause), failure.ErrSubscribe)
}
