package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiihann/latbench/config"
	"github.com/weiihann/latbench/failure"
	"github.com/weiihann/latbench/transport"
)

func open(t *testing.T, b *Backend, role config.Role, addr string) transport.Session {
	t.Helper()

	s, err := b.Open(context.Background(), transport.Options{Role: role, Address: addr})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func matches(s transport.Session) <-chan transport.MatchEvent {
	ch := make(chan transport.MatchEvent, 16)
	s.OnMatchChanged(func(ev transport.MatchEvent) { ch <- ev })

	return ch
}

func waitEvent(t *testing.T, ch <-chan transport.MatchEvent) transport.MatchEvent {
	t.Helper()

	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no match event")
	}

	return transport.MatchEvent{}
}

func noMatch(t *testing.T, ch <-chan transport.MatchEvent) {
	t.Helper()

	select {
	case ev := <-ch:
		t.Fatalf("unexpected match %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMatchAndDeliver(t *testing.T) {
	b := New()
	sub := open(t, b, config.RoleSubscriber, "bus")
	pub := open(t, b, config.RolePublisher, "bus")

	got := make(chan []byte, 1)
	require.NoError(t, sub.Subscribe(func(p []byte) { got <- p }))

	// Matched before the handlers were registered; replayed.
	pubEv := waitEvent(t, matches(pub))
	subEv := waitEvent(t, matches(sub))
	assert.Equal(t, 1, pubEv.Delta)
	assert.Equal(t, 1, subEv.Delta)
	assert.NotEqual(t, pubEv.Peer, subEv.Peer)

	require.NoError(t, pub.Publish(context.Background(), []byte("hello")))

	select {
	case p := <-got:
		assert.Equal(t, "hello", string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("not delivered")
	}

	assert.Equal(t, transport.SessionStats{Sent: 1}, pub.Stats())
	assert.Equal(t, uint64(1), sub.Stats().Delivered)
}

func TestBusesAreIsolated(t *testing.T) {
	b := New()
	pub := open(t, b, config.RolePublisher, "a")
	sub := open(t, b, config.RoleSubscriber, "b")
	require.NoError(t, sub.Subscribe(func([]byte) {}))

	noMatch(t, matches(pub))

	require.NoError(t, pub.Publish(context.Background(), []byte("x")))
	assert.Equal(t, uint64(1), pub.Stats().Dropped)
}

func TestUnmatchOnClose(t *testing.T) {
	b := New()
	pub := open(t, b, config.RolePublisher, "bus")
	sub := open(t, b, config.RoleSubscriber, "bus")

	ch := matches(pub)
	noMatch(t, ch)

	require.NoError(t, sub.Subscribe(func([]byte) {}))
	assert.Equal(t, 1, waitEvent(t, ch).Delta)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, -1, waitEvent(t, ch).Delta)
}

func TestAttachDelay(t *testing.T) {
	b := New(WithAttachDelay(100 * time.Millisecond))
	pub := open(t, b, config.RolePublisher, "bus")
	sub := open(t, b, config.RoleSubscriber, "bus")

	start := time.Now()
	require.NoError(t, sub.Subscribe(func([]byte) {}))
	waitEvent(t, matches(pub))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestInjectedFailures(t *testing.T) {
	boom := errors.New("boom")

	_, err := New(WithOpenError(boom)).Open(context.Background(), transport.Options{Role: config.RolePublisher})
	assert.ErrorIs(t, err, failure.ErrTransportInit)
	assert.ErrorIs(t, err, boom)

	b := New(WithSendError(boom, func(n int) bool { return n == 2 }))
	pub := open(t, b, config.RolePublisher, "bus")

	ctx := context.Background()
	assert.NoError(t, pub.Publish(ctx, []byte("1")))
	assert.ErrorIs(t, pub.Publish(ctx, []byte("2")), failure.ErrSend)
	assert.NoError(t, pub.Publish(ctx, []byte("3")))
}

func TestRoleRestrictions(t *testing.T) {
	b := New()
	pub := open(t, b, config.RolePublisher, "bus")
	sub := open(t, b, config.RoleSubscriber, "bus")

	assert.ErrorIs(t, pub.Subscribe(func([]byte) {}), failure.ErrSubscribe)
	assert.ErrorIs(t, sub.Publish(context.Background(), nil), failure.ErrSend)
	assert.ErrorIs(t, sub.Subscribe(nil), failure.ErrSubscribe)
}
