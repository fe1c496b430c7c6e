// Package transport defines the contract every pub/sub backend adapter
// satisfies so the benchmark driver can treat them interchangeably.
//
// # Backends
//
// Backends register themselves by name from an init function:
//
//   - dds: participant/topic/writer/reader model with announcement-based
//     discovery and per-peer match handles.
//   - zenoh: key-expression routed bus with declaration-based matching.
//   - zeromq: PUB/SUB socket broker with prefix subscriptions.
//   - loopback: in-process bus for tests and smoke runs.
//
// # Callbacks
//
// Match and message callbacks are delivered by a per-session Dispatcher
// goroutine. They are never reentrant with one another, and never run
// on the goroutine that called Open.
package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/weiihann/latbench/config"
	"github.com/weiihann/latbench/failure"
	"go.uber.org/zap"
)

// MatchEvent reports a peer attaching (Delta +1) or detaching (Delta -1).
// Peer is an opaque identifier, empty for backends that only count.
type MatchEvent struct {
	Delta int
	Peer  string
}

// MessageHandler receives the raw payload of each delivered message. The
// handler owns the slice.
type MessageHandler func(payload []byte)

// MatchHandler receives match events in the order they occurred.
type MatchHandler func(MatchEvent)

// Options configures a session.
type Options struct {
	Role         config.Role
	Address      string
	Profile      string
	ProfilesFile string
	Topic        string
	Logger       *zap.Logger
}

// OptionsFrom derives session options from a run configuration.
func OptionsFrom(cfg config.Benchmark, logger *zap.Logger) Options {
	return Options{
		Role:         cfg.Role,
		Address:      cfg.ResolvedAddress(),
		Profile:      cfg.Profile,
		ProfilesFile: cfg.ProfilesFile,
		Topic:        cfg.ResolvedTopic(),
		Logger:       logger,
	}
}

// Backend opens sessions on one transport.
type Backend interface {
	Name() string
	// Open establishes a session. Failures are failure.TransportInit.
	Open(ctx context.Context, opts Options) (Session, error)
}

// Session is one open endpoint, owned by a single driver.
type Session interface {
	// Publish hands payload to the backend. No receipt is implied. The
	// caller must not modify payload afterwards. Failures are
	// failure.Send.
	Publish(ctx context.Context, payload []byte) error
	// Subscribe registers the message handler. Failures are
	// failure.Subscribe.
	Subscribe(onMessage MessageHandler) error
	// OnMatchChanged registers the match handler. Events that occurred
	// before registration are replayed to it.
	OnMatchChanged(onMatch MatchHandler)
	// Stats returns the session counters.
	Stats() SessionStats
	// Close releases all resources. Calling it again is a no-op.
	Close() error
}

// SessionStats counts traffic seen by a session.
type SessionStats struct {
	Sent      uint64 `json:"sent"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
}

// Counters is an embeddable, atomically updated SessionStats.
type Counters struct {
	sent      atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
}

func (c *Counters) AddSent(n uint64)      { c.sent.Add(n) }
func (c *Counters) AddDropped(n uint64)   { c.dropped.Add(n) }
func (c *Counters) AddDelivered(n uint64) { c.delivered.Add(n) }

// Snapshot reads the counters.
func (c *Counters) Snapshot() SessionStats {
	return SessionStats{
		Sent:      c.sent.Load(),
		Dropped:   c.dropped.Load(),
		Delivered: c.delivered.Load(),
	}
}

var registry = struct {
	mu       sync.RWMutex
	backends map[string]Backend
}{backends: make(map[string]Backend)}

// Register makes a backend available by name. It panics on duplicates.
func Register(b Backend) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, dup := registry.backends[b.Name()]; dup {
		panic("transport: backend registered twice: " + b.Name())
	}

	registry.backends[b.Name()] = b
}

// Lookup returns the backend registered under name.
func Lookup(name string) (Backend, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	b, ok := registry.backends[name]
	if !ok {
		return nil, failure.Errorf(failure.Config, "lookup backend",
			"backend %q is not registered", name)
	}

	return b, nil
}

// Registered lists registered backend names in sorted order.
func Registered() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.backends))
	for name := range registry.backends {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// InitError wraps err as a failure.TransportInit raised while opening
// the named backend.
func InitError(backend string, err error) error {
	return failure.New(failure.TransportInit, fmt.Sprintf("open %s", backend), err)
}

// SendError wraps err as a failure.Send.
func SendError(backend string, err error) error {
	return failure.New(failure.Send, fmt.Sprintf("publish %s", backend), err)
}

// SubscribeError wraps err as a failure.Subscribe.
func SubscribeError(backend string, err error) error {
	return failure.New(failure.Subscribe, fmt.Sprintf("subscribe %s", backend), err)
}

// NopLogger returns logger, or a no-op logger when logger is nil.
func NopLogger(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}

	return logger
}
