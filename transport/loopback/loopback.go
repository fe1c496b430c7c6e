// Package loopback is an in-process backend. Publisher and subscriber
// sessions opened on the same address in one process form a bus and
// match each other: a publisher joins when opened, a subscriber when it
// subscribes. It backs the driver tests and quick smoke runs with
// --backend loopback, and can inject failures.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weiihann/latbench/config"
	"github.com/weiihann/latbench/transport"
	"go.uber.org/zap"
)

func init() {
	transport.Register(New())
}

// Option configures a Backend.
type Option func(*Backend)

// WithOpenError makes every Open fail with err.
func WithOpenError(err error) Option {
	return func(b *Backend) { b.openErr = err }
}

// WithSendError makes Publish fail with err for the publish calls that
// fail(n) selects, n counting from 1.
func WithSendError(err error, fail func(n int) bool) Option {
	return func(b *Backend) {
		b.sendErr = err
		b.failSend = fail
	}
}

// WithAttachDelay delays the match between a new session and the bus.
func WithAttachDelay(d time.Duration) Option {
	return func(b *Backend) { b.attachDelay = d }
}

// WithTransform rewrites payloads on delivery.
func WithTransform(f func([]byte) []byte) Option {
	return func(b *Backend) { b.transform = f }
}

// Backend owns the buses of one process.
type Backend struct {
	openErr     error
	sendErr     error
	failSend    func(n int) bool
	attachDelay time.Duration
	transform   func([]byte) []byte

	mu    sync.Mutex
	buses map[string]*bus
}

// New returns a Backend with the given options.
func New(opts ...Option) *Backend {
	b := &Backend{buses: make(map[string]*bus)}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Name implements transport.Backend.
func (b *Backend) Name() string {
	return config.BackendLoopback
}

// Open joins the bus named by opts.Address.
func (b *Backend) Open(ctx context.Context, opts transport.Options) (transport.Session, error) {
	if b.openErr != nil {
		return nil, transport.InitError(b.Name(), b.openErr)
	}

	if err := ctx.Err(); err != nil {
		return nil, transport.InitError(b.Name(), err)
	}

	if opts.Role != config.RolePublisher && opts.Role != config.RoleSubscriber {
		return nil, transport.InitError(b.Name(), fmt.Errorf("unsupported role %q", opts.Role))
	}

	addr := opts.Address
	if addr == "" {
		addr = config.DefaultLoopback
	}

	s := &session{
		backend: b,
		id:      uuid.NewString(),
		role:    opts.Role,
		logger:  transport.NopLogger(opts.Logger).Named("loopback").With(zap.String("bus", addr)),
		peers:   make(map[*session]struct{}),
	}
	s.disp = transport.NewDispatcher(&s.counters)
	s.bus = b.join(addr)

	if s.role == config.RolePublisher {
		s.attach()
	}

	return s, nil
}

func (b *Backend) join(addr string) *bus {
	b.mu.Lock()
	defer b.mu.Unlock()

	bs, ok := b.buses[addr]
	if !ok {
		bs = &bus{members: make(map[*session]struct{})}
		b.buses[addr] = bs
	}

	return bs
}

// bus connects the sessions of one address.
type bus struct {
	mu      sync.Mutex
	members map[*session]struct{}
}

func (bs *bus) attach(s *session) {
	bs.mu.Lock()
	if s.isClosed() {
		bs.mu.Unlock()

		return
	}

	var opposite []*session
	for m := range bs.members {
		if m.role != s.role {
			opposite = append(opposite, m)
		}
	}
	bs.members[s] = struct{}{}

	for _, m := range opposite {
		m.link(s)
		s.link(m)
	}
	bs.mu.Unlock()
}

func (bs *bus) detach(s *session) {
	bs.mu.Lock()
	delete(bs.members, s)

	var peers []*session
	for m := range bs.members {
		if m.unlink(s) {
			peers = append(peers, m)
		}
	}
	bs.mu.Unlock()

	for _, m := range peers {
		m.logger.Info(fmt.Sprintf("%s unmatched %s", m.role, s.role), zap.String("peer", s.id))
	}
}

type session struct {
	backend     *Backend
	bus         *bus
	id          string
	role        config.Role
	logger      *zap.Logger
	disp        *transport.Dispatcher
	counters    transport.Counters
	attachTimer *time.Timer

	mu         sync.Mutex
	peers      map[*session]struct{}
	subscribed bool
	closed     bool
	sends      int

	closeOnce sync.Once
}

// link records peer and reports the match. The bus lock is held.
func (s *session) link(peer *session) {
	s.mu.Lock()
	s.peers[peer] = struct{}{}
	s.mu.Unlock()

	s.logger.Info(fmt.Sprintf("%s matched %s", s.role, peer.role), zap.String("peer", peer.id))
	s.disp.DeliverMatch(transport.MatchEvent{Delta: 1, Peer: peer.id})
}

// unlink forgets peer, reporting whether it was linked.
func (s *session) unlink(peer *session) bool {
	s.mu.Lock()
	_, ok := s.peers[peer]
	delete(s.peers, peer)
	s.mu.Unlock()

	if ok {
		s.disp.DeliverMatch(transport.MatchEvent{Delta: -1, Peer: peer.id})
	}

	return ok
}

// attach joins the bus, after the configured delay. s.mu must not be
// held.
func (s *session) attach() {
	if d := s.backend.attachDelay; d > 0 {
		s.attachTimer = time.AfterFunc(d, func() { s.bus.attach(s) })

		return
	}

	s.bus.attach(s)
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Publish hands payload to every linked subscriber.
func (s *session) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return transport.SendError(s.backend.Name(), err)
	}

	if s.role != config.RolePublisher {
		return transport.SendError(s.backend.Name(),
			fmt.Errorf("subscriber session cannot publish: %w", errors.ErrUnsupported))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return transport.SendError(s.backend.Name(), net.ErrClosed)
	}
	s.sends++
	n := s.sends
	peers := make([]*session, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	if s.backend.sendErr != nil && (s.backend.failSend == nil || s.backend.failSend(n)) {
		return transport.SendError(s.backend.Name(), s.backend.sendErr)
	}

	s.counters.AddSent(1)

	delivered := false
	for _, p := range peers {
		if p.receive(payload) {
			delivered = true
		}
	}

	if !delivered {
		s.counters.AddDropped(1)
	}

	return nil
}

func (s *session) receive(payload []byte) bool {
	s.mu.Lock()
	ok := s.subscribed && !s.closed
	s.mu.Unlock()

	if !ok {
		return false
	}

	msg := payload
	if s.backend.transform != nil {
		msg = s.backend.transform(payload)
	}

	s.disp.DeliverMessage(msg)

	return true
}

func (s *session) Subscribe(h transport.MessageHandler) error {
	if s.role != config.RoleSubscriber {
		return transport.SubscribeError(s.backend.Name(),
			fmt.Errorf("publisher session cannot subscribe: %w", errors.ErrUnsupported))
	}

	if h == nil {
		return transport.SubscribeError(s.backend.Name(), errors.New("nil handler"))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return transport.SubscribeError(s.backend.Name(), net.ErrClosed)
	}

	s.disp.SetMessageHandler(h)
	first := !s.subscribed
	s.subscribed = true
	s.mu.Unlock()

	if first {
		s.attach()
	}

	return nil
}

func (s *session) OnMatchChanged(h transport.MatchHandler) {
	s.disp.SetMatchHandler(h)
}

func (s *session) Stats() transport.SessionStats {
	return s.counters.Snapshot()
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		if s.attachTimer != nil {
			s.attachTimer.Stop()
		}

		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.bus.detach(s)
		s.disp.Close()
	})

	return nil
}
