package zenoh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/weiihann/latbench/config"
	"github.com/weiihann/latbench/transport"
	"github.com/weiihann/latbench/transport/link"
	"go.uber.org/zap"
)

type session struct {
	backend  *Backend
	logger   *zap.Logger
	role     config.Role
	zid      string
	key      string
	addr     string
	ln       *link.Listener
	disp     *transport.Dispatcher
	counters transport.Counters

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conns      map[*link.Link]struct{}
	peers      map[*peer]struct{}
	locals     map[uint64]declaration
	nextID     uint64
	subscribed bool
	closed     bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// peer is a remote session reached over one link.
type peer struct {
	link *link.Link
	zid  string

	mu    sync.Mutex
	decls map[uint64]declaration
}

func openSession(_ context.Context, b *Backend, role config.Role, addr, key string, logger *zap.Logger) (*session, error) {
	ctx, cancel := context.WithCancel(context.Background())

	s := &session{
		backend: b,
		role:    role,
		zid:     newZID(),
		key:     key,
		addr:    addr,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[*link.Link]struct{}),
		peers:   make(map[*peer]struct{}),
		locals:  make(map[uint64]declaration),
		nextID:  1,
	}
	s.logger = logger.With(zap.String("zid", s.zid), zap.String("key", key))
	s.disp = transport.NewDispatcher(&s.counters)

	if role == config.RoleSubscriber {
		s.wg.Add(1)
		go s.connectLoop()

		return s, nil
	}

	ln, err := link.Listen(addr)
	if err != nil {
		cancel()
		s.disp.Close()

		return nil, err
	}
	s.ln = ln
	s.declareLocked(declPublisher)

	s.logger.Info("publisher declared", zap.String("listen", ln.Addr()))

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Addr returns the listening address of a publisher session.
func (s *session) Addr() string {
	if s.ln == nil {
		return ""
	}

	return s.ln.Addr()
}

func (s *session) acceptLoop() {
	defer s.wg.Done()

	for {
		l, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("accept failed", zap.Error(err))
			}

			return
		}

		if !s.track(l) {
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(l)
		}()
	}
}

func (s *session) connectLoop() {
	defer s.wg.Done()

	for s.ctx.Err() == nil {
		l, err := link.Dial(s.ctx, s.addr, s.backend.Retry)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}

			s.logger.Warn("connect failed", zap.String("endpoint", s.addr), zap.Error(err))
			s.pause()

			continue
		}

		if !s.track(l) {
			return
		}

		s.serve(l)
		s.pause()
	}
}

func (s *session) pause() {
	delay := s.backend.Retry.InitialDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	select {
	case <-s.ctx.Done():
	case <-time.After(delay):
	}
}

// track records l so Close can reach it. It closes l and reports false
// once the session is closing.
func (s *session) track(l *link.Link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		l.Close()

		return false
	}
	s.conns[l] = struct{}{}

	return true
}

func (s *session) serve(l *link.Link) {
	defer func() {
		l.Close()

		s.mu.Lock()
		delete(s.conns, l)
		s.mu.Unlock()
	}()

	remote, err := s.greet(l)
	if err != nil {
		s.logger.Warn("hello failed", zap.String("peer", l.RemoteAddr()), zap.Error(err))

		return
	}

	p := &peer{link: l, zid: remote, decls: make(map[uint64]declaration)}

	if !s.attach(p) {
		return
	}

	s.logger.Debug("peer connected", zap.String("peer", p.zid), zap.String("addr", l.RemoteAddr()))

	err = s.readLoop(p)
	if err != nil && !link.IsClosed(err) {
		s.logger.Warn("peer link failed", zap.String("peer", p.zid), zap.Error(err))
	}

	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()

	p.mu.Lock()
	remaining := make([]declaration, 0, len(p.decls))
	for _, d := range p.decls {
		remaining = append(remaining, d)
	}
	p.decls = nil
	p.mu.Unlock()

	for _, d := range remaining {
		s.unmatched(p, d)
	}
}

func (s *session) greet(l *link.Link) (string, error) {
	body, err := encodeControl(hello{ZID: s.zid})
	if err != nil {
		return "", err
	}

	if err := l.Send(kindHello, body); err != nil {
		return "", err
	}

	f, err := l.RecvTimeout(s.backend.HelloTimeout)
	if err != nil {
		return "", err
	}

	if f.Kind != kindHello {
		return "", fmt.Errorf("expected hello, got frame kind %d", f.Kind)
	}

	var h hello
	if err := decodeControl(f.Body, &h); err != nil {
		return "", err
	}

	if h.ZID == "" || h.ZID == s.zid {
		return "", fmt.Errorf("bad peer zid %q", h.ZID)
	}

	return h.ZID, nil
}

// attach registers p and replays local declarations to it. Holding s.mu
// across the replay keeps it ordered against concurrent declarations.
func (s *session) attach(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.peers[p] = struct{}{}

	for _, d := range s.locals {
		if err := s.sendDeclare(p.link, d); err != nil {
			s.logger.Debug("replay declaration failed", zap.String("peer", p.zid), zap.Error(err))
			p.link.Close()

			break
		}
	}

	return true
}

func (s *session) readLoop(p *peer) error {
	for {
		f, err := p.link.Recv()
		if err != nil {
			return err
		}

		switch f.Kind {
		case kindDeclare:
			var d declaration
			if err := decodeControl(f.Body, &d); err != nil {
				return err
			}

			p.mu.Lock()
			_, dup := p.decls[d.ID]
			if !dup {
				p.decls[d.ID] = d
			}
			p.mu.Unlock()

			if !dup {
				s.matched(p, d)
			}
		case kindUndeclare:
			var u undeclaration
			if err := decodeControl(f.Body, &u); err != nil {
				return err
			}

			p.mu.Lock()
			d, ok := p.decls[u.ID]
			delete(p.decls, u.ID)
			p.mu.Unlock()

			if ok {
				s.unmatched(p, d)
			}
		case kindPut:
			key, payload, err := parsePut(f.Body)
			if err != nil {
				return err
			}

			s.deliver(key, payload)
		default:
			return fmt.Errorf("unexpected frame kind %d from %s", f.Kind, p.zid)
		}
	}
}

// interesting reports whether a remote declaration counts towards this
// session's matching status.
func (s *session) interesting(d declaration) bool {
	want := declSubscriber
	if s.role == config.RoleSubscriber {
		want = declPublisher
	}

	return d.Kind == want && Intersects(d.KeyExpr, s.key)
}

func (s *session) matched(p *peer, d declaration) {
	if !s.interesting(d) {
		return
	}

	id := peerID(p, d.ID)
	s.logger.Info(fmt.Sprintf("%s matched %s", s.role, remoteRole(d)), zap.String("peer", id), zap.String("keyexpr", d.KeyExpr))
	s.disp.DeliverMatch(transport.MatchEvent{Delta: 1, Peer: id})
}

func (s *session) unmatched(p *peer, d declaration) {
	if !s.interesting(d) {
		return
	}

	id := peerID(p, d.ID)
	s.logger.Info(fmt.Sprintf("%s unmatched %s", s.role, remoteRole(d)), zap.String("peer", id))
	s.disp.DeliverMatch(transport.MatchEvent{Delta: -1, Peer: id})
}

func remoteRole(d declaration) string {
	if d.Kind == declPublisher {
		return string(config.RolePublisher)
	}

	return string(config.RoleSubscriber)
}

func peerID(p *peer, id uint64) string {
	return p.zid + "/" + strconv.FormatUint(id, 10)
}

func (s *session) deliver(key string, payload []byte) {
	s.mu.Lock()
	ok := s.subscribed
	s.mu.Unlock()

	if !ok || !Intersects(key, s.key) {
		s.counters.AddDropped(1)

		return
	}

	s.disp.DeliverMessage(payload)
}

// wants reports whether p declared a subscriber intersecting key.
func (p *peer) wants(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, d := range p.decls {
		if d.Kind == declSubscriber && Intersects(d.KeyExpr, key) {
			return true
		}
	}

	return false
}

// declareLocked adds a local declaration and announces it to connected
// peers. s.mu must be held, or the session not yet shared.
func (s *session) declareLocked(kind string) declaration {
	d := declaration{Kind: kind, ID: s.nextID, KeyExpr: s.key}
	s.nextID++
	s.locals[d.ID] = d

	for p := range s.peers {
		if err := s.sendDeclare(p.link, d); err != nil {
			s.logger.Debug("send declaration failed", zap.String("peer", p.zid), zap.Error(err))
			p.link.Close()
		}
	}

	return d
}

func (s *session) sendDeclare(l *link.Link, d declaration) error {
	body, err := encodeControl(d)
	if err != nil {
		return err
	}

	return l.Send(kindDeclare, body)
}

// Publish puts payload on the session key to every peer with an
// intersecting subscriber. Sends block while the link is congested.
func (s *session) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return transport.SendError(s.backend.Name(), err)
	}

	if s.role != config.RolePublisher {
		return transport.SendError(s.backend.Name(),
			fmt.Errorf("no publisher declared: %w", errors.ErrUnsupported))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return transport.SendError(s.backend.Name(), net.ErrClosed)
	}
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	hdr, err := putHeader(s.key)
	if err != nil {
		return transport.SendError(s.backend.Name(), err)
	}

	s.counters.AddSent(1)

	var (
		targets int
		errs    []error
	)
	for _, p := range peers {
		if !p.wants(s.key) {
			continue
		}
		targets++

		if err := p.link.Send(kindPut, hdr, payload); err != nil {
			s.logger.Debug("put failed", zap.String("peer", p.zid), zap.Error(err))
			p.link.Close()
			errs = append(errs, err)
		}
	}

	if targets == 0 {
		s.counters.AddDropped(1)

		return nil
	}

	if len(errs) == targets {
		s.counters.AddDropped(1)

		return transport.SendError(s.backend.Name(), errors.Join(errs...))
	}

	return nil
}

// Subscribe declares a subscriber on the session key and installs h.
// Calling it again only replaces the handler.
func (s *session) Subscribe(h transport.MessageHandler) error {
	if s.role != config.RoleSubscriber {
		return transport.SubscribeError(s.backend.Name(),
			fmt.Errorf("publisher session cannot subscribe: %w", errors.ErrUnsupported))
	}

	if h == nil {
		return transport.SubscribeError(s.backend.Name(), errors.New("nil handler"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return transport.SubscribeError(s.backend.Name(), net.ErrClosed)
	}

	s.disp.SetMessageHandler(h)

	if s.subscribed {
		return nil
	}

	d := s.declareLocked(declSubscriber)
	s.subscribed = true

	s.logger.Info("subscriber declared", zap.Uint64("id", d.ID))

	return nil
}

func (s *session) OnMatchChanged(h transport.MatchHandler) {
	s.disp.SetMatchHandler(h)
}

func (s *session) Stats() transport.SessionStats {
	return s.counters.Snapshot()
}

// Close undeclares everything, then tears down links and the listener.
func (s *session) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.cancel()

		for p := range s.peers {
			for _, d := range s.locals {
				body, encErr := encodeControl(undeclaration{Kind: d.Kind, ID: d.ID})
				if encErr == nil {
					_ = p.link.Send(kindUndeclare, body)
				}
			}
		}

		conns := make([]*link.Link, 0, len(s.conns))
		for l := range s.conns {
			conns = append(conns, l)
		}
		s.mu.Unlock()

		if s.ln != nil {
			err = s.ln.Close()
		}
		for _, l := range conns {
			l.Close()
		}

		s.wg.Wait()
		s.disp.Close()

		s.logger.Info("session closed")
	})

	return err
}
