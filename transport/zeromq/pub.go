package zeromq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/weiihann/latbench/transport"
	"github.com/weiihann/latbench/transport/link"
	"go.uber.org/zap"
)

// pubSession is a bound PUB socket.
type pubSession struct {
	backend  *Backend
	logger   *zap.Logger
	sock     zmq4.Socket
	disp     *transport.Dispatcher
	counters transport.Counters

	// sendMu serialises Publish with the linger in Close.
	sendMu sync.Mutex

	mu     sync.Mutex
	addr   string
	peers  map[*observedConn]*subscriber
	closed bool

	closeOnce sync.Once
}

// subscriber is one connected SUB peer as seen by the publisher.
type subscriber struct {
	id      string
	topics  map[string]struct{}
	matched bool
	timer   *time.Timer

	// expected counts messages handed to zmq4 while matched, written
	// the ones that reached the connection.
	expected uint64
	written  uint64
}

func (p *subscriber) pending() uint64 {
	if p.expected > p.written {
		return p.expected - p.written
	}

	return 0
}

func listenPub(b *Backend, endpoint string, logger *zap.Logger) (*pubSession, error) {
	s := &pubSession{
		backend: b,
		logger:  logger,
		peers:   make(map[*observedConn]*subscriber),
	}
	s.disp = transport.NewDispatcher(&s.counters)
	s.sock = zmq4.NewPub(withObserver(context.Background(), s), zmq4.WithLogger(zap.NewStdLog(logger)))

	if err := s.sock.Listen(endpoint); err != nil {
		s.sock.Close()
		s.disp.Close()

		return nil, err
	}

	s.logger = logger.With(zap.String("bind", s.Addr()))
	s.logger.Info("publisher bound")

	return s, nil
}

// Addr returns the bound address.
func (s *pubSession) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addr
}

func (s *pubSession) dialRetry() link.RetryConfig {
	return s.backend.Retry
}

func (s *pubSession) listening(addr net.Addr) {
	s.mu.Lock()
	s.addr = addr.String()
	s.mu.Unlock()
}

func (s *pubSession) opened(c *observedConn) {
	s.mu.Lock()
	s.peers[c] = &subscriber{id: c.id, topics: make(map[string]struct{})}
	s.mu.Unlock()

	s.logger.Debug("subscriber connected", zap.String("peer", c.id))
}

func (s *pubSession) read(c *observedConn, f frame) {
	delta, topic := subscription(f)
	if delta == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[c]
	if !ok {
		return
	}

	if delta < 0 {
		delete(p.topics, topic)
		if len(p.topics) == 0 {
			s.withdrawLocked(p)
		}

		return
	}

	p.topics[topic] = struct{}{}
	if !p.matched && p.timer == nil {
		p.timer = time.AfterFunc(s.backend.MatchDelay, func() { s.announce(c) })
	}
}

func (s *pubSession) announce(c *observedConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[c]
	if !ok || s.closed || p.matched || len(p.topics) == 0 {
		return
	}

	p.timer = nil
	p.matched = true

	s.logger.Info("publisher matched subscriber", zap.String("peer", p.id))
	s.disp.DeliverMatch(transport.MatchEvent{Delta: 1, Peer: p.id})
}

// withdrawLocked unmatches p and counts what it will never receive.
func (s *pubSession) withdrawLocked(p *subscriber) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	if !p.matched {
		return
	}
	p.matched = false

	if n := p.pending(); n > 0 {
		s.counters.AddDropped(n)
	}
	p.written = p.expected

	s.logger.Info("publisher unmatched subscriber", zap.String("peer", p.id))
	s.disp.DeliverMatch(transport.MatchEvent{Delta: -1, Peer: p.id})
}

func (s *pubSession) wrote(c *observedConn, f frame) {
	if !f.lastOfMessage() {
		return
	}

	s.mu.Lock()
	if p, ok := s.peers[c]; ok && p.matched {
		p.written++
	}
	s.mu.Unlock()
}

func (s *pubSession) disconnected(c *observedConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[c]
	if !ok {
		return
	}
	delete(s.peers, c)

	s.withdrawLocked(p)
	s.logger.Debug("subscriber disconnected", zap.String("peer", p.id))
}

// Publish sends payload to every subscribed peer. A message with no
// matched subscriber is counted as dropped.
func (s *pubSession) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return transport.SendError(s.backend.Name(), err)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return transport.SendError(s.backend.Name(), net.ErrClosed)
	}

	if err := s.sock.Send(zmq4.NewMsg(payload)); err != nil {
		return transport.SendError(s.backend.Name(), err)
	}

	targets := 0

	s.mu.Lock()
	for _, p := range s.peers {
		if p.matched {
			p.expected++
			targets++
		}
	}
	s.mu.Unlock()

	s.counters.AddSent(1)
	if targets == 0 {
		s.counters.AddDropped(1)
	}

	return nil
}

// linger waits until every matched subscriber has been written all its
// messages or the deadline passes, and returns what is left.
func (s *pubSession) linger() uint64 {
	deadline := time.Now().Add(s.backend.Linger)

	for {
		s.mu.Lock()
		var pending uint64
		for _, p := range s.peers {
			pending += p.pending()
		}

		if pending == 0 || !time.Now().Before(deadline) {
			for _, p := range s.peers {
				p.written = p.expected
			}
			s.mu.Unlock()

			return pending
		}
		s.mu.Unlock()

		time.Sleep(lingerPoll)
	}
}

// Subscribe is not available on a PUB socket.
func (s *pubSession) Subscribe(transport.MessageHandler) error {
	return transport.SubscribeError(s.backend.Name(),
		fmt.Errorf("PUB socket cannot subscribe: %w", errors.ErrUnsupported))
}

func (s *pubSession) OnMatchChanged(h transport.MatchHandler) {
	s.disp.SetMatchHandler(h)
}

func (s *pubSession) Stats() transport.SessionStats {
	return s.counters.Snapshot()
}

// Close stops accepting messages, lingers for queued ones and closes the
// socket.
func (s *pubSession) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		// Wait out a Publish in flight.
		s.sendMu.Lock()
		s.sendMu.Unlock()

		if lost := s.linger(); lost > 0 {
			s.counters.AddDropped(lost)
			s.logger.Warn("linger expired with undelivered messages",
				zap.Uint64("dropped", lost), zap.Duration("linger", s.backend.Linger))
		}

		err = s.sock.Close()
		s.disp.Close()

		s.logger.Info("publisher closed")
	})

	return err
}
