package zeromq

import (
	"bytes"
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

// subSession is a connecting SUB socket. It redials until closed and
// renews its subscription on every new connection.
type subSession struct {
	backend  *Backend
	logger   *zap.Logger
	endpoint string
	sock     zmq4.Socket
	disp     *transport.Dispatcher
	counters transport.Counters

	ctx    context.Context
	cancel context.CancelFunc
	lost   chan struct{}

	mu         sync.Mutex
	conns      map[*observedConn]bool
	subscribed bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func dialSub(b *Backend, endpoint string, logger *zap.Logger) *subSession {
	s := &subSession{
		backend:  b,
		logger:   logger.With(zap.String("connect", endpoint)),
		endpoint: endpoint,
		lost:     make(chan struct{}, 1),
		conns:    make(map[*observedConn]bool),
	}
	s.disp = transport.NewDispatcher(&s.counters)

	s.ctx, s.cancel = context.WithCancel(withObserver(context.Background(), s))
	s.sock = zmq4.NewSub(s.ctx,
		zmq4.WithLogger(zap.NewStdLog(logger)),
		zmq4.WithDialerMaxRetries(0),
	)

	s.wg.Add(2)
	go s.connectLoop()
	go s.recvLoop()

	return s
}

func (s *subSession) dialRetry() link.RetryConfig {
	return s.backend.Retry
}

func (s *subSession) listening(net.Addr) {}

func (s *subSession) opened(c *observedConn) {
	s.mu.Lock()
	s.conns[c] = false
	s.mu.Unlock()
}

// read matches the publisher once its READY command completes the
// handshake.
func (s *subSession) read(c *observedConn, f frame) {
	if f.commandName() != "READY" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matched, ok := s.conns[c]
	if !ok || matched {
		return
	}
	s.conns[c] = true

	s.logger.Info("subscriber matched publisher", zap.String("peer", c.id))
	s.disp.DeliverMatch(transport.MatchEvent{Delta: 1, Peer: c.id})
}

func (s *subSession) wrote(*observedConn, frame) {}

func (s *subSession) disconnected(c *observedConn) {
	s.mu.Lock()
	matched, ok := s.conns[c]
	delete(s.conns, c)
	if ok && matched {
		s.logger.Info("subscriber unmatched publisher", zap.String("peer", c.id))
		s.disp.DeliverMatch(transport.MatchEvent{Delta: -1, Peer: c.id})
	}
	s.mu.Unlock()

	select {
	case s.lost <- struct{}{}:
	default:
	}
}

func (s *subSession) connectLoop() {
	defer s.wg.Done()

	for s.ctx.Err() == nil {
		select {
		case <-s.lost:
		default:
		}

		if err := s.sock.Dial(s.endpoint); err != nil {
			if s.ctx.Err() != nil {
				return
			}

			s.logger.Warn("connect failed", zap.Error(err))
			s.pause()

			continue
		}

		s.resubscribe()

		select {
		case <-s.lost:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *subSession) resubscribe() {
	s.mu.Lock()
	subscribed := s.subscribed
	s.mu.Unlock()

	if !subscribed {
		return
	}

	if err := s.sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		s.logger.Warn("renew subscription failed", zap.Error(err))
	}
}

func (s *subSession) recvLoop() {
	defer s.wg.Done()

	for {
		msg, err := s.sock.Recv()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}

			s.logger.Debug("receive failed", zap.Error(err))
			s.pause()

			continue
		}

		switch len(msg.Frames) {
		case 0:
		case 1:
			s.disp.DeliverMessage(msg.Frames[0])
		default:
			s.disp.DeliverMessage(bytes.Join(msg.Frames, nil))
		}
	}
}

func (s *subSession) pause() {
	delay := s.backend.Retry.InitialDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	select {
	case <-s.ctx.Done():
	case <-time.After(delay):
	}
}

// Publish is not available on a SUB socket.
func (s *subSession) Publish(context.Context, []byte) error {
	return transport.SendError(s.backend.Name(),
		fmt.Errorf("SUB socket cannot publish: %w", errors.ErrUnsupported))
}

// Subscribe installs h and subscribes to every message. Calling it again
// only replaces the handler.
func (s *subSession) Subscribe(h transport.MessageHandler) error {
	if h == nil {
		return transport.SubscribeError(s.backend.Name(), errors.New("nil handler"))
	}

	if s.ctx.Err() != nil {
		return transport.SubscribeError(s.backend.Name(), net.ErrClosed)
	}

	s.disp.SetMessageHandler(h)

	s.mu.Lock()
	first := !s.subscribed
	s.subscribed = true
	s.mu.Unlock()

	if !first {
		return nil
	}

	if err := s.sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return transport.SubscribeError(s.backend.Name(), err)
	}

	return nil
}

func (s *subSession) OnMatchChanged(h transport.MatchHandler) {
	s.disp.SetMatchHandler(h)
}

func (s *subSession) Stats() transport.SessionStats {
	return s.counters.Snapshot()
}

func (s *subSession) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.cancel()
		err = s.sock.Close()

		s.wg.Wait()
		s.disp.Close()

		s.logger.Info("subscriber closed")
	})

	return err
}
