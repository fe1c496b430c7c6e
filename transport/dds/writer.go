package dds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/weiihann/latbench/config"
	"github.com/weiihann/latbench/transport"
	"github.com/weiihann/latbench/transport/link"
	"go.uber.org/zap"
)

// readerProxy is the writer's state for one matched remote reader.
type readerProxy struct {
	guid    string
	locator string
	cancel  context.CancelFunc

	mu   sync.Mutex
	link *link.Link
}

func (rp *readerProxy) current() *link.Link {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	return rp.link
}

// addReaderProxy starts pairing with a remote reader unless a proxy for
// it already exists.
func (s *session) addReaderProxy(prefix string, ep endpointInfo) {
	if ep.Locator == "" {
		return
	}

	guid := endpointGUID(prefix, ep.ID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return
	}
	if _, ok := s.readers[guid]; ok {
		s.mu.Unlock()

		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	rp := &readerProxy{guid: guid, locator: ep.Locator, cancel: cancel}
	s.readers[guid] = rp
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runReaderProxy(ctx, rp)
}

func (s *session) removeReaderProxy(guid string) {
	s.mu.Lock()
	rp, ok := s.readers[guid]
	delete(s.readers, guid)
	s.mu.Unlock()

	if ok {
		rp.cancel()
	}
}

// runReaderProxy owns one writer-to-reader link. The match is reported
// once the link is up and unreported exactly once when it ends.
func (s *session) runReaderProxy(ctx context.Context, rp *readerProxy) {
	defer s.wg.Done()
	defer func() {
		rp.cancel()

		s.mu.Lock()
		if s.readers[rp.guid] == rp {
			delete(s.readers, rp.guid)
		}
		s.mu.Unlock()
	}()

	l, err := link.Dial(ctx, rp.locator, s.backend.Retry)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("dial reader failed", zap.String("reader", rp.guid), zap.Error(err))
		}

		return
	}
	defer l.Close()

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	hello, err := marshal(identify{GUID: s.guid, ID: localEndpointID, Topic: s.topic, Type: s.typeName})
	if err != nil {
		s.logger.Error("encode identify", zap.Error(err))

		return
	}

	if err := l.Send(frameIdentify, hello); err != nil {
		s.logger.Debug("identify failed", zap.String("reader", rp.guid), zap.Error(err))

		return
	}

	rp.mu.Lock()
	rp.link = l
	rp.mu.Unlock()

	s.logger.Info("publisher matched subscriber", zap.String("peer", rp.guid), zap.String("locator", rp.locator))
	s.disp.DeliverMatch(transport.MatchEvent{Delta: 1, Peer: rp.guid})

	// Readers never send; Recv returns when the link goes away.
	for {
		if _, err := l.Recv(); err != nil {
			break
		}
	}

	rp.mu.Lock()
	rp.link = nil
	rp.mu.Unlock()

	s.logger.Info("publisher unmatched subscriber", zap.String("peer", rp.guid))
	s.disp.DeliverMatch(transport.MatchEvent{Delta: -1, Peer: rp.guid})
}

// Publish writes payload to every matched reader. With none matched
// the sample is dropped, as a best-effort writer does.
func (s *session) Publish(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return transport.SendError(s.backend.Name(), err)
	}

	if s.role != config.RolePublisher {
		return transport.SendError(s.backend.Name(),
			fmt.Errorf("participant has no writer: %w", errors.ErrUnsupported))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return transport.SendError(s.backend.Name(), net.ErrClosed)
	}
	links := make([]*link.Link, 0, len(s.readers))
	for _, rp := range s.readers {
		if l := rp.current(); l != nil {
			links = append(links, l)
		}
	}
	s.mu.Unlock()

	s.counters.AddSent(1)

	if len(links) == 0 {
		s.counters.AddDropped(1)

		return nil
	}

	var errs []error
	for _, l := range links {
		if err := l.Send(frameData, payload); err != nil {
			l.Close()
			errs = append(errs, err)
		}
	}

	if len(errs) == len(links) {
		s.counters.AddDropped(1)

		return transport.SendError(s.backend.Name(), errors.Join(errs...))
	}

	return nil
}
