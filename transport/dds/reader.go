package dds

import (
	"errors"
	"fmt"
	"net"

	"github.com/weiihann/latbench/transport"
	"github.com/weiihann/latbench/transport/link"
	"go.uber.org/zap"
)

// writerProxy is the reader's state for one matched remote writer.
type writerProxy struct {
	guid string
	link *link.Link
}

func (s *session) openDataListener() error {
	ln, err := link.Listen(net.JoinHostPort(s.profile.Data.Interface, "0"))
	if err != nil {
		return fmt.Errorf("data listener: %w", err)
	}

	_, port, err := net.SplitHostPort(ln.Addr())
	if err != nil {
		ln.Close()

		return err
	}

	s.data = ln
	s.locator = net.JoinHostPort(advertiseHost(s.profile.Data), port)

	return nil
}

// advertiseHost picks the host put into reader locators.
func advertiseHost(d Data) string {
	if d.Advertise != "" {
		return d.Advertise
	}

	ip := net.ParseIP(d.Interface)
	if ip != nil && !ip.IsUnspecified() {
		return d.Interface
	}

	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
				return ipn.IP.String()
			}
		}
	}

	return "127.0.0.1"
}

func (s *session) acceptLoop() {
	defer s.wg.Done()

	for {
		l, err := s.data.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("accept failed", zap.Error(err))
			}

			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			l.Close()

			return
		}
		s.conns[l] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serveWriter(l)
	}
}

// serveWriter runs one inbound writer link.
func (s *session) serveWriter(l *link.Link) {
	defer s.wg.Done()
	defer func() {
		l.Close()

		s.mu.Lock()
		delete(s.conns, l)
		s.mu.Unlock()
	}()

	id, err := s.readIdentify(l)
	if err != nil {
		s.logger.Warn("rejecting writer", zap.String("addr", l.RemoteAddr()), zap.Error(err))

		return
	}

	guid := endpointGUID(id.GUID, id.ID)
	wp := &writerProxy{guid: guid, link: l}

	s.mu.Lock()
	if _, dup := s.writers[guid]; dup || s.closed {
		s.mu.Unlock()
		s.logger.Debug("duplicate writer link", zap.String("peer", guid))

		return
	}
	s.writers[guid] = wp
	s.mu.Unlock()

	s.logger.Info("subscriber matched publisher", zap.String("peer", guid))
	s.disp.DeliverMatch(transport.MatchEvent{Delta: 1, Peer: guid})

	err = s.readData(l)
	if err != nil && !link.IsClosed(err) {
		s.logger.Warn("writer link failed", zap.String("peer", guid), zap.Error(err))
	}

	s.mu.Lock()
	if s.writers[guid] == wp {
		delete(s.writers, guid)
	}
	s.mu.Unlock()

	s.logger.Info("subscriber unmatched publisher", zap.String("peer", guid))
	s.disp.DeliverMatch(transport.MatchEvent{Delta: -1, Peer: guid})
}

func (s *session) readIdentify(l *link.Link) (identify, error) {
	f, err := l.RecvTimeout(s.backend.IdentifyTimeout)
	if err != nil {
		return identify{}, err
	}

	if f.Kind != frameIdentify {
		return identify{}, fmt.Errorf("expected identify, got frame kind %d", f.Kind)
	}

	var id identify
	if err := unmarshal(f.Body, &id); err != nil {
		return identify{}, err
	}

	if id.GUID == "" {
		return identify{}, errors.New("writer without guid")
	}

	if id.Topic != s.topic || id.Type != s.typeName {
		return identify{}, fmt.Errorf("writer on %s/%s, reader on %s/%s", id.Topic, id.Type, s.topic, s.typeName)
	}

	return id, nil
}

func (s *session) readData(l *link.Link) error {
	for {
		f, err := l.Recv()
		if err != nil {
			return err
		}

		if f.Kind != frameData {
			return fmt.Errorf("unexpected frame kind %d from writer", f.Kind)
		}

		s.disp.DeliverMessage(f.Body)
	}
}

// dropWriterProxy closes the link of a writer whose participant left.
func (s *session) dropWriterProxy(guid string) {
	s.mu.Lock()
	wp, ok := s.writers[guid]
	s.mu.Unlock()

	if ok {
		wp.link.Close()
	}
}
