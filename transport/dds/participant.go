package dds

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strconv"
	"time"

	"github.com/weiihann/latbench/config"
	"go.uber.org/zap"
)

const maxDatagram = 64 << 10

// remoteParticipant is what this participant knows about a peer.
type remoteParticipant struct {
	guid      string
	lease     time.Duration
	lastSeen  time.Time
	endpoints map[uint32]endpointInfo
}

func (r *remoteParticipant) expired(now time.Time) bool {
	return now.Sub(r.lastSeen) > r.lease
}

// openDiscovery binds the discovery socket. With unicast discovery the
// participant takes the first free participant port on the host.
func (s *session) openDiscovery() error {
	d := s.profile.Discovery

	if d.Multicast != "" {
		group, err := s.profile.multicastAddr()
		if err != nil {
			return err
		}

		conn, err := listenMulticast(group)
		if err != nil {
			return err
		}

		s.conn = conn
		s.own = conn.LocalAddr().(*net.UDPAddr)
	} else {
		var lastErr error
		for pid := 0; pid < d.MaxParticipants; pid++ {
			addr := net.JoinHostPort(d.Unicast, strconv.Itoa(UnicastPort(s.profile.DomainID, pid)))

			udp, err := net.ResolveUDPAddr("udp4", addr)
			if err != nil {
				return fmt.Errorf("resolve discovery address: %w", err)
			}

			conn, err := net.ListenUDP("udp4", udp)
			if err != nil {
				lastErr = err

				continue
			}

			s.conn = conn
			s.own = conn.LocalAddr().(*net.UDPAddr)

			break
		}

		if s.conn == nil {
			return fmt.Errorf("no free participant port among %d: %w", d.MaxParticipants, lastErr)
		}
	}

	targets, err := s.profile.discoveryTargets(s.own)
	if err != nil {
		s.conn.Close()

		return fmt.Errorf("discovery targets: %w", err)
	}
	s.targets = targets

	return nil
}

func (s *session) announceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.profile.Discovery.AnnouncePeriod)
	defer ticker.Stop()

	s.sendAnnouncement(false)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}

		s.sendAnnouncement(false)
	}
}

// announceSoon schedules an announcement ahead of the next period.
func (s *session) announceSoon() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *session) sendAnnouncement(bye bool) {
	s.mu.Lock()
	if s.closed && !bye {
		s.mu.Unlock()

		return
	}
	a := announcement{
		GUID:      s.guid,
		Domain:    s.profile.DomainID,
		LeaseMS:   s.profile.Discovery.LeaseDuration.Milliseconds(),
		Endpoints: s.localEndpoints(),
		Bye:       bye,
	}
	s.mu.Unlock()

	b, err := marshal(a)
	if err != nil {
		s.logger.Error("encode announcement", zap.Error(err))

		return
	}

	for _, t := range s.targets {
		if _, err := s.conn.WriteToUDP(b, t); err != nil {
			s.logger.Debug("announce failed", zap.Stringer("target", t), zap.Error(err))
		}
	}
}

func (s *session) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}

			s.logger.Warn("discovery read failed", zap.Error(err))

			continue
		}

		var a announcement
		if err := unmarshal(buf[:n], &a); err != nil {
			s.logger.Debug("ignoring datagram", zap.Stringer("from", from), zap.Error(err))

			continue
		}

		if a.GUID == "" || a.GUID == s.guid || a.Domain != s.profile.DomainID {
			continue
		}

		s.handleAnnouncement(a, time.Now())
	}
}

// handleAnnouncement refreshes a remote participant. Repeated
// announcements only refresh the lease; endpoints that disappeared are
// unmatched and current ones are (re)matched idempotently.
func (s *session) handleAnnouncement(a announcement, now time.Time) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return
	}

	r, known := s.remotes[a.GUID]

	if a.Bye {
		delete(s.remotes, a.GUID)
		s.mu.Unlock()

		if known {
			s.logger.Info("participant left", zap.String("remote", a.GUID))
			s.forget(r)
		}

		return
	}

	if !known {
		r = &remoteParticipant{guid: a.GUID, endpoints: make(map[uint32]endpointInfo)}
		s.remotes[a.GUID] = r
	}

	r.lastSeen = now
	r.lease = time.Duration(a.LeaseMS) * time.Millisecond
	if r.lease <= 0 {
		r.lease = defaultLeaseDuration
	}

	current := make(map[uint32]endpointInfo, len(a.Endpoints))
	for _, ep := range a.Endpoints {
		current[ep.ID] = ep
	}

	var gone []endpointInfo
	for id, old := range r.endpoints {
		if ep, ok := current[id]; !ok || !reflect.DeepEqual(ep, old) {
			gone = append(gone, old)
		}
	}
	r.endpoints = current
	s.mu.Unlock()

	if !known {
		s.logger.Info("discovered participant", zap.String("remote", a.GUID), zap.Int("endpoints", len(current)))
	}

	for _, ep := range gone {
		s.endpointLost(a.GUID, ep)
	}
	for _, ep := range current {
		s.endpointFound(a.GUID, ep)
	}
}

func (s *session) leaseLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.profile.Discovery.AnnouncePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.expire(now)
		}
	}
}

// expire drops remote participants whose lease ran out.
func (s *session) expire(now time.Time) {
	s.mu.Lock()
	var expired []*remoteParticipant
	for guid, r := range s.remotes {
		if r.expired(now) {
			expired = append(expired, r)
			delete(s.remotes, guid)
		}
	}
	s.mu.Unlock()

	for _, r := range expired {
		s.logger.Info("participant lease expired", zap.String("remote", r.guid))
		s.forget(r)
	}
}

func (s *session) forget(r *remoteParticipant) {
	for _, ep := range r.endpoints {
		s.endpointLost(r.guid, ep)
	}
}

func (s *session) endpointFound(prefix string, ep endpointInfo) {
	if !s.compatible(ep) {
		return
	}

	if s.role == config.RolePublisher {
		s.addReaderProxy(prefix, ep)
	}
}

func (s *session) endpointLost(prefix string, ep endpointInfo) {
	if !s.compatible(ep) {
		return
	}

	key := endpointGUID(prefix, ep.ID)
	if s.role == config.RolePublisher {
		s.removeReaderProxy(key)
	} else {
		s.dropWriterProxy(key)
	}
}
