// Package dds implements a DDS-style participant, topic, writer and
// reader backend.
//
// Participants discover each other with periodic CBOR announcements over
// UDP, multicast or unicast depending on the profile. A writer that
// learns of a reader with the same domain, topic and type dials the
// reader's data locator; both sides count the pair as matched once that
// link is up and the writer has identified itself. Announcements carry a
// lease, and a participant that stops announcing or says goodbye is
// unmatched.
package dds

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weiihann/latbench/config"
	"github.com/weiihann/latbench/transport"
	"github.com/weiihann/latbench/transport/link"
	"go.uber.org/zap"
)

// DefaultTypeName is the registered sample type.
const DefaultTypeName = "SimpleMessage"

const (
	defaultIdentifyTimeout = 5 * time.Second
	localEndpointID        = 1
)

func init() {
	transport.Register(New())
}

// Backend opens DDS-style sessions.
type Backend struct {
	// TypeName is the sample type writers and readers must agree on.
	TypeName string
	// Retry controls how a writer dials reader locators.
	Retry link.RetryConfig
	// IdentifyTimeout bounds the wait for a writer's identify frame.
	IdentifyTimeout time.Duration
}

// New returns a Backend with default settings.
func New() *Backend {
	return &Backend{
		TypeName:        DefaultTypeName,
		Retry:           link.DefaultRetryConfig(),
		IdentifyTimeout: defaultIdentifyTimeout,
	}
}

// Name implements transport.Backend.
func (b *Backend) Name() string {
	return config.BackendDDS
}

// Open creates a participant from opts.Profile (looked up in the
// built-in profiles and opts.ProfilesFile) with a writer or a reader on
// opts.Topic.
func (b *Backend) Open(ctx context.Context, opts transport.Options) (transport.Session, error) {
	if opts.Role != config.RolePublisher && opts.Role != config.RoleSubscriber {
		return nil, transport.InitError(b.Name(), fmt.Errorf("unsupported role %q", opts.Role))
	}

	profiles, err := LoadProfiles(opts.ProfilesFile)
	if err != nil {
		return nil, transport.InitError(b.Name(), err)
	}

	name := opts.Profile
	if name == "" {
		name = config.DefaultProfile
	}

	profile, err := FindProfile(profiles, name)
	if err != nil {
		return nil, transport.InitError(b.Name(), err)
	}

	topic := opts.Topic
	if topic == "" {
		topic = config.DefaultDDSTopic
	}

	s, err := newSession(ctx, b, profile, opts.Role, topic, transport.NopLogger(opts.Logger).Named("dds"))
	if err != nil {
		return nil, transport.InitError(b.Name(), err)
	}

	return s, nil
}

type session struct {
	backend  *Backend
	logger   *zap.Logger
	profile  Profile
	role     config.Role
	guid     string
	topic    string
	typeName string
	disp     *transport.Dispatcher
	counters transport.Counters

	conn    *net.UDPConn
	own     *net.UDPAddr
	targets []*net.UDPAddr
	kick    chan struct{}

	// Reader only.
	data    *link.Listener
	locator string

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	remotes    map[string]*remoteParticipant
	readers    map[string]*readerProxy
	writers    map[string]*writerProxy
	conns      map[*link.Link]struct{}
	subscribed bool
	closed     bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newSession(_ context.Context, b *Backend, p Profile, role config.Role, topic string, logger *zap.Logger) (*session, error) {
	typeName := b.TypeName
	if typeName == "" {
		typeName = DefaultTypeName
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &session{
		backend:  b,
		profile:  p,
		role:     role,
		guid:     newGUIDPrefix(),
		topic:    topic,
		typeName: typeName,
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		remotes:  make(map[string]*remoteParticipant),
		readers:  make(map[string]*readerProxy),
		writers:  make(map[string]*writerProxy),
		conns:    make(map[*link.Link]struct{}),
	}
	s.logger = logger.With(
		zap.String("guid", s.guid),
		zap.String("profile", p.Name),
		zap.Int("domain", p.DomainID),
		zap.String("topic", topic),
	)

	if err := s.openDiscovery(); err != nil {
		cancel()

		return nil, err
	}

	if role == config.RoleSubscriber {
		if err := s.openDataListener(); err != nil {
			cancel()
			s.conn.Close()

			return nil, err
		}
	}

	s.disp = transport.NewDispatcher(&s.counters)

	s.wg.Add(3)
	go s.announceLoop()
	go s.receiveLoop()
	go s.leaseLoop()

	if s.data != nil {
		s.wg.Add(1)
		go s.acceptLoop()
	}

	s.logger.Info("participant created", zap.String("discovery", s.own.String()))

	return s, nil
}

// localEndpoints lists what this participant announces. A reader is
// only announced once it has a listener.
func (s *session) localEndpoints() []endpointInfo {
	switch {
	case s.role == config.RolePublisher:
		return []endpointInfo{{ID: localEndpointID, Kind: kindWriter, Topic: s.topic, Type: s.typeName}}
	case s.subscribed:
		return []endpointInfo{{ID: localEndpointID, Kind: kindReader, Topic: s.topic, Type: s.typeName, Locator: s.locator}}
	default:
		return nil
	}
}

// compatible reports whether a remote endpoint pairs with the local one.
func (s *session) compatible(ep endpointInfo) bool {
	want := kindReader
	if s.role == config.RoleSubscriber {
		want = kindWriter
	}

	return ep.Kind == want && ep.Topic == s.topic && ep.Type == s.typeName
}

// Subscribe installs h and announces the reader.
func (s *session) Subscribe(h transport.MessageHandler) error {
	if s.role != config.RoleSubscriber {
		return transport.SubscribeError(s.backend.Name(),
			fmt.Errorf("participant has no reader"))
	}

	if h == nil {
		return transport.SubscribeError(s.backend.Name(), fmt.Errorf("nil listener"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return transport.SubscribeError(s.backend.Name(), net.ErrClosed)
	}

	s.disp.SetMessageHandler(h)

	if !s.subscribed {
		s.subscribed = true
		s.logger.Info("reader created", zap.String("locator", s.locator))
		s.announceSoon()
	}

	return nil
}

func (s *session) OnMatchChanged(h transport.MatchHandler) {
	s.disp.SetMatchHandler(h)
}

func (s *session) Stats() transport.SessionStats {
	return s.counters.Snapshot()
}

// Close announces the participant's departure and releases sockets and
// links.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		conns := make([]*link.Link, 0, len(s.conns))
		for l := range s.conns {
			conns = append(conns, l)
		}
		s.mu.Unlock()

		s.sendAnnouncement(true)
		s.cancel()

		s.conn.Close()
		if s.data != nil {
			s.data.Close()
		}
		for _, l := range conns {
			l.Close()
		}

		s.wg.Wait()
		s.disp.Close()

		s.logger.Info("participant deleted")
	})

	return nil
}

func newGUIDPrefix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
