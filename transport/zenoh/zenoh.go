// Package zenoh implements a Zenoh-style key-expression pub/sub backend.
//
// Sessions exchange a hello and their publisher and subscriber
// declarations on every link, then route puts only to peers that
// declared an intersecting subscriber. The publisher listens on its
// endpoint and the subscriber connects to it, retrying until it is up.
package zenoh

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/weiihann/latbench/config"
	"github.com/weiihann/latbench/transport"
	"github.com/weiihann/latbench/transport/link"
)

const defaultHelloTimeout = 5 * time.Second

func init() {
	transport.Register(New())
}

// Backend opens Zenoh-style sessions.
type Backend struct {
	// Retry controls how a subscriber reaches the publisher.
	Retry link.RetryConfig
	// HelloTimeout bounds the wait for a peer's hello.
	HelloTimeout time.Duration
}

// New returns a Backend with default settings.
func New() *Backend {
	return &Backend{
		Retry:        link.DefaultRetryConfig(),
		HelloTimeout: defaultHelloTimeout,
	}
}

// Name implements transport.Backend.
func (b *Backend) Name() string {
	return config.BackendZenoh
}

// Open starts a session on the tcp/host:port endpoint in opts.Address.
// A publisher also declares a publisher on opts.Topic.
func (b *Backend) Open(ctx context.Context, opts transport.Options) (transport.Session, error) {
	addr, err := ParseEndpoint(opts.Address)
	if err != nil {
		return nil, transport.InitError(b.Name(), err)
	}

	key := opts.Topic
	if key == "" {
		key = config.DefaultTopic
	}
	if err := Validate(key); err != nil {
		return nil, transport.InitError(b.Name(), err)
	}

	if opts.Role != config.RolePublisher && opts.Role != config.RoleSubscriber {
		return nil, transport.InitError(b.Name(), fmt.Errorf("unsupported role %q", opts.Role))
	}

	s, err := openSession(ctx, b, opts.Role, addr, key, transport.NopLogger(opts.Logger).Named("zenoh"))
	if err != nil {
		return nil, transport.InitError(b.Name(), err)
	}

	return s, nil
}

// ParseEndpoint converts a tcp/host:port locator to host:port.
func ParseEndpoint(endpoint string) (string, error) {
	rest, ok := strings.CutPrefix(endpoint, "tcp/")
	if !ok {
		return "", fmt.Errorf("endpoint %q: only tcp/ locators are supported", endpoint)
	}

	i := strings.LastIndexByte(rest, ':')
	if i < 0 || i == len(rest)-1 {
		return "", fmt.Errorf("endpoint %q: missing port", endpoint)
	}

	return rest, nil
}

func newZID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
