// Package zeromq implements the PUB/SUB backend on go-zeromq/zmq4, so it
// speaks ZMTP 3 and interoperates with libzmq peers. The publisher binds
// a TCP endpoint and the subscriber connects and reconnects to it.
//
// zmq4 reports no connection events, so every connection runs through a
// transport that follows its ZMTP frames. A subscriber is matched once
// the publisher's READY command arrives. The publisher matches a
// subscriber once its first subscription has been received, and sees
// every message that reaches the wire, which lets Close linger until
// queued messages are written.
package zeromq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/weiihann/latbench/config"
	"github.com/weiihann/latbench/transport"
	"github.com/weiihann/latbench/transport/link"
)

const (
	// DefaultLinger bounds how long Close waits for queued messages.
	DefaultLinger = 10 * time.Second

	// DefaultMatchDelay separates a received subscription from the match
	// event, leaving zmq4 time to apply the subscription itself.
	DefaultMatchDelay = 20 * time.Millisecond

	lingerPoll = 5 * time.Millisecond
)

func init() {
	if err := zmq4.RegisterTransport(scheme, observedTCP{}); err != nil {
		panic(fmt.Sprintf("zeromq: register transport: %v", err))
	}

	transport.Register(New())
}

// Backend opens PUB and SUB sessions.
type Backend struct {
	// Retry controls subscriber connects and reconnects.
	Retry link.RetryConfig
	// Linger bounds how long a publisher's Close waits for queued
	// messages to reach the wire. Messages still pending then are
	// counted as dropped. Zero does not wait.
	Linger time.Duration
	// MatchDelay is the pause between a subscription and the match.
	MatchDelay time.Duration
}

// New returns a Backend with libzmq-like defaults.
func New() *Backend {
	return &Backend{
		Retry:      link.DefaultRetryConfig(),
		Linger:     DefaultLinger,
		MatchDelay: DefaultMatchDelay,
	}
}

// Name implements transport.Backend.
func (b *Backend) Name() string {
	return config.BackendZeroMQ
}

// Open binds (publisher) or starts connecting (subscriber) to the
// tcp:// endpoint in opts.Address.
func (b *Backend) Open(ctx context.Context, opts transport.Options) (transport.Session, error) {
	addr, err := ParseEndpoint(opts.Address)
	if err != nil {
		return nil, transport.InitError(b.Name(), err)
	}

	if err := ctx.Err(); err != nil {
		return nil, transport.InitError(b.Name(), err)
	}

	logger := transport.NopLogger(opts.Logger).Named("zeromq")
	endpoint := scheme + "://" + addr

	switch opts.Role {
	case config.RolePublisher:
		s, err := listenPub(b, endpoint, logger)
		if err != nil {
			return nil, transport.InitError(b.Name(), err)
		}

		return s, nil
	case config.RoleSubscriber:
		return dialSub(b, endpoint, logger), nil
	default:
		return nil, transport.InitError(b.Name(), fmt.Errorf("unsupported role %q", opts.Role))
	}
}

// ParseEndpoint converts a tcp://host:port endpoint to host:port. A "*"
// host binds all interfaces.
func ParseEndpoint(endpoint string) (string, error) {
	rest, ok := strings.CutPrefix(endpoint, "tcp://")
	if !ok {
		return "", fmt.Errorf("endpoint %q: only tcp:// is supported", endpoint)
	}

	host, port, ok := strings.Cut(rest, ":")
	if !ok || port == "" {
		return "", fmt.Errorf("endpoint %q: missing port", endpoint)
	}

	if host == "*" || host == "" {
		host = "0.0.0.0"
	}

	return host + ":" + port, nil
}
