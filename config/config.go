// Package config holds the parameters of a single latency run and their
// defaults, environment overlay and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/weiihann/latbench/failure"
	"github.com/weiihann/latbench/workload"
)

// Role selects which side of the pub/sub pair this process plays.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// Backend names understood by the transport registry.
const (
	BackendDDS      = "dds"
	BackendZenoh    = "zenoh"
	BackendZeroMQ   = "zeromq"
	BackendLoopback = "loopback"
)

// Defaults matching the reference workload.
const (
	DefaultPacketCount   = 100
	DefaultPayloadSize   = 4056292
	DefaultTopic         = "demo/latency"
	DefaultDDSTopic      = "SimpleMessageTopic"
	DefaultProfile       = "SHMParticipant"
	DefaultZeroMQAddress = "tcp://127.0.0.1:5555"
	DefaultZenohAddress  = "tcp/127.0.0.1:7447"
	DefaultLoopback      = "local"
)

// Environment variables consulted by FromEnv.
const (
	EnvPacketCount      = "LATBENCH_PACKET_COUNT"
	EnvPayloadSize      = "LATBENCH_PAYLOAD_SIZE"
	EnvAddress          = "LATBENCH_ADDRESS"
	EnvProfile          = "LATBENCH_PROFILE"
	EnvRole             = "LATBENCH_ROLE"
	EnvBackend          = "LATBENCH_BACKEND"
	EnvDiscoveryTimeout = "LATBENCH_DISCOVERY_TIMEOUT"
	EnvReceiveCount     = "LATBENCH_RECEIVE_COUNT"
)

// KnownBackends returns the list of supported backend names.
func KnownBackends() []string {
	return []string{BackendDDS, BackendZenoh, BackendZeroMQ, BackendLoopback}
}

// Benchmark is the full parameter set of one run. It is treated as
// immutable once Validate has succeeded.
type Benchmark struct {
	PacketCount int
	PayloadSize int
	// Address is the backend-specific locator. Empty selects the
	// backend default.
	Address string
	// Profile names the DDS participant profile.
	Profile      string
	ProfilesFile string
	// Topic is the topic or key expression. Empty selects the backend
	// default.
	Topic   string
	Role    Role
	Backend string

	// DiscoveryTimeout bounds the wait for a matched peer. Zero waits
	// until the run is cancelled.
	DiscoveryTimeout time.Duration
	// ReceiveCount stops a subscriber after that many samples. Zero
	// listens until stopped.
	ReceiveCount int
	// IdleTimeout stops a subscriber when no sample arrived for that
	// long after the first one. Zero disables it.
	IdleTimeout time.Duration
	// SettleDelay pauses the publisher between discovery and the first
	// send.
	SettleDelay time.Duration
	// MinPeers is the number of matched peers a publisher waits for.
	MinPeers int
	// SendInterval paces the publisher. Zero sends as fast as the
	// transport accepts.
	SendInterval time.Duration
}

// Default returns a publisher configuration for the zeromq backend with
// the reference packet count and payload size.
func Default() Benchmark {
	return Benchmark{
		PacketCount: DefaultPacketCount,
		PayloadSize: DefaultPayloadSize,
		Profile:     DefaultProfile,
		Role:        RolePublisher,
		Backend:     BackendZeroMQ,
		MinPeers:    1,
	}
}

// ResolvedAddress returns Address, or the default locator of the
// configured backend when Address is empty.
func (b Benchmark) ResolvedAddress() string {
	if b.Address != "" {
		return b.Address
	}

	switch b.Backend {
	case BackendZeroMQ:
		return DefaultZeroMQAddress
	case BackendZenoh:
		return DefaultZenohAddress
	case BackendLoopback:
		return DefaultLoopback
	default:
		return ""
	}
}

// ResolvedTopic returns Topic, or the default topic of the configured
// backend when Topic is empty.
func (b Benchmark) ResolvedTopic() string {
	if b.Topic != "" {
		return b.Topic
	}

	if b.Backend == BackendDDS {
		return DefaultDDSTopic
	}

	return DefaultTopic
}

// Validate checks the configuration and returns a failure.Config error
// describing the first problem found.
func (b Benchmark) Validate() error {
	const op = "validate config"

	if b.PacketCount <= 0 {
		return failure.Errorf(failure.Config, op,
			"packet count must be positive, got %d", b.PacketCount)
	}

	if b.PayloadSize <= workload.Overhead {
		return failure.Errorf(failure.Config, op,
			"payload size %d must exceed framing overhead of %d bytes",
			b.PayloadSize, workload.Overhead)
	}

	if b.PayloadSize > workload.MaxPayloadSize {
		return failure.Errorf(failure.Config, op,
			"payload size %d exceeds maximum of %d bytes",
			b.PayloadSize, workload.MaxPayloadSize)
	}

	switch b.Role {
	case RolePublisher, RoleSubscriber:
	default:
		return failure.Errorf(failure.Config, op, "unknown role %q", b.Role)
	}

	if !isKnownBackend(b.Backend) {
		return failure.Errorf(failure.Config, op,
			"unknown backend %q (known: %s)",
			b.Backend, strings.Join(KnownBackends(), ", "))
	}

	if b.DiscoveryTimeout < 0 || b.IdleTimeout < 0 ||
		b.SettleDelay < 0 || b.SendInterval < 0 {
		return failure.Errorf(failure.Config, op, "durations must not be negative")
	}

	if b.ReceiveCount < 0 {
		return failure.Errorf(failure.Config, op,
			"receive count must not be negative, got %d", b.ReceiveCount)
	}

	if b.MinPeers < 1 {
		return failure.Errorf(failure.Config, op,
			"min peers must be at least 1, got %d", b.MinPeers)
	}

	return nil
}

// FromEnv overlays LATBENCH_* environment variables onto base.
func FromEnv(base Benchmark) (Benchmark, error) {
	return fromLookup(base, os.LookupEnv)
}

func fromLookup(
	base Benchmark,
	lookup func(string) (string, bool),
) (Benchmark, error) {
	cfg := base

	if v, ok := lookup(EnvPacketCount); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, envError(EnvPacketCount, err)
		}
		cfg.PacketCount = n
	}

	if v, ok := lookup(EnvPayloadSize); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, envError(EnvPayloadSize, err)
		}
		cfg.PayloadSize = n
	}

	if v, ok := lookup(EnvReceiveCount); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, envError(EnvReceiveCount, err)
		}
		cfg.ReceiveCount = n
	}

	if v, ok := lookup(EnvDiscoveryTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, envError(EnvDiscoveryTimeout, err)
		}
		cfg.DiscoveryTimeout = d
	}

	if v, ok := lookup(EnvAddress); ok {
		cfg.Address = v
	}

	if v, ok := lookup(EnvProfile); ok {
		cfg.Profile = v
	}

	if v, ok := lookup(EnvRole); ok {
		cfg.Role = Role(strings.ToLower(v))
	}

	if v, ok := lookup(EnvBackend); ok {
		cfg.Backend = strings.ToLower(v)
	}

	return cfg, nil
}

func envError(name string, err error) error {
	return failure.New(failure.Config, "read environment",
		fmt.Errorf("%s: %w", name, err))
}

func isKnownBackend(name string) bool {
	for _, b := range KnownBackends() {
		if b == name {
			return true
		}
	}

	return false
}
