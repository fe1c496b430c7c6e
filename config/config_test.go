package config

import (
	"errors"
	"testing"
	"time"

	"github.com/weiihann/latbench/failure"
	"github.com/weiihann/latbench/workload"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() failed: %v", err)
	}

	if cfg.PacketCount != 100 {
		t.Errorf("packet count = %d, want 100", cfg.PacketCount)
	}
	if cfg.PayloadSize != 4056292 {
		t.Errorf("payload size = %d, want 4056292", cfg.PayloadSize)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Benchmark)
	}{
		{"zero packets", func(b *Benchmark) { b.PacketCount = 0 }},
		{"negative packets", func(b *Benchmark) { b.PacketCount = -1 }},
		{"payload equal to overhead", func(b *Benchmark) { b.PayloadSize = workload.Overhead }},
		{"payload too large", func(b *Benchmark) { b.PayloadSize = workload.MaxPayloadSize + 1 }},
		{"unknown role", func(b *Benchmark) { b.Role = "observer" }},
		{"unknown backend", func(b *Benchmark) { b.Backend = "mqtt" }},
		{"negative timeout", func(b *Benchmark) { b.DiscoveryTimeout = -time.Second }},
		{"negative receive count", func(b *Benchmark) { b.ReceiveCount = -3 }},
		{"no peers", func(b *Benchmark) { b.MinPeers = 0 }},
	}

	for _, tt := range tests {
		cfg := Default()
		tt.mutate(&cfg)

		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected error", tt.name)

			continue
		}

		if !errors.Is(err, failure.ErrConfig) {
			t.Errorf("%s: error %v is not a config error", tt.name, err)
		}
	}
}

func TestResolvedAddress(t *testing.T) {
	tests := []struct {
		backend string
		address string
		want    string
	}{
		{BackendZeroMQ, "", DefaultZeroMQAddress},
		{BackendZenoh, "", DefaultZenohAddress},
		{BackendLoopback, "", DefaultLoopback},
		{BackendDDS, "", ""},
		{BackendZeroMQ, "tcp://10.0.0.1:6000", "tcp://10.0.0.1:6000"},
	}

	for _, tt := range tests {
		cfg := Default()
		cfg.Backend = tt.backend
		cfg.Address = tt.address

		if got := cfg.ResolvedAddress(); got != tt.want {
			t.Errorf("%s/%q: ResolvedAddress = %q, want %q",
				tt.backend, tt.address, got, tt.want)
		}
	}
}

func TestResolvedTopic(t *testing.T) {
	tests := []struct {
		backend string
		topic   string
		want    string
	}{
		{BackendZenoh, "", DefaultTopic},
		{BackendZeroMQ, "", DefaultTopic},
		{BackendDDS, "", DefaultDDSTopic},
		{BackendDDS, "LatencyTopic", "LatencyTopic"},
	}

	for _, tt := range tests {
		cfg := Default()
		cfg.Backend = tt.backend
		cfg.Topic = tt.topic

		if got := cfg.ResolvedTopic(); got != tt.want {
			t.Errorf("%s/%q: ResolvedTopic = %q, want %q",
				tt.backend, tt.topic, got, tt.want)
		}
	}
}

func TestFromLookup(t *testing.T) {
	env := map[string]string{
		EnvPacketCount:      "5",
		EnvPayloadSize:      "64",
		EnvRole:             "Subscriber",
		EnvBackend:          "ZENOH",
		EnvDiscoveryTimeout: "2s",
		EnvReceiveCount:     "5",
		EnvAddress:          "tcp/127.0.0.1:9000",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]

		return v, ok
	}

	cfg, err := fromLookup(Default(), lookup)
	if err != nil {
		t.Fatalf("fromLookup failed: %v", err)
	}

	if cfg.PacketCount != 5 || cfg.PayloadSize != 64 || cfg.ReceiveCount != 5 {
		t.Errorf("counts = %d/%d/%d, want 5/64/5",
			cfg.PacketCount, cfg.PayloadSize, cfg.ReceiveCount)
	}
	if cfg.Role != RoleSubscriber {
		t.Errorf("role = %q, want %q", cfg.Role, RoleSubscriber)
	}
	if cfg.Backend != BackendZenoh {
		t.Errorf("backend = %q, want %q", cfg.Backend, BackendZenoh)
	}
	if cfg.DiscoveryTimeout != 2*time.Second {
		t.Errorf("discovery timeout = %s, want 2s", cfg.DiscoveryTimeout)
	}
	if cfg.Address != "tcp/127.0.0.1:9000" {
		t.Errorf("address = %q", cfg.Address)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("overlaid config invalid: %v", err)
	}
}

func TestFromLookupBadValue(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == EnvPacketCount {
			return "lots", true
		}

		return "", false
	}

	_, err := fromLookup(Default(), lookup)
	if !errors.Is(err, failure.ErrConfig) {
		t.Errorf("error = %v, want config error", err)
	}
}
