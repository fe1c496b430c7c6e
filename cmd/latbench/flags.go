package main

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/weiihann/latbench/config"
)

// runFlags binds the per-run flags. Values only override the
// environment when the flag was set explicitly.
type runFlags struct {
	packets          int
	payloadSize      int
	address          string
	profile          string
	profilesFile     string
	topic            string
	backend          string
	role             string
	discoveryTimeout time.Duration
	receiveCount     int
	idleTimeout      time.Duration
	settle           time.Duration
	minPeers         int
	interval         time.Duration
	outputJSON       bool
}

func (f *runFlags) register(flags *pflag.FlagSet, withRole bool) {
	def := config.Default()

	flags.IntVar(&f.packets, "packets", def.PacketCount,
		"Number of packets to publish")
	flags.IntVar(&f.payloadSize, "payload-size", def.PayloadSize,
		"Payload size in bytes")
	flags.StringVar(&f.address, "address", "",
		"Backend locator (default: backend specific)")
	flags.StringVar(&f.profile, "profile", def.Profile,
		"DDS participant profile")
	flags.StringVar(&f.profilesFile, "profiles-file", "",
		"YAML file with extra DDS profiles")
	flags.StringVar(&f.topic, "topic", "",
		"Topic or key expression (default: backend specific)")
	flags.StringVar(&f.backend, "backend", def.Backend,
		"Transport backend: dds, zenoh, zeromq, loopback")
	flags.DurationVar(&f.discoveryTimeout, "discovery-timeout", 0,
		"Give up when no peer matched within this time (0 = wait forever)")
	flags.IntVar(&f.receiveCount, "receive-count", 0,
		"Subscriber stops after this many samples (0 = until stopped)")
	flags.DurationVar(&f.idleTimeout, "idle-timeout", 0,
		"Subscriber stops when idle this long after the first sample")
	flags.DurationVar(&f.settle, "settle", 0,
		"Publisher pause between discovery and the first send")
	flags.IntVar(&f.minPeers, "min-peers", def.MinPeers,
		"Subscribers the publisher waits for")
	flags.DurationVar(&f.interval, "interval", 0,
		"Pause between published packets")
	flags.BoolVar(&f.outputJSON, "json", false,
		"Print the result as JSON instead of a summary line")

	if withRole {
		flags.StringVar(&f.role, "role", string(def.Role),
			"Role: publisher or subscriber")
	}
}

// config resolves defaults, then LATBENCH_* variables, then explicit
// flags.
func (f *runFlags) config(flags *pflag.FlagSet, role config.Role) (config.Benchmark, error) {
	cfg, err := config.FromEnv(config.Default())
	if err != nil {
		return cfg, err
	}

	if role != "" {
		cfg.Role = role
	}

	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}

	set("packets", func() { cfg.PacketCount = f.packets })
	set("payload-size", func() { cfg.PayloadSize = f.payloadSize })
	set("address", func() { cfg.Address = f.address })
	set("profile", func() { cfg.Profile = f.profile })
	set("profiles-file", func() { cfg.ProfilesFile = f.profilesFile })
	set("topic", func() { cfg.Topic = f.topic })
	set("backend", func() { cfg.Backend = f.backend })
	set("role", func() { cfg.Role = config.Role(f.role) })
	set("discovery-timeout", func() { cfg.DiscoveryTimeout = f.discoveryTimeout })
	set("receive-count", func() { cfg.ReceiveCount = f.receiveCount })
	set("idle-timeout", func() { cfg.IdleTimeout = f.idleTimeout })
	set("settle", func() { cfg.SettleDelay = f.settle })
	set("min-peers", func() { cfg.MinPeers = f.minPeers })
	set("interval", func() { cfg.SendInterval = f.interval })

	return cfg, cfg.Validate()
}
