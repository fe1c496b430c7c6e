// Package main provides the CLI entry point for latbench, a pub/sub
// latency benchmark for DDS, Zenoh and ZeroMQ style transports.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/weiihann/latbench/bench"
	"github.com/weiihann/latbench/config"
	"github.com/weiihann/latbench/failure"
	"github.com/weiihann/latbench/harness"
	"github.com/weiihann/latbench/logging"
	"github.com/weiihann/latbench/report"
	"github.com/weiihann/latbench/transport"
	"github.com/weiihann/latbench/transport/dds"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	_ "github.com/weiihann/latbench/transport/loopback"
	_ "github.com/weiihann/latbench/transport/zenoh"
	_ "github.com/weiihann/latbench/transport/zeromq"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "latbench:", err)
	}

	os.Exit(failure.ExitCode(err))
}

// app carries what every subcommand shares.
type app struct {
	logCfg logging.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logCfg: logging.FromEnv()}

	root := &cobra.Command{
		Use:   "latbench",
		Short: "Pub/sub transport latency benchmark",
		Long: `Latbench measures one-way latency between a publisher and a subscriber
over DDS, Zenoh or ZeroMQ style transports. The publisher stamps every
payload with its send time; the subscriber reports count, mean and
variance of the observed latencies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			logger, err := logging.New(a.logCfg)
			if err != nil {
				return failure.New(failure.Config, "configure logging", err)
			}
			a.logger = logger

			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.logCfg.Level, "log-level", a.logCfg.Level,
		"Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&a.logCfg.Format, "log-format", a.logCfg.Format,
		"Log format: console or json")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return failure.New(failure.Config, "parse flags", err)
	})

	root.AddCommand(
		a.newRunCmd("run", "", "Run one side of a benchmark"),
		a.newRunCmd("publish", config.RolePublisher, "Publish the workload and wait for subscribers"),
		a.newRunCmd("subscribe", config.RoleSubscriber, "Receive samples and report their latency"),
		a.newCompareCmd(),
		newProfilesCmd(),
	)

	return root
}

func (a *app) newRunCmd(use string, role config.Role, short string) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.config(cmd.Flags(), role)
			if err != nil {
				return err
			}

			return a.runBenchmark(cmd.Context(), cfg, f.outputJSON)
		},
	}

	f.register(cmd.Flags(), role == "")

	return cmd
}

func (a *app) runBenchmark(ctx context.Context, cfg config.Benchmark, outputJSON bool) error {
	backend, err := transport.Lookup(cfg.Backend)
	if err != nil {
		return err
	}

	a.logger.Info("starting benchmark",
		zap.String("role", string(cfg.Role)),
		zap.String("backend", cfg.Backend),
		zap.String("address", cfg.ResolvedAddress()),
		zap.String("topic", cfg.ResolvedTopic()),
		zap.Int("packets", cfg.PacketCount),
		zap.Int("payload_size", cfg.PayloadSize),
	)

	res, runErr := bench.New(cfg, backend, a.logger).Run(ctx)
	if res == nil {
		return runErr
	}

	if outputJSON {
		err = report.GenerateJSON(os.Stdout, res)
	} else {
		err = report.PrintSummary(os.Stdout, *res)
	}

	if runErr != nil {
		return runErr
	}
	if err != nil {
		return fmt.Errorf("print result: %w", err)
	}

	return nil
}

func (a *app) newCompareCmd() *cobra.Command {
	var (
		backends   []string
		binary     string
		buildFrom  string
		outputJSON bool
	)

	cfg := harness.DefaultRunConfig()

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Run publisher/subscriber pairs for several backends and compare",
		Long: `Compare starts a subscriber and a publisher process for every backend in
turn, collects both results and prints a comparison table.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.compare(cmd.Context(), backends, binary, buildFrom, outputJSON, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&backends, "backends",
		[]string{config.BackendZeroMQ, config.BackendZenoh, config.BackendDDS},
		"Backends to compare")
	flags.StringVar(&binary, "binary", "",
		"latbench binary to launch (default: this executable)")
	flags.StringVar(&buildFrom, "build-from", "",
		"Build latbench from this source directory first")
	flags.BoolVar(&outputJSON, "json", false,
		"Output results as JSON instead of table")
	flags.IntVar(&cfg.PacketCount, "packets", cfg.PacketCount,
		"Number of packets per backend")
	flags.IntVar(&cfg.PayloadSize, "payload-size", cfg.PayloadSize,
		"Payload size in bytes")
	flags.StringVar(&cfg.Profile, "profile", "",
		"DDS participant profile")
	flags.StringVar(&cfg.ProfilesFile, "profiles-file", "",
		"YAML file with extra DDS profiles")
	flags.DurationVar(&cfg.DiscoveryTimeout, "discovery-timeout", cfg.DiscoveryTimeout,
		"Discovery timeout for both sides")
	flags.DurationVar(&cfg.SettleDelay, "settle", cfg.SettleDelay,
		"Publisher pause after discovery")
	flags.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout,
		"Subscriber idle timeout")
	flags.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout,
		"Upper bound for one backend pair")

	return cmd
}

func (a *app) compare(
	ctx context.Context,
	backends []string,
	binary, buildFrom string,
	outputJSON bool,
	cfg harness.RunConfig,
) error {
	if len(backends) == 0 {
		return failure.Errorf(failure.Config, "compare",
			"at least one backend must be specified via --backends")
	}

	var err error

	switch {
	case buildFrom != "":
		outDir, mkErr := os.MkdirTemp("", "latbench-build-*")
		if mkErr != nil {
			return fmt.Errorf("create build dir: %w", mkErr)
		}
		defer os.RemoveAll(outDir)

		binary, err = harness.Build(ctx, a.logger, buildFrom, outDir)
		if err != nil {
			return err
		}
	case binary == "":
		binary, err = os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
	}

	binary, err = filepath.Abs(binary)
	if err != nil {
		return fmt.Errorf("resolve binary: %w", err)
	}

	a.logger.Info("starting comparison",
		zap.Strings("backends", backends),
		zap.Int("packets", cfg.PacketCount),
		zap.Int("payload_size", cfg.PayloadSize),
	)

	start := time.Now()

	results, err := harness.Compare(ctx, binary, backends, cfg, a.logger)
	if err != nil {
		return err
	}

	if outputJSON {
		if err := report.GenerateJSON(os.Stdout, results); err != nil {
			return fmt.Errorf("generate JSON report: %w", err)
		}
	} else {
		if err := report.Generate(os.Stdout, results); err != nil {
			return fmt.Errorf("generate report: %w", err)
		}
	}

	a.logger.Info("comparison complete", zap.Duration("elapsed", time.Since(start)))

	return nil
}

func newProfilesCmd() *cobra.Command {
	var profilesFile string

	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List DDS participant profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			profiles, err := dds.LoadProfiles(profilesFile)
			if err != nil {
				return failure.New(failure.Config, "load profiles", err)
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)

			if err := enc.Encode(map[string][]dds.Profile{"profiles": profiles}); err != nil {
				return fmt.Errorf("encode profiles: %w", err)
			}

			return enc.Close()
		},
	}

	cmd.Flags().StringVar(&profilesFile, "profiles-file", "",
		"YAML file with extra DDS profiles")

	return cmd
}
