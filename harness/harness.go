package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/weiihann/latbench/bench"
	"github.com/weiihann/latbench/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunConfig holds parameters for a single paired execution.
type RunConfig struct {
	PacketCount      int
	PayloadSize      int
	Address          string
	Profile          string
	ProfilesFile     string
	DiscoveryTimeout time.Duration
	SettleDelay      time.Duration
	// IdleTimeout lets the subscriber finish when samples were lost.
	IdleTimeout time.Duration
	Timeout     time.Duration
}

// DefaultRunConfig mirrors the reference workload with bounded waits.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		PacketCount:      config.DefaultPacketCount,
		PayloadSize:      config.DefaultPayloadSize,
		DiscoveryTimeout: 30 * time.Second,
		SettleDelay:      200 * time.Millisecond,
		IdleTimeout:      10 * time.Second,
		Timeout:          10 * time.Minute,
	}
}

// args builds the command line shared by both roles.
func (c RunConfig) args(command, backend string) []string {
	args := []string{
		command,
		"--backend", backend,
		"--packets", strconv.Itoa(c.PacketCount),
		"--payload-size", strconv.Itoa(c.PayloadSize),
		"--json",
	}

	if c.Address != "" {
		args = append(args, "--address", c.Address)
	}
	if c.Profile != "" {
		args = append(args, "--profile", c.Profile)
	}
	if c.ProfilesFile != "" {
		args = append(args, "--profiles-file", c.ProfilesFile)
	}
	if c.DiscoveryTimeout > 0 {
		args = append(args, "--discovery-timeout", c.DiscoveryTimeout.String())
	}

	switch command {
	case "subscribe":
		args = append(args, "--receive-count", strconv.Itoa(c.PacketCount))
		if c.IdleTimeout > 0 {
			args = append(args, "--idle-timeout", c.IdleTimeout.String())
		}
	case "publish":
		if c.SettleDelay > 0 {
			args = append(args, "--settle", c.SettleDelay.String())
		}
	}

	return args
}

// Runner launches paired latbench processes for one backend.
type Runner struct {
	Backend    string
	BinaryPath string
	ExtraArgs  []string
	Env        []string
	Logger     *zap.Logger
}

// NewRunner creates a Runner for the named backend. Env is appended to
// the inherited environment.
func NewRunner(
	backend, binaryPath string,
	extraArgs, env []string,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		Backend:    backend,
		BinaryPath: binaryPath,
		ExtraArgs:  extraArgs,
		Env:        env,
		Logger:     logger.With(zap.String("backend", backend)),
	}
}

// Run starts a subscriber and a publisher concurrently and returns both
// parsed results. Either process failing cancels the other.
func (r *Runner) Run(ctx context.Context, cfg RunConfig) (*Result, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	result := &Result{Backend: r.Backend}
	wallStart := time.Now()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		res, err := r.exec(gctx, "subscriber", cfg.args("subscribe", r.Backend))
		if err != nil {
			return err
		}
		result.Subscriber = *res

		return nil
	})

	g.Go(func() error {
		res, err := r.exec(gctx, "publisher", cfg.args("publish", r.Backend))
		if err != nil {
			return err
		}
		result.Publisher = *res

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result.WallMs = time.Since(wallStart).Milliseconds()

	r.Logger.Info("pair finished",
		zap.Int64("wall_ms", result.WallMs),
		zap.Int("sent", result.Publisher.Sent),
		zap.Int("received", result.Subscriber.Received),
	)

	return result, nil
}

func (r *Runner) exec(ctx context.Context, role string, args []string) (*bench.Result, error) {
	full := make([]string, 0, len(r.ExtraArgs)+len(args))
	full = append(full, r.ExtraArgs...)
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, r.BinaryPath, full...)

	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.Logger.Info("starting process",
		zap.String("role", role),
		zap.String("binary", r.BinaryPath),
		zap.Strings("args", full),
	)

	start := time.Now()

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf(
			"%s %s failed: %w\nstderr: %s",
			r.Backend, role, err, stderr.String(),
		)
	}

	r.Logger.Info("process finished",
		zap.String("role", role),
		zap.Duration("wall_time", time.Since(start)),
	)

	result, err := parseResult(r.Backend, &stdout)
	if err != nil {
		return nil, fmt.Errorf(
			"parse %s %s output: %w\nstdout: %s",
			r.Backend, role, err, stdout.String(),
		)
	}

	return result, nil
}

// Compare runs each backend in turn and returns their results in order.
func Compare(
	ctx context.Context,
	binaryPath string,
	backends []string,
	cfg RunConfig,
	logger *zap.Logger,
) ([]Result, error) {
	results := make([]Result, 0, len(backends))

	for _, backend := range backends {
		runner := NewRunner(backend, binaryPath, nil, nil, logger)

		result, err := runner.Run(ctx, cfg)
		if err != nil {
			return results, fmt.Errorf("run %s: %w", backend, err)
		}

		results = append(results, *result)
	}

	return results, nil
}

func parseResult(backend string, r io.Reader) (*bench.Result, error) {
	var result bench.Result
	if err := json.NewDecoder(r).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode JSON: %w", err)
	}

	if result.Backend == "" {
		result.Backend = backend
	}

	return &result, nil
}
