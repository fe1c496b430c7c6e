// Package bench drives one side of a latency run: it opens a transport
// session, synchronizes with the remote side and then either publishes
// the workload or records the latency of every sample it receives.
package bench

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weiihann/latbench/config"
	"github.com/weiihann/latbench/discovery"
	"github.com/weiihann/latbench/failure"
	"github.com/weiihann/latbench/stats"
	"github.com/weiihann/latbench/transport"
	"github.com/weiihann/latbench/workload"
	"go.uber.org/zap"
)

// State is the lifecycle stage of a Driver.
type State int32

const (
	StateInit State = iota
	StateDiscovering
	StateActive
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateDiscovering:
		return "DISCOVERING"
	case StateActive:
		return "ACTIVE"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Option configures a Driver.
type Option func(*Driver)

// WithClock replaces time.Now for stamping and latency measurement.
func WithClock(clock func() time.Time) Option {
	return func(d *Driver) { d.clock = clock }
}

// Driver runs a single benchmark role against one backend.
type Driver struct {
	cfg     config.Benchmark
	backend transport.Backend
	base    *zap.Logger
	logger  *zap.Logger
	clock   func() time.Time

	sync     *discovery.Synchronizer
	recorder *stats.Recorder
	state    atomic.Int32
}

// New creates a Driver. cfg is validated by Run.
func New(cfg config.Benchmark, backend transport.Backend, logger *zap.Logger, opts ...Option) *Driver {
	base := transport.NopLogger(logger)
	d := &Driver{
		cfg:      cfg,
		backend:  backend,
		base:     base,
		logger:   base.Named("bench").With(zap.String("role", string(cfg.Role)), zap.String("backend", backend.Name())),
		clock:    time.Now,
		sync:     discovery.New(),
		recorder: stats.NewRecorder(cfg.PacketCount),
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// State returns the current lifecycle stage.
func (d *Driver) State() State {
	return State(d.state.Load())
}

// Discovery exposes the match bookkeeping of the run.
func (d *Driver) Discovery() discovery.State {
	return d.sync.State()
}

func (d *Driver) setState(s State) {
	prev := State(d.state.Swap(int32(s)))
	if prev != s {
		d.logger.Info("state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Run executes the configured role until it completes, fails or ctx is
// cancelled. A cancelled run returns its partial Result with Stopped set
// and a nil error. On failure the partial Result is returned alongside
// the error when a session was opened.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	if err := d.cfg.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	d.setState(StateInit)

	session, err := d.backend.Open(ctx, transport.OptionsFrom(d.cfg, d.base))
	if err != nil {
		d.setState(StateDone)

		return nil, err
	}

	closeSession := sync.OnceFunc(func() {
		if err := session.Close(); err != nil {
			d.logger.Warn("close session", zap.Error(err))
		}
	})
	defer closeSession()

	session.OnMatchChanged(d.sync.Handler())

	res := &Result{Role: d.cfg.Role, Backend: d.backend.Name()}

	switch d.cfg.Role {
	case config.RolePublisher:
		err = d.publish(ctx, session, res)
	default:
		err = d.subscribe(ctx, session)
	}

	closeSession()

	res.Dropped = session.Stats().Dropped
	if d.cfg.Role == config.RoleSubscriber {
		res.Summary = d.recorder.Summarize()
		res.Received = res.Summary.Count
		res.DecodeFailures = res.Summary.DecodeFailures
	}
	res.ElapsedMs = time.Since(start).Milliseconds()

	if failure.KindOf(err) == failure.Stopped {
		res.Stopped = true
		err = nil
	}

	d.setState(StateDone)
	d.logger.Info("run finished",
		zap.Int("sent", res.Sent),
		zap.Int("received", res.Received),
		zap.Bool("stopped", res.Stopped),
		zap.Int64("elapsed_ms", res.ElapsedMs),
		zap.Error(err),
	)

	return res, err
}

func (d *Driver) publish(ctx context.Context, session transport.Session, res *Result) error {
	d.setState(StateDiscovering)
	d.logger.Info("waiting for subscribers", zap.Int("min_peers", d.cfg.MinPeers))

	if err := d.sync.WaitForPeers(ctx, d.cfg.MinPeers, d.cfg.DiscoveryTimeout); err != nil {
		return err
	}

	if err := sleep(ctx, d.cfg.SettleDelay); err != nil {
		return err
	}

	d.setState(StateActive)

	gen := workload.NewGenerator(workload.Config{
		Count: d.cfg.PacketCount,
		Size:  d.cfg.PayloadSize,
		Clock: d.clock,
	})

	var tick <-chan time.Time
	if d.cfg.SendInterval > 0 {
		t := time.NewTicker(d.cfg.SendInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		sample, ok, err := gen.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		if err := session.Publish(ctx, sample.Payload); err != nil {
			if ctx.Err() != nil {
				return failure.New(failure.Stopped, "publish", ctx.Err())
			}

			// A failed send still counts; the subscriber just never sees it.
			res.Sent++
			res.SendErrors++
			d.logger.Warn("send failed", zap.Int("packet", sample.Index+1), zap.Error(err))
		} else {
			res.Sent++
			d.logger.Info("sent packet",
				zap.Int("packet", sample.Index+1),
				zap.Int("of", d.cfg.PacketCount),
				zap.Int("size", len(sample.Payload)),
			)
		}

		if tick != nil && gen.Remaining() > 0 {
			select {
			case <-tick:
			case <-ctx.Done():
				return failure.New(failure.Stopped, "publish", ctx.Err())
			}
		}
	}

	d.logger.Info("all packets sent",
		zap.Int("sent", res.Sent),
		zap.Int("send_errors", res.SendErrors),
		zap.Int64("bytes", gen.Summary().Bytes),
	)

	return nil
}

func (d *Driver) subscribe(ctx context.Context, session transport.Session) error {
	d.setState(StateDiscovering)

	arrived := make(chan struct{}, 1)
	complete := make(chan struct{})
	completeOnce := sync.OnceFunc(func() { close(complete) })

	err := session.Subscribe(func(payload []byte) {
		now := d.clock()

		frame, err := workload.Decode(payload)
		if err != nil {
			n := d.recorder.RecordDecodeFailure()
			d.logger.Warn("discarding malformed sample", zap.Int("failures", n), zap.Error(err))

			return
		}

		latency := frame.Latency(now)
		n := d.recorder.Record(latency)
		d.logger.Info("received packet",
			zap.Int("packet", n),
			zap.Int("size", frame.Size),
			zap.Float64("latency_ms", latency*1e3),
		)

		select {
		case arrived <- struct{}{}:
		default:
		}

		if d.cfg.ReceiveCount > 0 && n >= d.cfg.ReceiveCount {
			completeOnce()
		}
	})
	if err != nil {
		return err
	}

	d.setState(StateActive)

	// A bounded subscriber gives up when no publisher ever shows.
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	noPublisher := make(chan error, 1)
	if d.cfg.DiscoveryTimeout > 0 {
		go func() {
			err := d.sync.WaitForMatch(watchCtx, d.cfg.DiscoveryTimeout)
			if failure.KindOf(err) == failure.DiscoveryTimeout {
				noPublisher <- err
			}
		}()
	}

	idle := time.NewTimer(time.Hour)
	idle.Stop()
	defer idle.Stop()

	for {
		select {
		case <-complete:
			d.logger.Info("receive count reached", zap.Int("count", d.cfg.ReceiveCount))

			return nil
		case <-arrived:
			if d.cfg.IdleTimeout > 0 {
				idle.Reset(d.cfg.IdleTimeout)
			}
		case <-idle.C:
			d.logger.Info("no samples within idle timeout", zap.Duration("idle_timeout", d.cfg.IdleTimeout))

			return nil
		case err := <-noPublisher:
			if d.recorder.Count() > 0 {
				return nil
			}

			return err
		case <-ctx.Done():
			return failure.New(failure.Stopped, "subscribe", ctx.Err())
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return failure.New(failure.Stopped, "settle", ctx.Err())
	}
}
