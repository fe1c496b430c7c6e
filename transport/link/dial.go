package link

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"
)

// ErrMaxRetriesExceeded is returned when Dial gives up.
var ErrMaxRetriesExceeded = errors.New("link: max dial attempts exceeded")

// RetryConfig configures reconnect backoff.
type RetryConfig struct {
	// InitialDelay is the delay before the first retry. Default: 100ms
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries. Default: 2s
	MaxDelay time.Duration

	// Multiplier is applied to the delay after each retry. Default: 2.0
	Multiplier float64

	// MaxAttempts bounds the number of attempts. Zero retries until the
	// context ends.
	MaxAttempts int

	// Jitter is the random fraction (0-1) added to each delay. Default: 0.1
	Jitter float64
}

// DefaultRetryConfig mirrors the reconnect behaviour of a ZeroMQ socket.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Dial connects to a TCP address, retrying with exponential backoff until
// it succeeds, attempts run out, or ctx ends.
func Dial(ctx context.Context, addr string, cfg RetryConfig) (*Link, error) {
	conn, err := DialConn(ctx, addr, cfg)
	if err != nil {
		return nil, err
	}

	return New(conn), nil
}

// DialConn is Dial without the framing, for transports that speak their
// own wire protocol over the connection.
func DialConn(ctx context.Context, addr string, cfg RetryConfig) (net.Conn, error) {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}

	var (
		dialer  net.Dialer
		delay   = cfg.InitialDelay
		lastErr error
	)

	for attempt := 1; cfg.MaxAttempts <= 0 || attempt <= cfg.MaxAttempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if cfg.MaxAttempts > 0 && attempt == cfg.MaxAttempts {
			break
		}

		actual := delay
		if cfg.Jitter > 0 {
			actual += time.Duration(rand.Float64() * cfg.Jitter * float64(delay))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(actual):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return nil, errors.Join(ErrMaxRetriesExceeded, fmt.Errorf("dial %s: %w", addr, lastErr))
}

// Listener accepts framed links.
type Listener struct {
	ln net.Listener
}

// Listen binds a TCP address. Port 0 picks an ephemeral port.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	return &Listener{ln: ln}, nil
}

// Accept waits for the next connection.
func (l *Listener) Accept() (*Link, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}

	return New(conn), nil
}

// Addr returns the bound address, with the actual port when 0 was
// requested.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Close stops accepting.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}
