// Package failure defines the error taxonomy shared by every stage of a
// latency run, along with the process exit codes each kind maps to.
package failure

import (
	"errors"
	"fmt"
)

// Exit codes returned by the latbench binary.
const (
	ExitSuccess          = 0
	ExitGeneral          = 1
	ExitConfig           = 2
	ExitTransportInit    = 3
	ExitDiscoveryTimeout = 4
	ExitSubscribe        = 5
)

// Kind classifies a failure by the stage that produced it.
type Kind int

const (
	Unknown Kind = iota
	Config
	TransportInit
	Subscribe
	Send
	DiscoveryTimeout
	MalformedMessage
	Stopped
)

// Sentinels usable with errors.Is. Every *Error matches the sentinel of
// its Kind.
var (
	ErrConfig           = errors.New("config error")
	ErrTransportInit    = errors.New("transport init error")
	ErrSubscribe        = errors.New("subscribe error")
	ErrSend             = errors.New("send error")
	ErrDiscoveryTimeout = errors.New("discovery timeout")
	ErrMalformedMessage = errors.New("malformed message")
	ErrStopped          = errors.New("stopped early")
)

var sentinels = map[Kind]error{
	Config:           ErrConfig,
	TransportInit:    ErrTransportInit,
	Subscribe:        ErrSubscribe,
	Send:             ErrSend,
	DiscoveryTimeout: ErrDiscoveryTimeout,
	MalformedMessage: ErrMalformedMessage,
	Stopped:          ErrStopped,
}

// String returns the kind name used in log fields.
func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case TransportInit:
		return "transport_init"
	case Subscribe:
		return "subscribe"
	case Send:
		return "send"
	case DiscoveryTimeout:
		return "discovery_timeout"
	case MalformedMessage:
		return "malformed_message"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Fatal reports whether a failure of this kind ends the run.
func (k Kind) Fatal() bool {
	switch k {
	case Send, MalformedMessage:
		return false
	default:
		return true
	}
}

// Error is a failure tagged with its kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, sentinels[e.Kind])
	}

	return fmt.Sprintf("%s: %s: %v", e.Op, sentinels[e.Kind], e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]

	return ok && target == s
}

// New wraps err as a failure of the given kind raised by op.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a failure of the given kind from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or of the
// first sentinel it wraps. It returns Unknown for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}

	return Unknown
}

// ExitCode maps err to the process exit code. A nil error and a run that
// was stopped early both exit successfully.
func ExitCode(err error) int {
	switch KindOf(err) {
	case Unknown:
		if err == nil {
			return ExitSuccess
		}

		return ExitGeneral
	case Stopped:
		return ExitSuccess
	case Config:
		return ExitConfig
	case TransportInit:
		return ExitTransportInit
	case DiscoveryTimeout:
		return ExitDiscoveryTimeout
	case Subscribe:
		return ExitSubscribe
	default:
		return ExitGeneral
	}
}
