package failure

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorMatchesSentinel(t *testing.T) {
	err := New(TransportInit, "open dds", io.EOF)

	if !errors.Is(err, ErrTransportInit) {
		t.Error("expected errors.Is to match ErrTransportInit")
	}
	if errors.Is(err, ErrConfig) {
		t.Error("transport init error must not match ErrConfig")
	}
	if !errors.Is(err, io.EOF) {
		t.Error("expected cause to be reachable through Unwrap")
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := Errorf(DiscoveryTimeout, "wait for match", "no peer after %s", "5s")
	outer := fmt.Errorf("publisher: %w", inner)

	if got := KindOf(outer); got != DiscoveryTimeout {
		t.Errorf("KindOf = %v, want %v", got, DiscoveryTimeout)
	}

	bare := fmt.Errorf("subscribe: %w", ErrSubscribe)
	if got := KindOf(bare); got != Subscribe {
		t.Errorf("KindOf(bare sentinel) = %v, want %v", got, Subscribe)
	}

	if got := KindOf(errors.New("boom")); got != Unknown {
		t.Errorf("KindOf(foreign) = %v, want %v", got, Unknown)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"stopped", New(Stopped, "receive", nil), ExitSuccess},
		{"config", New(Config, "validate", nil), ExitConfig},
		{"init", New(TransportInit, "open", nil), ExitTransportInit},
		{"discovery", New(DiscoveryTimeout, "wait", nil), ExitDiscoveryTimeout},
		{"subscribe", New(Subscribe, "subscribe", nil), ExitSubscribe},
		{"foreign", errors.New("boom"), ExitGeneral},
	}

	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("%s: ExitCode = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestErrorMessageNamesStage(t *testing.T) {
	err := New(Config, "encode", errors.New("size 4 too small"))

	want := "encode: config error: size 4 too small"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestFatal(t *testing.T) {
	if Send.Fatal() || MalformedMessage.Fatal() {
		t.Error("send and malformed failures must not be fatal")
	}
	if !TransportInit.Fatal() || !Config.Fatal() {
		t.Error("transport init and config failures must be fatal")
	}
}
