package workload

import (
	"bytes"
	"errors"
	mrand "math/rand"
	"testing"
	"time"

	"github.com/weiihann/latbench/failure"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rng := mrand.New(mrand.NewSource(42))

	stamps := []float64{0, 1, 0.5, 1718031234.5678912, 1e9, 9999999999.999998}
	for i := 0; i < 200; i++ {
		stamps = append(stamps, rng.Float64()*4e9)
	}

	for _, ts := range stamps {
		size := len(FormatStamp(ts)) + 1 + rng.Intn(256)

		payload, err := Encode(ts, size)
		if err != nil {
			t.Fatalf("Encode(%v, %d) failed: %v", ts, size, err)
		}

		if len(payload) != size {
			t.Fatalf("len(Encode(%v, %d)) = %d", ts, size, len(payload))
		}

		frame, err := Decode(payload)
		if err != nil {
			t.Fatalf("Decode failed for %v: %v", ts, err)
		}

		if frame.Timestamp != ts {
			t.Errorf("timestamp = %v, want %v", frame.Timestamp, ts)
		}
		if frame.Size != size {
			t.Errorf("size = %d, want %d", frame.Size, size)
		}
	}
}

func TestEncodeMinimumSize(t *testing.T) {
	ts := 1718031234.25
	stamp := FormatStamp(ts)

	payload, err := Encode(ts, len(stamp)+1)
	if err != nil {
		t.Fatalf("Encode at exact minimum failed: %v", err)
	}

	if payload[len(payload)-1] != Delimiter {
		t.Errorf("last byte = %q, want delimiter", payload[len(payload)-1])
	}

	for size := 0; size <= len(stamp); size++ {
		_, err := Encode(ts, size)
		if !errors.Is(err, failure.ErrConfig) {
			t.Errorf("Encode(size=%d) error = %v, want config error", size, err)
		}
	}
}

func TestEncodeLayout(t *testing.T) {
	payload, err := Encode(12.5, 10)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if string(payload) != "12.5xxxxxx" {
		t.Errorf("payload = %q, want %q", payload, "12.5xxxxxx")
	}
}

func TestStampNeverContainsDelimiter(t *testing.T) {
	for _, ts := range []float64{1e-7, 1e21, 123456789012345678, 0.1} {
		if bytes.IndexByte([]byte(FormatStamp(ts)), Delimiter) >= 0 {
			t.Errorf("FormatStamp(%v) = %q contains delimiter", ts, FormatStamp(ts))
		}
	}

	if w := len(FormatStamp(Seconds(time.Now()))); w > MaxStampWidth {
		t.Errorf("current stamp width %d exceeds MaxStampWidth", w)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"no delimiter", []byte("1718031234.5")},
		{"leading delimiter", []byte("xxxx")},
		{"garbage stamp", []byte("abcx1234")},
	}

	for _, tt := range tests {
		_, err := Decode(tt.payload)
		if !errors.Is(err, failure.ErrMalformedMessage) {
			t.Errorf("%s: error = %v, want malformed message", tt.name, err)
		}
	}
}

func TestDecodeOriginalFraming(t *testing.T) {
	// Timestamp text immediately followed by the filler run.
	payload := append([]byte("1718031234.123456"), bytes.Repeat([]byte("x"), 64)...)

	frame, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if frame.Timestamp != 1718031234.123456 {
		t.Errorf("timestamp = %v", frame.Timestamp)
	}
	if frame.Size != len(payload) {
		t.Errorf("size = %d, want %d", frame.Size, len(payload))
	}
}

func TestGeneratorCounts(t *testing.T) {
	base := time.Unix(1718031234, 0)
	tick := 0
	clock := func() time.Time {
		tick++

		return base.Add(time.Duration(tick) * time.Millisecond)
	}

	gen := NewGenerator(Config{Count: 5, Size: 64, Clock: clock})

	var last float64
	for i := 0; i < 5; i++ {
		s, ok, err := gen.Next()
		if err != nil || !ok {
			t.Fatalf("Next #%d: ok=%v err=%v", i, ok, err)
		}

		if s.Index != i {
			t.Errorf("index = %d, want %d", s.Index, i)
		}
		if len(s.Payload) != 64 {
			t.Errorf("payload len = %d, want 64", len(s.Payload))
		}
		if s.Timestamp <= last {
			t.Errorf("timestamps not increasing: %v after %v", s.Timestamp, last)
		}
		last = s.Timestamp
	}

	if _, ok, _ := gen.Next(); ok {
		t.Error("expected generator to be exhausted")
	}

	sum := gen.Summary()
	if sum.Generated != 5 || sum.Bytes != 5*64 {
		t.Errorf("summary = %+v, want 5 samples / 320 bytes", sum)
	}
	if gen.Remaining() != 0 {
		t.Errorf("remaining = %d, want 0", gen.Remaining())
	}
}

func TestGeneratorFreshPayloads(t *testing.T) {
	gen := NewGenerator(Config{Count: 2, Size: 32})

	a, _, _ := gen.Next()
	b, _, _ := gen.Next()

	a.Payload[0] = '#'
	if b.Payload[0] == '#' {
		t.Error("payloads share a backing array")
	}
}

func TestFrameLatency(t *testing.T) {
	sent := time.Unix(1000, 0)
	f := Frame{Timestamp: Seconds(sent)}

	got := f.Latency(sent.Add(250 * time.Millisecond))
	if got < 0.2499 || got > 0.2501 {
		t.Errorf("latency = %v, want 0.25", got)
	}
}
