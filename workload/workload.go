// Package workload produces the fixed-size timestamped messages of a
// latency run. Each message carries the decimal send time in seconds,
// one delimiter byte, then filler up to the configured payload size:
//
//	1718031234.5678912x xxxxxxxx...x
//
// The delimiter and filler are both 'x', which keeps the framing readable
// by receivers that locate the timestamp by scanning for the first 'x'.
package workload

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/weiihann/latbench/failure"
)

const (
	// Delimiter terminates the timestamp text.
	Delimiter byte = 'x'
	// Filler pads the payload after the delimiter.
	Filler byte = 'x'

	// MaxStampWidth bounds the length of a timestamp encoded by
	// FormatStamp for any wall clock before year 2286.
	MaxStampWidth = 24
	// Overhead is the framing space a payload must exceed.
	Overhead = MaxStampWidth + 1
	// MaxPayloadSize is the largest payload the transports will carry.
	MaxPayloadSize = 64 << 20
)

// Frame is the decoded view of a payload.
type Frame struct {
	Timestamp float64
	Size      int
}

// Seconds converts t to fractional seconds since the Unix epoch.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FormatStamp renders ts as the shortest decimal text that parses back
// to exactly ts. The text never contains an exponent.
func FormatStamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}

// Encode builds a payload of exactly size bytes carrying ts. It fails
// with a config error if size cannot hold the timestamp and delimiter.
func Encode(ts float64, size int) ([]byte, error) {
	stamp := FormatStamp(ts)

	if size < len(stamp)+1 {
		return nil, failure.Errorf(failure.Config, "encode",
			"payload size %d cannot hold %d-byte timestamp and delimiter",
			size, len(stamp))
	}

	buf := make([]byte, size)
	n := copy(buf, stamp)
	buf[n] = Delimiter

	for i := n + 1; i < size; i++ {
		buf[i] = Filler
	}

	return buf, nil
}

// Decode scans payload for the delimiter and parses the timestamp in
// front of it. It fails with a malformed message error if the delimiter
// is missing or the leading text is not a decimal number.
func Decode(payload []byte) (Frame, error) {
	idx := bytes.IndexByte(payload, Delimiter)
	if idx < 0 {
		return Frame{}, failure.Errorf(failure.MalformedMessage, "decode",
			"no delimiter in %d-byte payload", len(payload))
	}

	if idx == 0 {
		return Frame{}, failure.Errorf(failure.MalformedMessage, "decode",
			"empty timestamp")
	}

	ts, err := strconv.ParseFloat(string(payload[:idx]), 64)
	if err != nil {
		return Frame{}, failure.New(failure.MalformedMessage, "decode",
			fmt.Errorf("parse timestamp: %w", err))
	}

	return Frame{Timestamp: ts, Size: len(payload)}, nil
}

// Latency returns now minus the frame's send timestamp, in seconds.
func (f Frame) Latency(now time.Time) float64 {
	return Seconds(now) - f.Timestamp
}

// Sample is one generated message.
type Sample struct {
	Index     int
	Timestamp float64
	Payload   []byte
}

// Summary contains statistics about the generated workload.
type Summary struct {
	Generated int
	Bytes     int64
}

// Config controls workload generation parameters.
type Config struct {
	Count int
	Size  int
	// Clock stamps each sample. Nil uses time.Now.
	Clock func() time.Time
}

// Generator produces Count freshly stamped samples. Each payload is a new
// allocation so transports may retain it after sending.
type Generator struct {
	cfg     Config
	next    int
	summary Summary
}

// NewGenerator creates a Generator from the given Config.
func NewGenerator(cfg Config) *Generator {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Generator{cfg: cfg}
}

// Remaining returns how many samples are left.
func (g *Generator) Remaining() int {
	return g.cfg.Count - g.next
}

// Next stamps and returns the next sample. ok is false once Count
// samples have been produced.
func (g *Generator) Next() (Sample, bool, error) {
	if g.next >= g.cfg.Count {
		return Sample{}, false, nil
	}

	ts := Seconds(g.cfg.Clock())

	payload, err := Encode(ts, g.cfg.Size)
	if err != nil {
		return Sample{}, false, err
	}

	s := Sample{Index: g.next, Timestamp: ts, Payload: payload}

	g.next++
	g.summary.Generated++
	g.summary.Bytes += int64(len(payload))

	return s, true, nil
}

// Summary reports what has been generated so far.
func (g *Generator) Summary() Summary {
	return g.summary
}
