package bench

import (
	"github.com/weiihann/latbench/config"
	"github.com/weiihann/latbench/stats"
)

// Result is the outcome of one side of a run. The subscriber's Result
// carries the latency summary; the publisher's carries send counts.
type Result struct {
	Role    config.Role `json:"role"`
	Backend string      `json:"backend"`

	// Sent counts every attempted sample; SendErrors is the subset whose
	// Publish failed.
	Sent       int    `json:"sent"`
	SendErrors int    `json:"send_errors"`
	Dropped    uint64 `json:"dropped"`

	Received       int           `json:"received"`
	DecodeFailures int           `json:"decode_failures"`
	Summary        stats.Summary `json:"summary"`

	// Stopped is set when the run was cancelled before completing.
	Stopped   bool  `json:"stopped"`
	ElapsedMs int64 `json:"elapsed_ms"`
}
