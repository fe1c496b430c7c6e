// Package harness runs latbench publisher and subscriber processes
// against each other and collects their results.
package harness

import "github.com/weiihann/latbench/bench"

// Result holds the structured output of one paired run.
type Result struct {
	Backend    string       `json:"backend"`
	Publisher  bench.Result `json:"publisher"`
	Subscriber bench.Result `json:"subscriber"`
	WallMs     int64        `json:"wall_ms"`
}
