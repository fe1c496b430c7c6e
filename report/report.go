// Package report formats run results for terminals and comparison
// tables.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/fatih/color"
	"github.com/weiihann/latbench/bench"
	"github.com/weiihann/latbench/config"
	"github.com/weiihann/latbench/harness"
)

var (
	headline = color.New(color.Bold)
	good     = color.New(color.FgGreen)
	warn     = color.New(color.FgYellow)
)

// PrintSummary writes the final summary of one side of a run.
func PrintSummary(w io.Writer, r bench.Result) error {
	if _, err := headline.Fprintf(w, "%s %s: ", r.Backend, r.Role); err != nil {
		return err
	}

	if r.Role == config.RolePublisher {
		line := fmt.Sprintf("sent=%d send_errors=%d dropped=%d", r.Sent, r.SendErrors, r.Dropped)
		if r.SendErrors > 0 {
			_, err := warn.Fprintln(w, line)

			return err
		}

		_, err := good.Fprintln(w, line)

		return err
	}

	s := r.Summary
	if s.Empty() {
		_, err := warn.Fprintf(w, "no data (decode_failures=%d)\n", r.DecodeFailures)

		return err
	}

	if _, err := good.Fprintf(w, "count=%d mean=%.3f ms variance=%.3f ms²\n",
		s.Count, s.MeanMillis(), s.VarianceMillis2()); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "  stddev=%.3f ms min=%s p50=%s p90=%s p99=%s max=%s decode_failures=%d\n",
		s.StdDevMillis(),
		formatSeconds(s.Min), formatSeconds(s.P50), formatSeconds(s.P90),
		formatSeconds(s.P99), formatSeconds(s.Max),
		r.DecodeFailures,
	)
	if err != nil {
		return err
	}

	if r.Stopped {
		_, err = warn.Fprintln(w, "  stopped before completion")
	}

	return err
}

// Generate writes a markdown comparison table for the given results.
func Generate(w io.Writer, results []harness.Result) error {
	if len(results) == 0 {
		return fmt.Errorf("no results to report")
	}

	fastest := findFastest(results)

	fmt.Fprintln(w, "## Latency Results")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "| Backend | Received | Mean | Std Dev | P50 | P99 "+
		"| Max | Relative |")
	fmt.Fprintln(w, "|---------|----------|------|---------|-----|-----"+
		"|-----|----------|")

	for _, r := range results {
		s := r.Subscriber.Summary

		relative := "-"
		if fastest > 0 && s.Mean > 0 {
			relative = fmt.Sprintf("%.2fx", s.Mean/fastest)
		}

		fmt.Fprintf(w, "| %s | %d/%d | %s | %s | %s | %s | %s | %s |\n",
			r.Backend,
			r.Subscriber.Received,
			r.Publisher.Sent,
			formatSeconds(s.Mean),
			formatMs(s.StdDevMillis()),
			formatSeconds(s.P50),
			formatSeconds(s.P99),
			formatSeconds(s.Max),
			relative,
		)
	}

	fmt.Fprintln(w)

	fmt.Fprintln(w, "| Backend | Send Errors | Dropped | Decode Failures | Wall |")
	fmt.Fprintln(w, "|---------|-------------|---------|-----------------|------|")

	for _, r := range results {
		fmt.Fprintf(w, "| %s | %d | %d | %d | %s |\n",
			r.Backend,
			r.Publisher.SendErrors,
			r.Publisher.Dropped,
			r.Subscriber.DecodeFailures,
			formatMs(float64(r.WallMs)),
		)
	}

	return nil
}

// GenerateJSON writes results as JSON to w.
func GenerateJSON(w io.Writer, results any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(results)
}

// findFastest returns the lowest positive mean latency in seconds.
func findFastest(results []harness.Result) float64 {
	fastest := math.Inf(1)
	for _, r := range results {
		if m := r.Subscriber.Summary.Mean; m > 0 && m < fastest {
			fastest = m
		}
	}

	if math.IsInf(fastest, 1) {
		return 0
	}

	return fastest
}

func formatSeconds(s float64) string {
	return formatMs(s * 1e3)
}

func formatMs(ms float64) string {
	switch {
	case ms <= 0:
		return "-"
	case ms < 1:
		return fmt.Sprintf("%.0fµs", ms*1e3)
	case ms < 1000:
		return fmt.Sprintf("%.2fms", ms)
	default:
		return fmt.Sprintf("%.2fs", ms/1000)
	}
}
