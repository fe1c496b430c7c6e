package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/weiihann/latbench/bench"
	"github.com/weiihann/latbench/config"
	"github.com/weiihann/latbench/harness"
	"github.com/weiihann/latbench/stats"
)

func init() {
	color.NoColor = true
}

func pair(backend string, mean float64) harness.Result {
	return harness.Result{
		Backend:   backend,
		Publisher: bench.Result{Role: config.RolePublisher, Backend: backend, Sent: 100},
		Subscriber: bench.Result{
			Role:     config.RoleSubscriber,
			Backend:  backend,
			Received: 100,
			Summary:  stats.Summary{Count: 100, Mean: mean, P50: mean, P99: mean * 2, Max: mean * 3},
		},
		WallMs: 1500,
	}
}

func TestGenerateRelative(t *testing.T) {
	results := []harness.Result{
		pair("zeromq", 0.002),
		pair("zenoh", 0.001),
		pair("dds", 0.004),
	}

	var buf bytes.Buffer
	if err := Generate(&buf, results); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	output := buf.String()

	for _, want := range []string{"zeromq", "zenoh", "dds", "100/100", "1.50s"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output", want)
		}
	}
	if !strings.Contains(output, "| 1.00x |") {
		t.Error("expected 1.00x for the fastest backend")
	}
	if !strings.Contains(output, "| 2.00x |") {
		t.Error("expected 2.00x for zeromq (twice as slow)")
	}
	if !strings.Contains(output, "| 4.00x |") {
		t.Error("expected 4.00x for dds")
	}
}

func TestGenerateNoSamples(t *testing.T) {
	r := pair("zenoh", 0)
	r.Subscriber.Received = 0
	r.Subscriber.Summary = stats.Summary{}

	var buf bytes.Buffer
	if err := Generate(&buf, []harness.Result{r}); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if !strings.Contains(buf.String(), "| zenoh | 0/100 | - |") {
		t.Errorf("unexpected row for empty run:\n%s", buf.String())
	}
}

func TestGenerateEmpty(t *testing.T) {
	var buf bytes.Buffer
	err := Generate(&buf, nil)
	if err == nil {
		t.Error("expected error for empty results")
	}
}

func TestGenerateJSON(t *testing.T) {
	results := []harness.Result{pair("zeromq", 0.001)}

	var buf bytes.Buffer
	if err := GenerateJSON(&buf, results); err != nil {
		t.Fatalf("GenerateJSON failed: %v", err)
	}

	var parsed []harness.Result
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if len(parsed) != 1 {
		t.Fatalf("expected 1 result, got %d", len(parsed))
	}
	if parsed[0].Subscriber.Summary.Count != 100 {
		t.Errorf("count = %d, want 100", parsed[0].Subscriber.Summary.Count)
	}
}

func TestPrintSummarySubscriber(t *testing.T) {
	r := bench.Result{
		Role:    config.RoleSubscriber,
		Backend: "zeromq",
		Summary: stats.Summary{Count: 3, Mean: 0.002, Variance: 0.000001, Min: 0.001, Max: 0.003, P50: 0.002},
	}

	var buf bytes.Buffer
	if err := PrintSummary(&buf, r); err != nil {
		t.Fatalf("PrintSummary failed: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "count=3 mean=2.000 ms variance=1.000 ms²") {
		t.Errorf("unexpected summary line:\n%s", output)
	}
	if !strings.Contains(output, "stddev=1.000 ms") {
		t.Errorf("missing stddev:\n%s", output)
	}
	if strings.Contains(output, "stopped") {
		t.Errorf("completed run reported as stopped:\n%s", output)
	}
}

func TestPrintSummaryNoData(t *testing.T) {
	r := bench.Result{Role: config.RoleSubscriber, Backend: "dds", Stopped: true}

	var buf bytes.Buffer
	if err := PrintSummary(&buf, r); err != nil {
		t.Fatalf("PrintSummary failed: %v", err)
	}

	if !strings.Contains(buf.String(), "no data") {
		t.Errorf("expected no data:\n%s", buf.String())
	}
}

func TestPrintSummaryPublisher(t *testing.T) {
	r := bench.Result{Role: config.RolePublisher, Backend: "zenoh", Sent: 99, SendErrors: 1}

	var buf bytes.Buffer
	if err := PrintSummary(&buf, r); err != nil {
		t.Fatalf("PrintSummary failed: %v", err)
	}

	if !strings.Contains(buf.String(), "sent=99 send_errors=1 dropped=0") {
		t.Errorf("unexpected publisher line:\n%s", buf.String())
	}
}

func TestFormatMs(t *testing.T) {
	tests := []struct {
		input float64
		want  string
	}{
		{0, "-"},
		{0.25, "250µs"},
		{2.5, "2.50ms"},
		{999, "999.00ms"},
		{1000, "1.00s"},
		{1500, "1.50s"},
	}

	for _, tt := range tests {
		got := formatMs(tt.input)
		if got != tt.want {
			t.Errorf("formatMs(%v) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
