package output

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wesleyorama2/surge/internal/performance/engine"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{500 * time.Millisecond, "500ms"},
		{1 * time.Second, "1.0s"},
		{1*time.Minute + 30*time.Second, "1m 30s"},
		{8 * time.Minute, "8m 00s"},
		{1*time.Hour + 2*time.Minute + 3*time.Second, "1h 02m 03s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatDuration(tt.duration)
			if result != tt.expected {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestFormatDurationShort(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{0, "0ms"},
		{500 * time.Microsecond, "500µs"},
		{50 * time.Millisecond, "50ms"},
		{1500 * time.Millisecond, "1.50s"},
		{90 * time.Second, "1.5m"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatDurationShort(tt.duration)
			if result != tt.expected {
				t.Errorf("formatDurationShort(%v) = %q, want %q", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		number   int64
		expected string
	}{
		{0, "0"},
		{100, "100"},
		{1000, "1,000"},
		{12345, "12,345"},
		{1234567, "1,234,567"},
		{-1500, "-1,500"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := formatNumber(tt.number)
			if result != tt.expected {
				t.Errorf("formatNumber(%d) = %q, want %q", tt.number, result, tt.expected)
			}
		})
	}
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello", "hello"},
		{"\033[32mgreen\033[0m", "green"},
		{"\033[1m\033[34mbold blue\033[0m", "bold blue"},
		{"no \033[31mcolors\033[0m here", "no colors here"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := stripANSI(tt.input)
			if result != tt.expected {
				t.Errorf("stripANSI(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestConsoleOutputCreation(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{
		TestName:      "Test Name",
		ExecutorType:  "ramping-vus",
		TotalDuration: time.Minute,
		Writer:        &buf,
	})

	if output.testName != "Test Name" {
		t.Errorf("testName = %q, want %q", output.testName, "Test Name")
	}
	if output.IsTTY() {
		t.Error("Expected non-TTY when writing to buffer")
	}
	if output.UpdateInterval() != time.Second {
		t.Errorf("UpdateInterval() = %v, want default 1s", output.UpdateInterval())
	}
}

func TestPrintHeader(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{
		TestName:      "order/user workload",
		ExecutorType:  "ramping-vus",
		TotalDuration: 8 * time.Minute,
		Writer:        &buf,
	})
	output.PrintHeader()

	header := buf.String()
	if !strings.Contains(header, "order/user workload - Running [ramping-vus]") {
		t.Errorf("header missing title: %q", header)
	}
	if !strings.Contains(header, "8m 00s") {
		t.Errorf("header missing planned duration: %q", header)
	}
}

func TestProgressBar(t *testing.T) {
	output := NewConsoleOutput(ConsoleOutputConfig{
		TestName: "Test",
		Writer:   &bytes.Buffer{},
	})

	for _, progress := range []float64{-0.5, 0.0, 0.5, 1.0, 1.5} {
		result := output.renderProgressBar(progress, 20)

		if !strings.HasPrefix(result, "[") || !strings.HasSuffix(result, "]") {
			t.Errorf("Progress bar should be wrapped in brackets: %q", result)
		}

		// runes, not bytes: the bar uses multi-byte characters
		if runeCount := len([]rune(result)); runeCount != 22 {
			t.Errorf("Progress bar rune count = %d, want 22", runeCount)
		}
	}
}

func TestUpdate_TTYRedraw(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{
		TestName: "Test",
		Writer:   &buf,
		ForceTTY: true,
	})

	stats := &LiveStats{Progress: 0.25, ActiveVUs: 25, TargetVUs: 100, CurrentPhase: "ramp-up", CurrentStage: 1, TotalStages: 3}
	output.Update(stats)
	first := buf.String()

	if !strings.Contains(first, "ramp-up (1/3)") {
		t.Errorf("live display missing stage info: %q", first)
	}
	if !strings.Contains(first, "25") {
		t.Errorf("live display missing VU count: %q", first)
	}
	if strings.Contains(first, "\033[2K") {
		t.Error("first update should not clear lines")
	}

	output.Update(stats)
	if !strings.Contains(buf.String()[len(first):], "\033[2K") {
		t.Error("second update should clear the previous display")
	}
}

func TestUpdate_NonTTYIsSilent(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{TestName: "Test", Writer: &buf})
	output.Update(&LiveStats{Progress: 0.5})

	if buf.Len() != 0 {
		t.Errorf("Update wrote %q to a non-TTY writer", buf.String())
	}

	output.PrintNonInteractiveUpdate(&LiveStats{Progress: 0.5, ActiveVUs: 3, TotalRequests: 10, ChecksRate: 1})
	line := buf.String()
	if !strings.Contains(line, "Progress: 50%") || !strings.Contains(line, "VUs: 3") || !strings.Contains(line, "Checks: 100.0%") {
		t.Errorf("unexpected non-interactive update: %q", line)
	}
}

func testResult() *engine.TestResult {
	return &engine.TestResult{
		Name:     "Test Result",
		Duration: 30 * time.Second,
		Passed:   true,
		Metrics: &metrics.Snapshot{
			TotalRequests:    1000,
			SuccessRequests:  990,
			FailedRequests:   10,
			ErrorRate:        0.01,
			RPS:              33.33,
			Iterations:       500,
			FailedIterations: 2,
			Latency: metrics.LatencyStats{
				Min:  10 * time.Millisecond,
				Max:  100 * time.Millisecond,
				Mean: 30 * time.Millisecond,
				P50:  25 * time.Millisecond,
				P90:  50 * time.Millisecond,
				P95:  60 * time.Millisecond,
				P99:  80 * time.Millisecond,
			},
		},
		Checks: []engine.CheckResult{
			{Name: "GET /order status is 200", Passes: 500, Rate: 1},
			{Name: "POST /user status is 201", Passes: 490, Fails: 10, Rate: 0.98},
		},
		Thresholds: []engine.ThresholdResult{
			{
				Metric:     "http_req_duration",
				Expression: "p95 < 100ms",
				Passed:     true,
				Value:      "60ms",
			},
		},
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{
		TestName: "Test",
		Writer:   &buf,
	})

	output.PrintSummary(testResult())
	summary := buf.String()

	for _, want := range []string{
		"Test Result",
		"Completed ✓",
		"1,000",
		"500 (2 failed)",
		"✓ GET /order status is 200  500/500 (100.0%)",
		"✗ POST /user status is 201  490/500 (98.0%)",
		"✓ http_req_duration p95 < 100ms (actual: 60ms)",
		"P95:       60ms",
	} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
}

func TestPrintSummary_Failed(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{TestName: "Test", Writer: &buf})

	result := testResult()
	result.Passed = false
	result.Error = "scenario default failed: boom"
	output.PrintSummary(result)

	if !strings.Contains(buf.String(), "Failed ✗") {
		t.Error("Summary should show failure status")
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Error("Summary should show the run error")
	}
}

func TestPrintSummary_Colors(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{TestName: "Test", Writer: &buf, ForceColors: true})
	output.PrintSummary(testResult())

	if !strings.Contains(buf.String(), "\033[") {
		t.Error("expected ANSI colors when colors are forced")
	}
	if !strings.Contains(stripANSI(buf.String()), "Completed ✓") {
		t.Error("colored summary should still contain the status")
	}
}

func TestStatsFromMetrics(t *testing.T) {
	snapshot := &metrics.Snapshot{
		TotalRequests:   500,
		SuccessRequests: 490,
		FailedRequests:  10,
		ErrorRate:       0.02,
		RPS:             50.0,
		ActiveVUs:       10,
		Iterations:      250,
		ChecksRate:      0.99,
		CurrentPhase:    metrics.PhaseSteady,
		Elapsed:         30 * time.Second,
		Latency: metrics.LatencyStats{
			Mean: 20 * time.Millisecond,
			P95:  50 * time.Millisecond,
		},
	}

	stats := StatsFromMetrics(snapshot, 0.5, time.Minute, 20, 2, 3)

	if stats.Progress != 0.5 {
		t.Errorf("Progress = %f, want 0.5", stats.Progress)
	}
	if stats.Remaining != 30*time.Second {
		t.Errorf("Remaining = %v, want 30s", stats.Remaining)
	}
	if stats.ActiveVUs != 10 || stats.TargetVUs != 20 {
		t.Errorf("VUs = %d/%d, want 10/20", stats.ActiveVUs, stats.TargetVUs)
	}
	if stats.Iterations != 250 || stats.ChecksRate != 0.99 {
		t.Errorf("iterations/checks = %d/%f", stats.Iterations, stats.ChecksRate)
	}
	if stats.CurrentPhase != "steady" {
		t.Errorf("CurrentPhase = %q, want steady", stats.CurrentPhase)
	}

	empty := StatsFromMetrics(nil, 0, time.Minute, 5, 0, 0)
	if empty.CurrentPhase != "initializing" {
		t.Errorf("CurrentPhase without metrics = %q", empty.CurrentPhase)
	}
}

func TestQuietMode(t *testing.T) {
	var buf bytes.Buffer

	output := NewConsoleOutput(ConsoleOutputConfig{
		TestName: "Test",
		Writer:   &buf,
		Quiet:    true,
		ForceTTY: true,
	})

	output.PrintHeader()
	output.Update(&LiveStats{Progress: 0.5, ActiveVUs: 10, TargetVUs: 10})
	output.PrintNonInteractiveUpdate(&LiveStats{Progress: 0.5})
	if buf.Len() != 0 {
		t.Errorf("quiet mode wrote %q", buf.String())
	}

	output.PrintSummary(&engine.TestResult{Name: "Test", Passed: true})
	if !strings.Contains(buf.String(), "PASSED") {
		t.Error("PrintSummary should output PASSED in quiet mode")
	}

	buf.Reset()
	output.PrintSummary(&engine.TestResult{Name: "Test", Passed: false})
	if !strings.Contains(buf.String(), "FAILED") {
		t.Error("PrintSummary should output FAILED in quiet mode")
	}
}

func TestSaveJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "result.json")

	if err := SaveJSON(path, testResult()); err != nil {
		t.Fatalf("SaveJSON() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if decoded["name"] != "Test Result" {
		t.Errorf("name = %v", decoded["name"])
	}
	checks, ok := decoded["checks"].([]any)
	if !ok || len(checks) != 2 {
		t.Errorf("checks = %v", decoded["checks"])
	}
}
