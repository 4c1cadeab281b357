// Package output provides console output for performance testing.
package output

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/wesleyorama2/surge/internal/performance/engine"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// ANSI escape codes for cursor control
const (
	cursorUp  = "\033[%dA" // Move cursor up N lines
	clearLine = "\033[2K"  // Clear entire line

	// Box drawing characters
	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	// Progress bar characters
	progressFilled = "█"
	progressEmpty  = "░"
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	// Progress tracking
	Progress  float64       // 0.0 to 1.0
	Elapsed   time.Duration // Time elapsed since test start
	Remaining time.Duration // Estimated time remaining

	// VU stats
	ActiveVUs int // Current active virtual users
	TargetVUs int // Target virtual users

	// Request stats
	CurrentRPS    float64 // Current requests per second
	TotalRequests int64   // Total requests completed
	Errors        int64   // Total errors
	ErrorRate     float64 // Error rate (0.0 to 1.0)
	Iterations    int64   // Completed iterations
	ChecksRate    float64 // Check pass rate (0.0 to 1.0)

	// Latency stats
	LatencyP95 time.Duration // P95 latency
	LatencyAvg time.Duration // Average latency

	// Phase info
	CurrentPhase string // Current test phase name
	CurrentStage int    // Current stage number (1-indexed)
	TotalStages  int    // Total number of stages
}

// ConsoleOutput manages live console output during test execution.
type ConsoleOutput struct {
	testName       string
	executorType   string
	totalDuration  time.Duration
	updateInterval time.Duration
	writer         io.Writer
	isTTY          bool
	useColors      bool
	quiet          bool

	mu          sync.Mutex
	lastStats   *LiveStats
	linesOutput int // Number of lines in the live display
}

// ConsoleOutputConfig contains configuration for ConsoleOutput.
type ConsoleOutputConfig struct {
	TestName       string
	ExecutorType   string
	TotalDuration  time.Duration
	UpdateInterval time.Duration
	Writer         io.Writer
	Quiet          bool
	ForceColors    bool
	ForceTTY       bool
}

// NewConsoleOutput creates a new console output handler.
func NewConsoleOutput(config ConsoleOutputConfig) *ConsoleOutput {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.UpdateInterval == 0 {
		config.UpdateInterval = time.Second
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)
	useColors := config.ForceColors || (isTTY && supportsColors())

	return &ConsoleOutput{
		testName:       config.TestName,
		executorType:   config.ExecutorType,
		totalDuration:  config.TotalDuration,
		updateInterval: config.UpdateInterval,
		writer:         config.Writer,
		isTTY:          isTTY,
		useColors:      useColors,
		quiet:          config.Quiet,
	}
}

// supportsColors checks if the terminal supports colors.
func supportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}

	// Recent Windows terminals support ANSI
	if runtime.GOOS == "windows" {
		return true
	}

	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}

// UpdateInterval returns how often the live display should be refreshed.
func (c *ConsoleOutput) UpdateInterval() time.Duration {
	return c.updateInterval
}

// PrintHeader prints the test header.
func (c *ConsoleOutput) PrintHeader() {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, 56)
	executorInfo := ""
	if c.executorType != "" {
		executorInfo = fmt.Sprintf(" [%s]", c.executorType)
	}

	c.writeln(c.colorize(line, color.FgCyan))
	c.writeln(c.colorize(fmt.Sprintf("%s - Running%s", c.testName, executorInfo), color.Bold))
	if c.totalDuration > 0 {
		c.writeln(c.colorize(fmt.Sprintf("Planned duration: %s", formatDuration(c.totalDuration)), color.Faint))
	}
	c.writeln(c.colorize(line, color.FgCyan))
	c.writeln("")
}

// Update redraws the live display with new statistics. It does nothing
// unless the output is a terminal.
func (c *ConsoleOutput) Update(stats *LiveStats) {
	if c.quiet || !c.isTTY {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastStats = stats
	c.clearLive()

	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)

	for _, line := range lines {
		c.writeln(line)
	}
}

// clearLive erases the previous live display. Callers hold c.mu.
func (c *ConsoleOutput) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine)
		if i < c.linesOutput-1 {
			c.write("\n")
		}
	}
	if c.linesOutput > 1 {
		c.write(fmt.Sprintf(cursorUp, c.linesOutput-1))
	}
	c.write("\r")
	c.linesOutput = 0
}

// renderLiveStats renders the live statistics display.
func (c *ConsoleOutput) renderLiveStats(stats *LiveStats) []string {
	var lines []string

	progressBar := c.renderProgressBar(stats.Progress, 40)
	progressPercent := fmt.Sprintf("%.0f%%", stats.Progress*100)
	timeInfo := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))

	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		c.colorize(progressBar, color.FgGreen),
		c.colorize(progressPercent, color.Bold),
		c.colorize(timeInfo, color.Faint)))

	phaseInfo := stats.CurrentPhase
	if stats.TotalStages > 0 {
		phaseInfo = fmt.Sprintf("%s (%d/%d)", stats.CurrentPhase, stats.CurrentStage, stats.TotalStages)
	}
	lines = append(lines, fmt.Sprintf("Stage:    %s", c.colorize(phaseInfo, color.FgMagenta)))
	lines = append(lines, "")

	boxWidth := 55

	lines = append(lines, c.colorize(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight, color.Faint))

	vusStr := fmt.Sprintf("VUs:     %s / %d",
		c.colorize(fmt.Sprintf("%d", stats.ActiveVUs), color.FgCyan),
		stats.TargetVUs)
	reqsStr := fmt.Sprintf("Requests:    %s", c.colorize(formatNumber(stats.TotalRequests), color.FgCyan))
	lines = append(lines, c.formatBoxRow(vusStr, reqsStr, boxWidth))

	rpsStr := fmt.Sprintf("RPS:     %s", c.colorize(fmt.Sprintf("%.1f", stats.CurrentRPS), color.FgGreen))
	errColor := rateColor(1 - stats.ErrorRate)
	errStr := fmt.Sprintf("Errors:      %s (%s)",
		c.colorize(fmt.Sprintf("%d", stats.Errors), errColor),
		c.colorize(fmt.Sprintf("%.1f%%", stats.ErrorRate*100), errColor))
	lines = append(lines, c.formatBoxRow(rpsStr, errStr, boxWidth))

	iterStr := fmt.Sprintf("Iters:   %s", c.colorize(formatNumber(stats.Iterations), color.FgCyan))
	checksStr := fmt.Sprintf("Checks:      %s",
		c.colorize(fmt.Sprintf("%.1f%%", stats.ChecksRate*100), rateColor(stats.ChecksRate)))
	lines = append(lines, c.formatBoxRow(iterStr, checksStr, boxWidth))

	p95Str := fmt.Sprintf("P95:     %s", c.colorize(formatDurationShort(stats.LatencyP95), color.FgBlue))
	avgStr := fmt.Sprintf("Avg:         %s", c.colorize(formatDurationShort(stats.LatencyAvg), color.FgBlue))
	lines = append(lines, c.formatBoxRow(p95Str, avgStr, boxWidth))

	lines = append(lines, c.colorize(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight, color.Faint))

	return lines
}

// rateColor picks green, yellow or red for a success fraction.
func rateColor(rate float64) color.Attribute {
	switch {
	case rate < 0.95:
		return color.FgRed
	case rate < 0.99:
		return color.FgYellow
	default:
		return color.FgGreen
	}
}

// formatBoxRow formats a row inside the stats box with two columns.
func (c *ConsoleOutput) formatBoxRow(left, right string, boxWidth int) string {
	leftVisible := stripANSI(left)
	rightVisible := stripANSI(right)

	colWidth := (boxWidth - 4) / 2 // 4 = 2 borders + 2 padding

	leftPadding := colWidth - len([]rune(leftVisible))
	if leftPadding < 0 {
		leftPadding = 0
	}

	rightPadding := colWidth - len([]rune(rightVisible))
	if rightPadding < 0 {
		rightPadding = 0
	}

	border := c.colorize(boxVertical, color.Faint)
	return fmt.Sprintf("%s %s%s%s %s%s %s",
		border,
		left, strings.Repeat(" ", leftPadding),
		border,
		right, strings.Repeat(" ", rightPadding),
		border)
}

// renderProgressBar renders a progress bar.
func (c *ConsoleOutput) renderProgressBar(progress float64, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	filled := int(progress * float64(width))
	empty := width - filled

	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, empty) + "]"
}

// PrintSummary prints the final test summary.
func (c *ConsoleOutput) PrintSummary(result *engine.TestResult) {
	if result == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		if result.Passed {
			c.writeln(c.colorize("PASSED", color.FgGreen))
		} else {
			c.writeln(c.colorize("FAILED", color.FgRed))
		}
		return
	}

	if c.isTTY {
		c.clearLive()
	}

	line := strings.Repeat(boxHorizontal, 56)
	status := c.colorize("Completed ✓", color.FgGreen)
	if !result.Passed {
		status = c.colorize("Failed ✗", color.FgRed)
	}

	c.writeln("")
	c.writeln(c.colorize(line, color.FgCyan))
	c.writeln(fmt.Sprintf("%s - %s", c.colorize(result.Name, color.Bold), status))
	c.writeln(c.colorize(line, color.FgCyan))
	c.writeln("")

	c.writeln(fmt.Sprintf("Duration:      %s", c.colorize(formatDuration(result.Duration), color.FgCyan)))
	if m := result.Metrics; m != nil {
		c.writeln(fmt.Sprintf("Total Reqs:    %s", c.colorize(formatNumber(m.TotalRequests), color.FgCyan)))

		successRate := 1.0 - m.ErrorRate
		c.writeln(fmt.Sprintf("Success Rate:  %s",
			c.colorize(fmt.Sprintf("%.1f%%", successRate*100), rateColor(successRate))))

		iterations := formatNumber(m.Iterations)
		if m.FailedIterations > 0 {
			iterations += fmt.Sprintf(" (%s failed)", formatNumber(m.FailedIterations))
		}
		c.writeln(fmt.Sprintf("Iterations:    %s", c.colorize(iterations, color.FgCyan)))
	}
	if result.Error != "" {
		c.writeln(fmt.Sprintf("Error:         %s", c.colorize(result.Error, color.FgRed)))
	}
	c.writeln("")

	if len(result.Checks) > 0 {
		c.writeln(c.colorize("Checks:", color.Bold))
		for _, ch := range result.Checks {
			mark := c.colorize("✓", color.FgGreen)
			if ch.Fails > 0 {
				mark = c.colorize("✗", color.FgRed)
			}
			total := ch.Passes + ch.Fails
			c.writeln(fmt.Sprintf("  %s %s  %d/%d (%.1f%%)", mark, ch.Name, ch.Passes, total, ch.Rate*100))
		}
		c.writeln("")
	}

	if m := result.Metrics; m != nil {
		c.writeln(c.colorize("Latency Distribution:", color.Bold))
		c.writeln(fmt.Sprintf("  Min:       %s", formatDurationShort(m.Latency.Min)))
		c.writeln(fmt.Sprintf("  P50:       %s", formatDurationShort(m.Latency.P50)))
		c.writeln(fmt.Sprintf("  P90:       %s", formatDurationShort(m.Latency.P90)))
		c.writeln(fmt.Sprintf("  P95:       %s", formatDurationShort(m.Latency.P95)))
		c.writeln(fmt.Sprintf("  P99:       %s", formatDurationShort(m.Latency.P99)))
		c.writeln(fmt.Sprintf("  Max:       %s", formatDurationShort(m.Latency.Max)))
		c.writeln("")
	}

	if len(result.Thresholds) > 0 {
		c.writeln(c.colorize("Thresholds:", color.Bold))
		for _, t := range result.Thresholds {
			mark := c.colorize("✓", color.FgGreen)
			if !t.Passed {
				mark = c.colorize("✗", color.FgRed)
			}
			c.writeln(fmt.Sprintf("  %s %s %s (actual: %s)", mark, t.Metric, t.Expression, t.Value))
		}
		c.writeln("")
	}
}

// PrintNonInteractiveUpdate prints a one-line status update.
// Used when output is not a TTY (e.g., piped to a file or CI/CD).
func (c *ConsoleOutput) PrintNonInteractiveUpdate(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] Progress: %.0f%% | VUs: %d | Reqs: %d | RPS: %.1f | Errors: %d (%.1f%%) | Checks: %.1f%% | P95: %s",
		formatDuration(stats.Elapsed),
		stats.Progress*100,
		stats.ActiveVUs,
		stats.TotalRequests,
		stats.CurrentRPS,
		stats.Errors,
		stats.ErrorRate*100,
		stats.ChecksRate*100,
		formatDurationShort(stats.LatencyP95)))
}

// IsTTY returns whether the output is a terminal.
func (c *ConsoleOutput) IsTTY() bool {
	return c.isTTY
}

func (c *ConsoleOutput) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *ConsoleOutput) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// colorize wraps text in color codes if colors are enabled.
func (c *ConsoleOutput) colorize(text string, attrs ...color.Attribute) string {
	if !c.useColors {
		return text
	}
	col := color.New(attrs...)
	col.EnableColor()
	return col.Sprint(text)
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a duration in a short format.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z') {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}

// StatsFromMetrics creates LiveStats from engine metrics.
func StatsFromMetrics(
	metricsSnapshot *metrics.Snapshot,
	progress float64,
	totalDuration time.Duration,
	targetVUs int,
	currentStage, totalStages int,
) *LiveStats {
	if metricsSnapshot == nil {
		return &LiveStats{
			Progress:     progress,
			TargetVUs:    targetVUs,
			CurrentStage: currentStage,
			TotalStages:  totalStages,
			CurrentPhase: "initializing",
		}
	}

	elapsed := metricsSnapshot.Elapsed
	remaining := time.Duration(0)
	if progress > 0 && progress < 1 {
		remaining = time.Duration(float64(elapsed) * (1 - progress) / progress)
	} else if totalDuration > 0 {
		remaining = totalDuration - elapsed
		if remaining < 0 {
			remaining = 0
		}
	}

	return &LiveStats{
		Progress:      progress,
		Elapsed:       elapsed,
		Remaining:     remaining,
		ActiveVUs:     metricsSnapshot.ActiveVUs,
		TargetVUs:     targetVUs,
		CurrentRPS:    metricsSnapshot.RPS,
		TotalRequests: metricsSnapshot.TotalRequests,
		Errors:        metricsSnapshot.FailedRequests,
		ErrorRate:     metricsSnapshot.ErrorRate,
		Iterations:    metricsSnapshot.Iterations,
		ChecksRate:    metricsSnapshot.ChecksRate,
		LatencyP95:    metricsSnapshot.Latency.P95,
		LatencyAvg:    metricsSnapshot.Latency.Mean,
		CurrentPhase:  string(metricsSnapshot.CurrentPhase),
		CurrentStage:  currentStage,
		TotalStages:   totalStages,
	}
}
