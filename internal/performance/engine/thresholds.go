package engine

import (
	"fmt"
	"strconv"
	"time"

	"github.com/wesleyorama2/surge/internal/performance/config"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// ThresholdResult contains the result of a threshold evaluation.
type ThresholdResult struct {
	Metric     string `json:"metric"`
	Expression string `json:"expression"`
	Passed     bool   `json:"passed"`
	Value      string `json:"value"`
	Message    string `json:"message,omitempty"`
}

// EvaluateThresholds evaluates every configured threshold against snapshot.
func EvaluateThresholds(t *config.ThresholdsConfig, snapshot *metrics.Snapshot) []ThresholdResult {
	if t == nil || snapshot == nil {
		return nil
	}

	var results []ThresholdResult

	for _, expr := range t.HTTPReqDuration {
		results = append(results, evaluateDurationThreshold(expr, snapshot))
	}
	for _, expr := range t.HTTPReqFailed {
		results = append(results, evaluateRateThreshold("http_req_failed", expr, snapshot.ErrorRate))
	}
	for _, expr := range t.HTTPReqs {
		results = append(results, evaluateCountThreshold("http_reqs", expr,
			float64(snapshot.TotalRequests), snapshot.RPS))
	}
	for _, expr := range t.Checks {
		results = append(results, evaluateRateThreshold("checks", expr, snapshot.ChecksRate))
	}
	for _, expr := range t.Iterations {
		results = append(results, evaluateCountThreshold("iterations", expr,
			float64(snapshot.Iterations), iterationRate(snapshot)))
	}

	return results
}

func iterationRate(snapshot *metrics.Snapshot) float64 {
	if secs := snapshot.Elapsed.Seconds(); secs > 0 {
		return float64(snapshot.Iterations) / secs
	}
	return 0
}

// evaluateDurationThreshold evaluates an expression like "p95 < 500ms".
func evaluateDurationThreshold(expr string, snapshot *metrics.Snapshot) ThresholdResult {
	result := ThresholdResult{
		Metric:     "http_req_duration",
		Expression: expr,
	}

	metric, op, valueStr, err := config.ParseThresholdExpression(expr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse expression: %v", err)
		return result
	}

	var actualValue time.Duration
	switch metric {
	case "min":
		actualValue = snapshot.Latency.Min
	case "max":
		actualValue = snapshot.Latency.Max
	case "avg":
		actualValue = snapshot.Latency.Mean
	case "med", "p50":
		actualValue = snapshot.Latency.P50
	case "p90":
		actualValue = snapshot.Latency.P90
	case "p95":
		actualValue = snapshot.Latency.P95
	case "p99":
		actualValue = snapshot.Latency.P99
	default:
		result.Message = fmt.Sprintf("unknown metric: %s", metric)
		return result
	}

	thresholdValue, err := config.ParseDurationString(valueStr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse threshold value: %v", err)
		return result
	}

	result.Value = actualValue.String()
	result.Passed = compareValues(float64(actualValue), op, float64(thresholdValue))

	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %s, threshold: %s %s", metric, actualValue, op, thresholdValue)
	}

	return result
}

// evaluateRateThreshold evaluates an expression like "rate < 0.01".
func evaluateRateThreshold(name, expr string, rate float64) ThresholdResult {
	result := ThresholdResult{
		Metric:     name,
		Expression: expr,
	}

	metric, op, valueStr, err := config.ParseThresholdExpression(expr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse expression: %v", err)
		return result
	}

	if metric != "rate" {
		result.Message = fmt.Sprintf("%s only supports 'rate' metric, got: %s", name, metric)
		return result
	}

	thresholdValue, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse threshold value: %v", err)
		return result
	}

	result.Value = fmt.Sprintf("%.4f", rate)
	result.Passed = compareValues(rate, op, thresholdValue)

	if !result.Passed {
		result.Message = fmt.Sprintf("rate is %.4f, threshold: %s %.4f", rate, op, thresholdValue)
	}

	return result
}

// evaluateCountThreshold evaluates an expression like "count > 1000" or
// "rate > 100".
func evaluateCountThreshold(name, expr string, count, rate float64) ThresholdResult {
	result := ThresholdResult{
		Metric:     name,
		Expression: expr,
	}

	metric, op, valueStr, err := config.ParseThresholdExpression(expr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse expression: %v", err)
		return result
	}

	thresholdValue, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse threshold value: %v", err)
		return result
	}

	var actualValue float64
	switch metric {
	case "count":
		actualValue = count
	case "rate":
		actualValue = rate
	default:
		result.Message = fmt.Sprintf("%s only supports 'count' or 'rate' metrics, got: %s", name, metric)
		return result
	}

	result.Value = fmt.Sprintf("%.2f", actualValue)
	result.Passed = compareValues(actualValue, op, thresholdValue)

	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %.2f, threshold: %s %.2f", metric, actualValue, op, thresholdValue)
	}

	return result
}

// compareValues compares two values using the given operator.
func compareValues(actual float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return actual < threshold
	case "<=":
		return actual <= threshold
	case ">":
		return actual > threshold
	case ">=":
		return actual >= threshold
	case "==":
		return actual == threshold
	case "!=":
		return actual != threshold
	default:
		return false
	}
}
