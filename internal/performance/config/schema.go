// Package config provides configuration parsing and validation for the performance engine.
package config

import (
	"time"
)

// TestConfig is the root configuration for a performance test.
//
// Example YAML:
//
//	name: "Order/User Load Test"
//	settings:
//	  baseUrl: "http://localhost:8080"
//	  timeout: 30s
//	scenarios:
//	  default:
//	    executor: ramping-vus
//	    stages:
//	      - duration: 2m
//	        target: 100
//	      - duration: 5m
//	        target: 100
//	      - duration: 1m
//	        target: 0
//	    sleep: 1s
//	    requests:
//	      - name: "GET /order"
//	        method: GET
//	        url: "{{baseUrl}}/api/v1/order"
//	        assertions:
//	          - name: "GET /order status is 200"
//	            type: status
//	            condition: eq
//	            value: "200"
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Settings contains global settings for all scenarios
	Settings GlobalSettings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Variables are global variables available to all scenarios
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Scenarios defines the load profiles to run
	Scenarios map[string]*ScenarioConfig `json:"scenarios" yaml:"scenarios"`

	// Thresholds define pass/fail criteria for metrics
	Thresholds *ThresholdsConfig `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Options for test execution
	Options *ExecutionOptions `json:"options,omitempty" yaml:"options,omitempty"`
}

// GlobalSettings contains global HTTP and execution settings.
type GlobalSettings struct {
	// BaseURL is substituted for {{baseUrl}} in request URLs
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the default HTTP request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxConnectionsPerHost limits connections per host
	MaxConnectionsPerHost int `json:"maxConnectionsPerHost,omitempty" yaml:"maxConnectionsPerHost,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// UserAgent is the default User-Agent header
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Headers are default headers applied to all requests
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// ScenarioConfig defines a single load testing scenario.
type ScenarioConfig struct {
	// Executor specifies the load generation strategy
	// Options: "constant-vus", "ramping-vus", "per-vu-iterations"
	Executor string `json:"executor" yaml:"executor"`

	// VUs is the number of virtual users (constant-vus, per-vu-iterations)
	VUs int `json:"vus,omitempty" yaml:"vus,omitempty"`

	// Duration is how long to run (e.g., "30s", "2m", "1h")
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Iterations is the number of iterations each VU runs (per-vu-iterations)
	Iterations int64 `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	// StartVUs is the VU count the first ramping stage interpolates from
	StartVUs int `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`

	// Stages defines ramping stages (ramping-vus)
	Stages []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty"`

	// Requests defines the HTTP requests executed by each iteration, in order
	Requests []RequestConfig `json:"requests" yaml:"requests"`

	// Sleep is the think time at the end of every iteration
	Sleep string `json:"sleep,omitempty" yaml:"sleep,omitempty"`

	// GracefulStop is how long to wait for iterations to finish at the end of the test
	GracefulStop string `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// GracefulRampDown is how long a VU removed during ramp-down may finish its iteration
	GracefulRampDown string `json:"gracefulRampDown,omitempty" yaml:"gracefulRampDown,omitempty"`

	// Pacing controls time between iterations
	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`

	// Tags are custom tags for this scenario, also exposed as variables
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// StageConfig defines a single stage in a ramping executor.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration string `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Name is an optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// RequestConfig defines a single HTTP request.
type RequestConfig struct {
	// Name for this request (used in metrics)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Method is the HTTP method (GET, POST, PUT, DELETE, etc.)
	Method string `json:"method" yaml:"method"`

	// URL is the request URL (supports {{var}} substitution)
	URL string `json:"url" yaml:"url"`

	// Headers are request-specific headers
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is the request body, rendered as a template on every iteration
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// Timeout is request-specific timeout (overrides global)
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ThinkTime is wait time after this request
	ThinkTime string `json:"thinkTime,omitempty" yaml:"thinkTime,omitempty"`

	// Extract defines variable extraction from response
	Extract []ExtractConfig `json:"extract,omitempty" yaml:"extract,omitempty"`

	// Assertions are named checks evaluated against the response
	Assertions []AssertionConfig `json:"assertions,omitempty" yaml:"assertions,omitempty"`
}

// PacingConfig controls pacing between iterations.
type PacingConfig struct {
	// Type is the pacing strategy: "none", "constant", "random"
	Type string `json:"type" yaml:"type"`

	// Duration is the wait time for constant pacing
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Min is the minimum wait time for random pacing
	Min string `json:"min,omitempty" yaml:"min,omitempty"`

	// Max is the maximum wait time for random pacing
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// ExtractConfig defines how to extract variables from a response.
type ExtractConfig struct {
	// Name of the variable to store
	Name string `json:"name" yaml:"name"`

	// Source is where to extract from: "body", "header", "status"
	Source string `json:"source" yaml:"source"`

	// Path is the header name, or JSONPath for body
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Regex is an optional pattern; the first submatch (or whole match) is kept
	Regex string `json:"regex,omitempty" yaml:"regex,omitempty"`
}

// AssertionConfig defines a named response check.
type AssertionConfig struct {
	// Name labels the check in metrics; generated from the other fields if empty
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Type is the assertion type: "status", "body", "header", "duration", "schema"
	Type string `json:"type" yaml:"type"`

	// Condition is the comparison: "eq", "ne", "gt", "lt", "gte", "lte", "contains", "matches"
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Value is the expected value (a JSON schema document for type "schema")
	Value string `json:"value" yaml:"value"`

	// Path is the JSONPath for body, or the header name for header
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// ThresholdsConfig defines pass/fail criteria for the test.
type ThresholdsConfig struct {
	// HTTPReqDuration thresholds for request duration
	// e.g., ["p95 < 500ms", "avg < 200ms"]
	HTTPReqDuration []string `json:"http_req_duration,omitempty" yaml:"http_req_duration,omitempty"`

	// HTTPReqFailed thresholds for failure rate
	// e.g., ["rate < 0.01"]
	HTTPReqFailed []string `json:"http_req_failed,omitempty" yaml:"http_req_failed,omitempty"`

	// HTTPReqs thresholds for request count/rate
	// e.g., ["count > 1000", "rate > 100"]
	HTTPReqs []string `json:"http_reqs,omitempty" yaml:"http_reqs,omitempty"`

	// Checks thresholds for the check pass rate
	// e.g., ["rate > 0.99"]
	Checks []string `json:"checks,omitempty" yaml:"checks,omitempty"`

	// Iterations thresholds for completed iterations
	// e.g., ["count > 100"]
	Iterations []string `json:"iterations,omitempty" yaml:"iterations,omitempty"`
}

// ExecutionOptions controls test execution behavior.
type ExecutionOptions struct {
	// Sequential runs scenarios one-by-one instead of parallel
	Sequential bool `json:"sequential,omitempty" yaml:"sequential,omitempty"`

	// NoVUConnectionReuse gives every VU its own HTTP client
	NoVUConnectionReuse bool `json:"noVUConnectionReuse,omitempty" yaml:"noVUConnectionReuse,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
