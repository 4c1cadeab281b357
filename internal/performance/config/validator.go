package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate validates the entire test configuration.
//
// Returns nil if valid, or a *ValidationErrors containing every problem found.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	if len(c.Scenarios) == 0 {
		errs.Add("scenarios", "at least one scenario is required")
	}

	for name, scenario := range c.Scenarios {
		if scenario == nil {
			errs.Add("scenarios."+name, "scenario cannot be empty")
			continue
		}
		validateScenario(name, scenario, errs)
	}

	if c.Thresholds != nil {
		validateThresholds(c.Thresholds, errs)
	}

	validateSettings(&c.Settings, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// validateScenario validates a single scenario configuration.
func validateScenario(name string, sc *ScenarioConfig, errs *ValidationErrors) {
	prefix := fmt.Sprintf("scenarios.%s", name)

	switch sc.Executor {
	case "":
		// ApplyDefaults picks one from the stages.
	case ExecutorConstantVUs:
		validateConstantVUs(prefix, sc, errs)
	case ExecutorRampingVUs:
		validateRampingVUs(prefix, sc, errs)
	case ExecutorPerVUIterations:
		validatePerVUIterations(prefix, sc, errs)
	default:
		errs.Add(prefix+".executor", fmt.Sprintf("unknown executor type: %s", sc.Executor))
	}

	if len(sc.Requests) == 0 {
		errs.Add(prefix+".requests", "at least one request is required")
	}

	for i := range sc.Requests {
		validateRequest(fmt.Sprintf("%s.requests[%d]", prefix, i), &sc.Requests[i], errs)
	}

	validateOptionalDuration(prefix+".sleep", sc.Sleep, errs)
	validateOptionalDuration(prefix+".gracefulStop", sc.GracefulStop, errs)
	validateOptionalDuration(prefix+".gracefulRampDown", sc.GracefulRampDown, errs)

	if sc.Pacing != nil {
		validatePacing(prefix+".pacing", sc.Pacing, errs)
	}

	for i := range sc.Stages {
		validateStage(fmt.Sprintf("%s.stages[%d]", prefix, i), &sc.Stages[i], errs)
	}
}

// validateConstantVUs validates constant-vus executor config.
func validateConstantVUs(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if sc.VUs < 0 {
		errs.Add(prefix+".vus", "vus cannot be negative")
	}

	if sc.Duration == "" {
		errs.Add(prefix+".duration", "duration is required for constant-vus executor")
	} else if d, err := ParseDurationString(sc.Duration); err != nil {
		errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
	} else if d <= 0 {
		errs.Add(prefix+".duration", "duration must be greater than 0")
	}
}

// validateRampingVUs validates ramping-vus executor config.
func validateRampingVUs(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if len(sc.Stages) == 0 {
		errs.Add(prefix+".stages", "at least one stage is required for ramping-vus executor")
	}
	if sc.StartVUs < 0 {
		errs.Add(prefix+".startVUs", "startVUs cannot be negative")
	}
}

// validatePerVUIterations validates per-vu-iterations executor config.
func validatePerVUIterations(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if sc.VUs < 0 {
		errs.Add(prefix+".vus", "vus cannot be negative")
	}
	if sc.Iterations <= 0 {
		errs.Add(prefix+".iterations", "iterations must be greater than 0")
	}
	validateOptionalDuration(prefix+".duration", sc.Duration, errs)
}

// validateRequest validates a single request configuration.
func validateRequest(prefix string, req *RequestConfig, errs *ValidationErrors) {
	validMethods := map[string]bool{
		"GET": true, "POST": true, "PUT": true, "DELETE": true,
		"PATCH": true, "HEAD": true, "OPTIONS": true,
	}

	method := strings.ToUpper(req.Method)
	if method != "" && !validMethods[method] {
		errs.Add(prefix+".method", fmt.Sprintf("invalid HTTP method: %s", req.Method))
	}

	if req.URL == "" {
		errs.Add(prefix+".url", "url is required")
	} else if _, err := url.Parse(placeholderPattern.ReplaceAllString(req.URL, "placeholder")); err != nil {
		errs.Add(prefix+".url", fmt.Sprintf("invalid URL: %v", err))
	}

	validateOptionalDuration(prefix+".timeout", req.Timeout, errs)
	validateOptionalDuration(prefix+".thinkTime", req.ThinkTime, errs)

	for i := range req.Extract {
		validateExtract(fmt.Sprintf("%s.extract[%d]", prefix, i), &req.Extract[i], errs)
	}

	for i := range req.Assertions {
		validateAssertion(fmt.Sprintf("%s.assertions[%d]", prefix, i), &req.Assertions[i], errs)
	}
}

// placeholderPattern matches {{var}} placeholders so URLs can be checked before substitution.
var placeholderPattern = regexp.MustCompile(`\{\{[^}]*\}\}`)

func validateOptionalDuration(field, value string, errs *ValidationErrors) {
	if value == "" {
		return
	}
	if d, err := ParseDurationString(value); err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration: %v", err))
	} else if d < 0 {
		errs.Add(field, "duration cannot be negative")
	}
}

// validatePacing validates pacing configuration.
func validatePacing(prefix string, pacing *PacingConfig, errs *ValidationErrors) {
	switch pacing.Type {
	case "none":
	case "constant":
		if pacing.Duration == "" {
			errs.Add(prefix+".duration", "duration is required for constant pacing")
		} else {
			validateOptionalDuration(prefix+".duration", pacing.Duration, errs)
		}

	case "random":
		if pacing.Min == "" {
			errs.Add(prefix+".min", "min is required for random pacing")
		}
		if pacing.Max == "" {
			errs.Add(prefix+".max", "max is required for random pacing")
		}
		validateOptionalDuration(prefix+".min", pacing.Min, errs)
		validateOptionalDuration(prefix+".max", pacing.Max, errs)

		if pacing.Min != "" && pacing.Max != "" {
			minDur, _ := ParseDurationString(pacing.Min)
			maxDur, _ := ParseDurationString(pacing.Max)
			if minDur > maxDur {
				errs.Add(prefix, "min must be less than or equal to max")
			}
		}

	default:
		errs.Add(prefix+".type", fmt.Sprintf("invalid pacing type: %s", pacing.Type))
	}
}

// validateStage validates a single stage configuration.
func validateStage(prefix string, stage *StageConfig, errs *ValidationErrors) {
	if stage.Duration == "" {
		errs.Add(prefix+".duration", "duration is required")
	} else {
		validateOptionalDuration(prefix+".duration", stage.Duration, errs)
	}

	if stage.Target < 0 {
		errs.Add(prefix+".target", "target cannot be negative")
	}
}

// validateExtract validates an extract configuration.
func validateExtract(prefix string, extract *ExtractConfig, errs *ValidationErrors) {
	if extract.Name == "" {
		errs.Add(prefix+".name", "name is required")
	}

	switch extract.Source {
	case "body", "header", "status":
	case "":
		errs.Add(prefix+".source", "source is required")
	default:
		errs.Add(prefix+".source", fmt.Sprintf("invalid source: %s", extract.Source))
	}

	if extract.Regex != "" {
		if _, err := regexp.Compile(extract.Regex); err != nil {
			errs.Add(prefix+".regex", fmt.Sprintf("invalid regex: %v", err))
		}
	}
}

// validateAssertion validates an assertion configuration.
func validateAssertion(prefix string, assertion *AssertionConfig, errs *ValidationErrors) {
	switch assertion.Type {
	case "status", "body", "header", "duration":
		validConditions := map[string]bool{
			"eq": true, "ne": true, "gt": true, "lt": true,
			"gte": true, "lte": true, "contains": true, "matches": true,
		}
		if assertion.Condition == "" {
			errs.Add(prefix+".condition", "condition is required")
		} else if !validConditions[assertion.Condition] {
			errs.Add(prefix+".condition", fmt.Sprintf("invalid condition: %s", assertion.Condition))
		}
		if assertion.Type == "header" && assertion.Path == "" {
			errs.Add(prefix+".path", "path (header name) is required for header assertions")
		}
	case "schema":
		if assertion.Value == "" {
			errs.Add(prefix+".value", "schema document is required")
		}
	case "":
		errs.Add(prefix+".type", "type is required")
	default:
		errs.Add(prefix+".type", fmt.Sprintf("invalid assertion type: %s", assertion.Type))
	}
}

// validateThresholds validates threshold configuration.
func validateThresholds(t *ThresholdsConfig, errs *ValidationErrors) {
	groups := []struct {
		field string
		exprs []string
	}{
		{"http_req_duration", t.HTTPReqDuration},
		{"http_req_failed", t.HTTPReqFailed},
		{"http_reqs", t.HTTPReqs},
		{"checks", t.Checks},
		{"iterations", t.Iterations},
	}

	for _, g := range groups {
		for i, expr := range g.exprs {
			if err := ValidateThresholdExpression(expr); err != nil {
				errs.Add(fmt.Sprintf("thresholds.%s[%d]", g.field, i), err.Error())
			}
		}
	}
}

// thresholdPattern matches expressions like "p95 < 500ms" or "rate > 0.99".
var thresholdPattern = regexp.MustCompile(`^(\w+)\s*(<=|>=|==|!=|<|>)\s*(.+)$`)

// ParseThresholdExpression splits a threshold into metric, operator and value.
func ParseThresholdExpression(expr string) (metric, op, value string, err error) {
	matches := thresholdPattern.FindStringSubmatch(strings.TrimSpace(expr))
	if len(matches) != 4 {
		return "", "", "", fmt.Errorf("invalid expression format: %s", expr)
	}
	return matches[1], matches[2], strings.TrimSpace(matches[3]), nil
}

// ValidateThresholdExpression validates a threshold expression.
//
// Valid formats:
//   - "p95 < 500ms"
//   - "avg < 200ms"
//   - "rate < 0.01"
//   - "count > 1000"
func ValidateThresholdExpression(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("threshold expression cannot be empty")
	}

	metric, _, _, err := ParseThresholdExpression(expr)
	if err != nil {
		return fmt.Errorf("threshold must be '<metric> <op> <value>' with op one of <, >, <=, >=, ==, !=")
	}

	switch metric {
	case "p50", "p90", "p95", "p99", "min", "max", "avg", "med", "rate", "count":
		return nil
	default:
		return fmt.Errorf("threshold must start with a valid metric (p50, p90, p95, p99, min, max, avg, med, rate, count)")
	}
}

// validateSettings validates global settings.
func validateSettings(s *GlobalSettings, errs *ValidationErrors) {
	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil {
			errs.Add("settings.baseUrl", fmt.Sprintf("invalid URL: %v", err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs.Add("settings.baseUrl", "baseUrl must use http or https")
		}
	}

	if s.MaxConnectionsPerHost < 0 {
		errs.Add("settings.maxConnectionsPerHost", "cannot be negative")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "cannot be negative")
	}
}
