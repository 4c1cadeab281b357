package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Executor type names accepted in scenario configs.
const (
	ExecutorConstantVUs     = "constant-vus"
	ExecutorRampingVUs      = "ramping-vus"
	ExecutorPerVUIterations = "per-vu-iterations"
)

// LoadConfig loads a test configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data, path)
}

// ParseConfig parses configuration data.
//
// The format is determined by the file extension in path, or defaults to YAML
// if the path is empty or has an unknown extension.
func ParseConfig(data []byte, path string) (*TestConfig, error) {
	var config TestConfig

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	return &config, nil
}

// ParseDurationString parses a duration string with support for common formats.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}

	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// ParseStages parses stages from the compact CLI format "30s:10,2m:10,30s:0".
func ParseStages(stagesStr string) ([]StageConfig, error) {
	var stages []StageConfig

	parts := strings.Split(stagesStr, ",")
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		colonIdx := strings.LastIndex(part, ":")
		if colonIdx == -1 {
			return nil, fmt.Errorf("stage %d: expected 'duration:target' format, got '%s'", i+1, part)
		}

		durationStr := part[:colonIdx]
		targetStr := part[colonIdx+1:]

		if _, err := ParseDurationString(durationStr); err != nil {
			return nil, fmt.Errorf("stage %d: invalid duration '%s': %w", i+1, durationStr, err)
		}

		target, err := strconv.Atoi(targetStr)
		if err != nil {
			return nil, fmt.Errorf("stage %d: invalid target '%s': %w", i+1, targetStr, err)
		}
		if target < 0 {
			return nil, fmt.Errorf("stage %d: target cannot be negative", i+1)
		}

		stages = append(stages, StageConfig{
			Duration: durationStr,
			Target:   target,
			Name:     fmt.Sprintf("stage-%d", i+1),
		})
	}

	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}

	return stages, nil
}

// ScenarioDuration returns the planned run time of a scenario: its explicit
// duration, or the sum of its stage durations. Iteration-bound scenarios
// return 0.
func ScenarioDuration(sc *ScenarioConfig) (time.Duration, error) {
	if sc.Duration != "" {
		return ParseDurationString(sc.Duration)
	}

	var total time.Duration
	for _, stage := range sc.Stages {
		d, err := ParseDurationString(stage.Duration)
		if err != nil {
			return 0, fmt.Errorf("invalid stage duration: %w", err)
		}
		total += d
	}
	return total, nil
}

// TotalDuration returns the longest planned scenario duration.
func (c *TestConfig) TotalDuration() time.Duration {
	var longest time.Duration
	for _, sc := range c.Scenarios {
		if d, err := ScenarioDuration(sc); err == nil && d > longest {
			longest = d
		}
	}
	return longest
}

// ApplyDefaults applies default values to a TestConfig.
func ApplyDefaults(config *TestConfig) {
	if config.Name == "" {
		config.Name = "surge test"
	}
	if config.Settings.Timeout == 0 {
		config.Settings.Timeout = Duration(30 * time.Second)
	}
	if config.Settings.MaxIdleConnsPerHost == 0 {
		config.Settings.MaxIdleConnsPerHost = 100
	}
	if config.Settings.UserAgent == "" {
		config.Settings.UserAgent = "surge/1.0"
	}

	if config.Options == nil {
		config.Options = &ExecutionOptions{}
	}

	for name, sc := range config.Scenarios {
		applyScenarioDefaults(name, sc)
	}
}

// applyScenarioDefaults applies default values to a scenario.
func applyScenarioDefaults(name string, sc *ScenarioConfig) {
	if sc.Executor == "" {
		if len(sc.Stages) > 0 {
			sc.Executor = ExecutorRampingVUs
		} else {
			sc.Executor = ExecutorConstantVUs
		}
	}

	switch sc.Executor {
	case ExecutorConstantVUs, ExecutorPerVUIterations:
		if sc.VUs == 0 {
			sc.VUs = 1
		}
	}

	for i, req := range sc.Requests {
		if req.Name == "" {
			sc.Requests[i].Name = fmt.Sprintf("%s_request_%d", name, i+1)
		}
		if req.Method == "" {
			sc.Requests[i].Method = "GET"
		}
		sc.Requests[i].Method = strings.ToUpper(sc.Requests[i].Method)
	}
}

// ResolveVariables replaces {{key}} placeholders with values from vars.
// Unknown placeholders are left as-is.
func ResolveVariables(input string, vars map[string]string) string {
	if !strings.Contains(input, "{{") {
		return input
	}
	result := input
	for key, value := range vars {
		result = strings.ReplaceAll(result, "{{"+key+"}}", value)
	}
	return result
}

// MergeVariables merges multiple variable maps in order.
// Later maps override earlier ones.
func MergeVariables(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}
