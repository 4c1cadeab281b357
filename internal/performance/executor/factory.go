package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/wesleyorama2/surge/internal/performance/config"
)

// NewExecutor creates a new executor of the specified type.
//
// Supported types:
//   - "constant-vus" - Fixed number of VUs for a duration
//   - "ramping-vus" - VU count ramps up/down according to stages
//   - "per-vu-iterations" - Fixed number of iterations on each VU
//
// Returns an uninitialized executor. Call Init() before Run().
func NewExecutor(executorType Type) (Executor, error) {
	switch executorType {
	case TypeConstantVUs:
		return NewConstantVUs(), nil
	case TypeRampingVUs:
		return NewRampingVUs(), nil
	case TypePerVUIterations:
		return NewPerVUIterations(), nil
	default:
		return nil, fmt.Errorf("unknown executor type %q, supported: %v", executorType, GetSupportedExecutors())
	}
}

// CreateAndInitExecutor creates and initializes an executor with the given config.
func CreateAndInitExecutor(ctx context.Context, cfg *Config) (Executor, error) {
	exec, err := NewExecutor(cfg.Type)
	if err != nil {
		return nil, err
	}

	if err := exec.Init(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize executor: %w", err)
	}

	return exec, nil
}

// CreateExecutorFromScenarioConfig creates and initializes an executor from
// a scenario config loaded from YAML/JSON.
func CreateExecutorFromScenarioConfig(ctx context.Context, name string, sc *config.ScenarioConfig) (Executor, *Config, error) {
	execConfig, err := ConfigFromScenario(name, sc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to convert scenario config: %w", err)
	}

	exec, err := CreateAndInitExecutor(ctx, execConfig)
	if err != nil {
		return nil, nil, err
	}

	return exec, execConfig, nil
}

// ConfigFromScenario converts a config.ScenarioConfig to an executor Config,
// parsing every duration string.
func ConfigFromScenario(name string, sc *config.ScenarioConfig) (*Config, error) {
	if !IsValidExecutorType(sc.Executor) {
		return nil, fmt.Errorf("unknown executor type %q, supported: %v", sc.Executor, GetSupportedExecutors())
	}

	cfg := &Config{
		Name:       name,
		Type:       Type(sc.Executor),
		VUs:        sc.VUs,
		Iterations: sc.Iterations,
		StartVUs:   sc.StartVUs,
	}

	var err error
	if cfg.Duration, err = parseField("duration", sc.Duration); err != nil {
		return nil, err
	}
	if cfg.GracefulStop, err = parseField("gracefulStop", sc.GracefulStop); err != nil {
		return nil, err
	}
	if cfg.GracefulRampDown, err = parseField("gracefulRampDown", sc.GracefulRampDown); err != nil {
		return nil, err
	}

	for i, stage := range sc.Stages {
		d, err := parseField(fmt.Sprintf("stages[%d].duration", i), stage.Duration)
		if err != nil {
			return nil, err
		}
		cfg.Stages = append(cfg.Stages, Stage{
			Duration: d,
			Target:   stage.Target,
			Name:     stage.Name,
		})
	}

	if sc.Pacing != nil {
		cfg.Pacing = &PacingConfig{Type: PacingType(sc.Pacing.Type)}
		if cfg.Pacing.Duration, err = parseField("pacing.duration", sc.Pacing.Duration); err != nil {
			return nil, err
		}
		if cfg.Pacing.Min, err = parseField("pacing.min", sc.Pacing.Min); err != nil {
			return nil, err
		}
		if cfg.Pacing.Max, err = parseField("pacing.max", sc.Pacing.Max); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func parseField(field, value string) (time.Duration, error) {
	d, err := config.ParseDurationString(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

// IsValidExecutorType returns true if the type is a supported executor type.
func IsValidExecutorType(executorType string) bool {
	switch Type(executorType) {
	case TypeConstantVUs, TypeRampingVUs, TypePerVUIterations:
		return true
	default:
		return false
	}
}

// GetSupportedExecutors returns a list of all supported executor types.
func GetSupportedExecutors() []Type {
	return []Type{TypeConstantVUs, TypeRampingVUs, TypePerVUIterations}
}

// CalculateMaxVUs returns the maximum number of VUs the config can use.
func CalculateMaxVUs(cfg *Config) int {
	if cfg.Type == TypeRampingVUs {
		return cfg.Stages.MaxTarget(cfg.StartVUs)
	}
	return cfg.VUs
}
