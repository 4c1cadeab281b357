// Package executor provides load generation strategies for performance testing.
package executor

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// Type identifies the type of executor.
type Type string

const (
	// TypeConstantVUs runs a fixed number of VUs for a duration.
	TypeConstantVUs Type = "constant-vus"

	// TypeRampingVUs ramps VU count up and down according to stages.
	TypeRampingVUs Type = "ramping-vus"

	// TypePerVUIterations runs a fixed number of iterations per VU.
	TypePerVUIterations Type = "per-vu-iterations"
)

const (
	// DefaultGracefulStop is how long VUs may finish their iteration at the end of a run.
	DefaultGracefulStop = 30 * time.Second

	// DefaultGracefulRampDown is how long a VU removed by a ramp-down may finish its iteration.
	DefaultGracefulRampDown = 30 * time.Second

	// DefaultMaxDuration bounds per-vu-iterations runs without a duration.
	DefaultMaxDuration = 10 * time.Minute
)

// Executor defines the interface for load generation strategies.
//
// Executors control how many VUs run and for how long. The VUs themselves
// are spawned and run by the performance.VUScheduler passed to Run.
type Executor interface {
	// Type returns the executor type.
	Type() Type

	// Init copies and validates the configuration. Called once before Run.
	Init(ctx context.Context, config *Config) error

	// Run starts the executor and blocks until completion. Cancelling ctx
	// aborts every VU immediately.
	Run(ctx context.Context, scheduler *performance.VUScheduler, metrics *metrics.Engine) error

	// GetProgress returns current progress (0.0 to 1.0).
	GetProgress() float64

	// GetActiveVUs returns current active VU count.
	GetActiveVUs() int

	// GetStats returns executor-specific statistics.
	GetStats() *Stats

	// Stop ends the run early, letting VUs finish their iteration.
	Stop(ctx context.Context) error
}

// Config contains configuration for an executor.
//
// Executors copy the Config in Init and never read the caller's value again.
type Config struct {
	// Name is the name of this executor instance
	Name string `json:"name" yaml:"name"`

	// Type is the executor type
	Type Type `json:"type" yaml:"type"`

	// VUs for constant-vus and per-vu-iterations
	VUs int `json:"vus,omitempty" yaml:"vus,omitempty"`

	// Duration for constant-vus; the maximum duration for per-vu-iterations
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Iterations per VU for per-vu-iterations
	Iterations int64 `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	// StartVUs is the VU count the first ramping stage starts from
	StartVUs int `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`

	// Stages for ramping-vus
	Stages Stages `json:"stages,omitempty" yaml:"stages,omitempty"`

	// GracefulStop is how long VUs may finish their iteration at the end
	GracefulStop time.Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// GracefulRampDown is how long a VU removed by a ramp-down may finish
	GracefulRampDown time.Duration `json:"gracefulRampDown,omitempty" yaml:"gracefulRampDown,omitempty"`

	// Pacing between iterations
	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Stages = append(Stages(nil), c.Stages...)
	if c.Pacing != nil {
		pacing := *c.Pacing
		clone.Pacing = &pacing
	}
	return &clone
}

// PacingConfig controls time between iterations.
type PacingConfig struct {
	// Type of pacing: "none", "constant", "random"
	Type PacingType `json:"type" yaml:"type"`

	// Duration for constant pacing
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Min duration for random pacing
	Min time.Duration `json:"min,omitempty" yaml:"min,omitempty"`

	// Max duration for random pacing
	Max time.Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// PacingType identifies the type of pacing.
type PacingType string

const (
	PacingNone     PacingType = "none"
	PacingConstant PacingType = "constant"
	PacingRandom   PacingType = "random"
)

// Next returns the wait before the next iteration.
func (p *PacingConfig) Next() time.Duration {
	if p == nil {
		return 0
	}
	switch p.Type {
	case PacingConstant:
		return p.Duration
	case PacingRandom:
		if diff := p.Max - p.Min; diff > 0 {
			return p.Min + time.Duration(rand.Int63n(int64(diff)))
		}
		return p.Min
	default:
		return 0
	}
}

// Stats contains real-time executor statistics.
type Stats struct {
	StartTime     time.Time     `json:"startTime"`
	CurrentTime   time.Time     `json:"currentTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`

	Iterations       int64 `json:"iterations"`
	FailedIterations int64 `json:"failedIterations"`
	TotalIterations  int64 `json:"totalIterations"`

	// Stage info (ramping-vus)
	CurrentStage     int    `json:"currentStage"`
	CurrentStageName string `json:"currentStageName"`
	TotalStages      int    `json:"totalStages"`
}

// Validate validates the executor configuration.
func (c *Config) Validate() error {
	switch c.Type {
	case "":
		return &ValidationError{Field: "type", Message: "executor type is required"}

	case TypeConstantVUs:
		if c.VUs <= 0 {
			return &ValidationError{Field: "vus", Message: "vus must be > 0"}
		}
		if c.Duration <= 0 {
			return &ValidationError{Field: "duration", Message: "duration must be > 0"}
		}

	case TypeRampingVUs:
		if len(c.Stages) == 0 {
			return &ValidationError{Field: "stages", Message: "at least one stage is required"}
		}
		if c.StartVUs < 0 {
			return &ValidationError{Field: "startVUs", Message: "startVUs cannot be negative"}
		}
		for _, stage := range c.Stages {
			if stage.Duration < 0 {
				return &ValidationError{Field: "stages", Message: "stage duration cannot be negative"}
			}
			if stage.Target < 0 {
				return &ValidationError{Field: "stages", Message: "stage target cannot be negative"}
			}
		}

	case TypePerVUIterations:
		if c.VUs <= 0 {
			return &ValidationError{Field: "vus", Message: "vus must be > 0"}
		}
		if c.Iterations <= 0 {
			return &ValidationError{Field: "iterations", Message: "iterations must be > 0"}
		}

	default:
		return &ValidationError{Field: "type", Message: "unknown executor type: " + string(c.Type)}
	}

	if c.GracefulStop < 0 || c.GracefulRampDown < 0 {
		return &ValidationError{Field: "gracefulStop", Message: "graceful periods cannot be negative"}
	}
	return nil
}

// TotalDuration calculates the planned duration for this executor.
// Iteration-bound executors without a duration return 0.
func (c *Config) TotalDuration() time.Duration {
	switch c.Type {
	case TypeConstantVUs, TypePerVUIterations:
		return c.Duration
	case TypeRampingVUs:
		return c.Stages.TotalDuration()
	default:
		return 0
	}
}

func (c *Config) gracefulStop() time.Duration {
	if c.GracefulStop > 0 {
		return c.GracefulStop
	}
	return DefaultGracefulStop
}

func (c *Config) gracefulRampDown() time.Duration {
	if c.GracefulRampDown > 0 {
		return c.GracefulRampDown
	}
	return DefaultGracefulRampDown
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}

// runState is the bookkeeping every executor shares.
type runState struct {
	config    *Config
	scheduler *performance.VUScheduler
	metrics   *metrics.Engine

	startTime time.Time
	timeMu    sync.RWMutex
	running   atomic.Bool

	iterations       atomic.Int64
	failedIterations atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

func (s *runState) init(config *Config, want Type) error {
	if config.Type != want {
		return &ValidationError{Field: "type", Message: "expected " + string(want) + ", got " + string(config.Type)}
	}
	if err := config.Validate(); err != nil {
		return err
	}
	s.config = config.Clone()
	s.stopCh = make(chan struct{})
	return nil
}

func (s *runState) begin(scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) {
	s.scheduler = scheduler
	s.metrics = metricsEngine

	s.timeMu.Lock()
	s.startTime = time.Now()
	s.timeMu.Unlock()

	s.running.Store(true)
}

func (s *runState) started() time.Time {
	s.timeMu.RLock()
	defer s.timeMu.RUnlock()
	return s.startTime
}

func (s *runState) elapsed() time.Duration {
	start := s.started()
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// runOptions returns the scheduler options that feed this executor's
// iteration counters.
func (s *runState) runOptions(maxIterations int64) performance.RunOptions {
	opts := performance.RunOptions{
		MaxIterations: maxIterations,
		OnIteration: func(_ *performance.VirtualUser, err error) {
			s.iterations.Add(1)
			if err != nil {
				s.failedIterations.Add(1)
			}
		},
	}
	if s.config.Pacing != nil && s.config.Pacing.Type != PacingNone {
		opts.Pacing = s.config.Pacing.Next
	}
	return opts
}

// finish shuts the scheduler down and marks the run done.
func (s *runState) finish(ctx context.Context) {
	if ctx.Err() != nil {
		s.scheduler.CancelAllVUs()
	}
	s.scheduler.Shutdown(s.config.gracefulStop())
	s.metrics.SetPhase(metrics.PhaseDone)
	s.running.Store(false)
}

func (s *runState) requestStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *runState) activeVUs() int {
	if s.scheduler == nil {
		return 0
	}
	return s.scheduler.GetActiveVUCount()
}

// progress returns elapsed/total clamped to [0, 1].
func (s *runState) progress(total time.Duration) float64 {
	if !s.running.Load() {
		if s.started().IsZero() {
			return 0.0
		}
		return 1.0
	}
	if total <= 0 {
		return 0.0
	}
	p := float64(s.elapsed()) / float64(total)
	if p > 1.0 {
		p = 1.0
	}
	return p
}

func (s *runState) baseStats() *Stats {
	return &Stats{
		StartTime:        s.started(),
		CurrentTime:      time.Now(),
		Elapsed:          s.elapsed(),
		TotalDuration:    s.config.TotalDuration(),
		ActiveVUs:        s.activeVUs(),
		Iterations:       s.iterations.Load(),
		FailedIterations: s.failedIterations.Load(),
	}
}
