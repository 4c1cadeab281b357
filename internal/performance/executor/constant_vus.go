package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// ConstantVUs runs a fixed number of VUs for a specified duration.
//
// Each VU runs iterations back to back (closed model), optionally with
// pacing. When the duration expires VUs get GracefulStop to finish their
// iteration before they are cancelled.
type ConstantVUs struct {
	runState
}

// NewConstantVUs creates a new constant VUs executor.
func NewConstantVUs() *ConstantVUs {
	return &ConstantVUs{}
}

// Type returns the executor type.
func (e *ConstantVUs) Type() Type {
	return TypeConstantVUs
}

// Init initializes the executor with configuration.
func (e *ConstantVUs) Init(_ context.Context, config *Config) error {
	return e.init(config, TypeConstantVUs)
}

// Run starts the executor and blocks until completion.
func (e *ConstantVUs) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
	e.begin(scheduler, metricsEngine)
	metricsEngine.SetPhase(metrics.PhaseSteady)

	slog.Debug("starting constant-vus executor",
		"scenario", e.config.Name, "vus", e.config.VUs, "duration", e.config.Duration)

	opts := e.runOptions(0)
	for i := 0; i < e.config.VUs; i++ {
		scheduler.StartVU(ctx, scheduler.SpawnVU(), opts)
	}
	scheduler.UpdateMetrics()

	timer := time.NewTimer(e.config.Duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-e.stopCh:
	case <-timer.C:
	}

	e.finish(ctx)
	return nil
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *ConstantVUs) GetProgress() float64 {
	return e.progress(e.config.Duration)
}

// GetActiveVUs returns current active VU count.
func (e *ConstantVUs) GetActiveVUs() int {
	return e.activeVUs()
}

// GetStats returns executor statistics.
func (e *ConstantVUs) GetStats() *Stats {
	stats := e.baseStats()
	stats.TargetVUs = e.config.VUs
	return stats
}

// Stop ends the run early.
func (e *ConstantVUs) Stop(_ context.Context) error {
	e.requestStop()
	return nil
}

var _ Executor = (*ConstantVUs)(nil)
