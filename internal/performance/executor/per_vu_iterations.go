package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// PerVUIterations runs a fixed number of iterations on each of N VUs.
//
// The run ends when every VU has finished its iterations, or when the
// maximum duration (Duration, default 10m) expires.
type PerVUIterations struct {
	runState
}

// NewPerVUIterations creates a new per-vu-iterations executor.
func NewPerVUIterations() *PerVUIterations {
	return &PerVUIterations{}
}

// Type returns the executor type.
func (e *PerVUIterations) Type() Type {
	return TypePerVUIterations
}

// Init initializes the executor with configuration.
func (e *PerVUIterations) Init(_ context.Context, config *Config) error {
	return e.init(config, TypePerVUIterations)
}

// Run starts the executor and blocks until completion.
func (e *PerVUIterations) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
	e.begin(scheduler, metricsEngine)
	metricsEngine.SetPhase(metrics.PhaseSteady)

	slog.Debug("starting per-vu-iterations executor",
		"scenario", e.config.Name, "vus", e.config.VUs, "iterations", e.config.Iterations)

	opts := e.runOptions(e.config.Iterations)

	vus := make([]*performance.VirtualUser, 0, e.config.VUs)
	for i := 0; i < e.config.VUs; i++ {
		vu := scheduler.SpawnVU()
		vus = append(vus, vu)
		scheduler.StartVU(ctx, vu, opts)
	}
	scheduler.UpdateMetrics()

	allDone := make(chan struct{})
	go func() {
		for _, vu := range vus {
			<-vu.Done()
		}
		close(allDone)
	}()

	timer := time.NewTimer(e.maxDuration())
	defer timer.Stop()

	select {
	case <-allDone:
	case <-ctx.Done():
	case <-e.stopCh:
	case <-timer.C:
		slog.Warn("per-vu-iterations hit its maximum duration",
			"scenario", e.config.Name, "maxDuration", e.maxDuration())
	}

	e.finish(ctx)
	return nil
}

func (e *PerVUIterations) maxDuration() time.Duration {
	if e.config.Duration > 0 {
		return e.config.Duration
	}
	return DefaultMaxDuration
}

// GetProgress returns the fraction of planned iterations completed.
func (e *PerVUIterations) GetProgress() float64 {
	total := int64(e.config.VUs) * e.config.Iterations
	if total <= 0 {
		return 0
	}
	p := float64(e.iterations.Load()) / float64(total)
	if p > 1.0 {
		p = 1.0
	}
	return p
}

// GetActiveVUs returns current active VU count.
func (e *PerVUIterations) GetActiveVUs() int {
	return e.activeVUs()
}

// GetStats returns executor statistics.
func (e *PerVUIterations) GetStats() *Stats {
	stats := e.baseStats()
	stats.TargetVUs = e.config.VUs
	stats.TotalIterations = int64(e.config.VUs) * e.config.Iterations
	return stats
}

// Stop ends the run early.
func (e *PerVUIterations) Stop(_ context.Context) error {
	e.requestStop()
	return nil
}

var _ Executor = (*PerVUIterations)(nil)
