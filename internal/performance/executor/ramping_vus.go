package executor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/surge/internal/performance"
	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// controllerTick is how often the ramping controller re-evaluates the target.
const controllerTick = 100 * time.Millisecond

// RampingVUs ramps the VU count up and down according to stages.
//
// The target is linearly interpolated between stage targets and re-applied
// every 100ms, so the VU count follows the profile smoothly instead of in
// steps. VUs removed by a ramp-down finish their current iteration; if they
// are still busy after GracefulRampDown they are cancelled.
//
// Example stages:
//
//	stages:
//	  - duration: 2m
//	    target: 100    # ramp from 0 to 100 VUs over 2m
//	  - duration: 5m
//	    target: 100    # hold 100 VUs for 5m
//	  - duration: 1m
//	    target: 0      # ramp down to 0 VUs over 1m
type RampingVUs struct {
	runState

	targetVUs    atomic.Int32
	currentStage atomic.Int32

	rampDownMu     sync.Mutex
	rampDownTimers []*time.Timer
}

// NewRampingVUs creates a new ramping VUs executor.
func NewRampingVUs() *RampingVUs {
	return &RampingVUs{}
}

// Type returns the executor type.
func (e *RampingVUs) Type() Type {
	return TypeRampingVUs
}

// Init initializes the executor with configuration.
func (e *RampingVUs) Init(_ context.Context, config *Config) error {
	if err := e.init(config, TypeRampingVUs); err != nil {
		return err
	}
	e.targetVUs.Store(int32(e.config.StartVUs))
	return nil
}

// Run starts the executor and blocks until the last stage is over.
func (e *RampingVUs) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
	e.begin(scheduler, metricsEngine)

	slog.Debug("starting ramping-vus executor",
		"scenario", e.config.Name, "startVUs", e.config.StartVUs,
		"stages", len(e.config.Stages), "duration", e.config.Stages.TotalDuration())

	opts := e.runOptions(0)
	onSpawn := func(vu *performance.VirtualUser) {
		scheduler.StartVU(ctx, vu, opts)
	}

	total := e.config.Stages.TotalDuration()
	deadline := time.NewTimer(total)
	defer deadline.Stop()

	ticker := time.NewTicker(controllerTick)
	defer ticker.Stop()

	e.adjust(0, onSpawn)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-e.stopCh:
			break loop
		case <-deadline.C:
			break loop
		case <-ticker.C:
			e.adjust(e.elapsed(), onSpawn)
		}
	}

	e.stopRampDownTimers()
	e.finish(ctx)
	return nil
}

// adjust applies the target for elapsed to the scheduler.
func (e *RampingVUs) adjust(elapsed time.Duration, onSpawn func(*performance.VirtualUser)) {
	stages := e.config.Stages

	target := stages.TargetAt(e.config.StartVUs, elapsed)
	e.targetVUs.Store(int32(target))
	e.currentStage.Store(int32(stages.IndexAt(elapsed)))

	stopped := e.scheduler.ScaleVUs(target, onSpawn)
	if len(stopped) > 0 {
		e.scheduleCancel(stopped)
	}

	if phase := stages.PhaseAt(e.config.StartVUs, elapsed); phase != metrics.PhaseDone {
		e.metrics.SetPhase(phase)
	}
}

// scheduleCancel hard-stops ramped-down VUs that outlive GracefulRampDown.
func (e *RampingVUs) scheduleCancel(vus []*performance.VirtualUser) {
	grace := e.config.gracefulRampDown()

	e.rampDownMu.Lock()
	defer e.rampDownMu.Unlock()

	for _, vu := range vus {
		vu := vu
		e.rampDownTimers = append(e.rampDownTimers, time.AfterFunc(grace, func() {
			select {
			case <-vu.Done():
			default:
				slog.Debug("cancelling VU after graceful ramp-down", "vu", vu.ID, "grace", grace)
				vu.Cancel()
			}
		}))
	}
}

func (e *RampingVUs) stopRampDownTimers() {
	e.rampDownMu.Lock()
	defer e.rampDownMu.Unlock()

	for _, t := range e.rampDownTimers {
		t.Stop()
	}
	e.rampDownTimers = nil
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *RampingVUs) GetProgress() float64 {
	return e.progress(e.config.Stages.TotalDuration())
}

// GetActiveVUs returns current active VU count.
func (e *RampingVUs) GetActiveVUs() int {
	return e.activeVUs()
}

// GetTargetVUs returns the VU count the profile currently asks for.
func (e *RampingVUs) GetTargetVUs() int {
	return int(e.targetVUs.Load())
}

// GetStats returns executor statistics.
func (e *RampingVUs) GetStats() *Stats {
	stats := e.baseStats()
	stats.TargetVUs = int(e.targetVUs.Load())
	stats.TotalStages = len(e.config.Stages)

	idx := int(e.currentStage.Load())
	stats.CurrentStage = idx
	if idx < len(e.config.Stages) {
		stats.CurrentStageName = e.config.Stages[idx].Name
	}
	return stats
}

// Stop ends the run early.
func (e *RampingVUs) Stop(_ context.Context) error {
	e.requestStop()
	return nil
}

var _ Executor = (*RampingVUs)(nil)
