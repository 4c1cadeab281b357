package executor

import (
	"time"

	"github.com/wesleyorama2/surge/internal/performance/metrics"
)

// Stage defines a stage in ramping executors.
type Stage struct {
	// Duration of this stage
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Target VU count reached at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Stages is an ordered load profile.
//
// The VU count moves linearly from the previous target (or the start value
// for the first stage) to each stage's target over the stage's duration.
type Stages []Stage

// TotalDuration returns the sum of the stage durations.
func (s Stages) TotalDuration() time.Duration {
	var total time.Duration
	for _, stage := range s {
		total += stage.Duration
	}
	return total
}

// IndexAt returns the index of the stage active at elapsed, or len(s) once
// every stage is over.
func (s Stages) IndexAt(elapsed time.Duration) int {
	var end time.Duration
	for i, stage := range s {
		end += stage.Duration
		if elapsed < end {
			return i
		}
	}
	return len(s)
}

// TargetAt returns the interpolated VU target at elapsed, rounded to the
// nearest integer. After the last stage it returns the last target.
func (s Stages) TargetAt(start int, elapsed time.Duration) int {
	if len(s) == 0 {
		return start
	}
	if elapsed < 0 {
		elapsed = 0
	}

	var stageStart time.Duration
	prev := start
	for _, stage := range s {
		stageEnd := stageStart + stage.Duration
		if elapsed < stageEnd {
			progress := float64(elapsed-stageStart) / float64(stage.Duration)
			target := float64(prev) + float64(stage.Target-prev)*progress
			return int(target + 0.5)
		}
		prev = stage.Target
		stageStart = stageEnd
	}
	return s[len(s)-1].Target
}

// PhaseAt classifies the stage active at elapsed by comparing its target
// with the one it starts from.
func (s Stages) PhaseAt(start int, elapsed time.Duration) metrics.Phase {
	idx := s.IndexAt(elapsed)
	if idx >= len(s) {
		return metrics.PhaseDone
	}

	prev := start
	if idx > 0 {
		prev = s[idx-1].Target
	}

	switch target := s[idx].Target; {
	case target > prev:
		return metrics.PhaseRampUp
	case target < prev:
		return metrics.PhaseRampDown
	default:
		return metrics.PhaseSteady
	}
}

// MaxTarget returns the highest VU count the profile reaches.
func (s Stages) MaxTarget(start int) int {
	highest := start
	for _, stage := range s {
		if stage.Target > highest {
			highest = stage.Target
		}
	}
	return highest
}
