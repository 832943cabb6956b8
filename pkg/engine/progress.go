package engine

import (
	"math"
	"sync"
)

// DefaultProgressThreshold is the minimum change in percentage points that is published.
const DefaultProgressThreshold = 0.5

// ProgressAggregator computes overall run progress and throttles how often it is published.
type ProgressAggregator struct {
	mu        sync.Mutex
	total     int
	threshold float64
	current   float64
	published float64
	hasPub    bool
}

// NewProgressAggregator creates an aggregator for total steps.
func NewProgressAggregator(total int, threshold float64) *ProgressAggregator {
	if threshold <= 0 {
		threshold = DefaultProgressThreshold
	}
	return &ProgressAggregator{total: total, threshold: threshold}
}

// OverallProgress returns (completed + fraction of the in-flight step) / total * 100,
// rounded to two decimals. Steps in success or warning count as completed.
func OverallProgress(steps []DeploymentStep) float64 {
	return progressOf(steps, len(steps))
}

func progressOf(steps []DeploymentStep, total int) float64 {
	if total == 0 {
		return 0
	}

	var done float64
	for _, s := range steps {
		switch {
		case s.Status.IsCompleted():
			done++
		case s.Status == StepStatusInProgress:
			done += float64(clampProgress(s.Progress)) / 100
		}
	}
	return round2(done / float64(total) * 100)
}

// Observe recomputes progress from steps. It returns the exact value and whether
// it moved far enough from the last published value to be published.
func (a *ProgressAggregator) Observe(steps []DeploymentStep) (float64, bool) {
	total := a.total
	if total <= 0 {
		total = len(steps)
	}
	value := progressOf(steps, total)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.current = value
	if a.hasPub && math.Abs(value-a.published) < a.threshold {
		return value, false
	}
	if !a.hasPub && value == 0 {
		return value, false
	}
	a.published = value
	a.hasPub = true
	return value, true
}

// Final sets progress to 100 and reports whether that still needs publishing.
func (a *ProgressAggregator) Final() (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.current = 100
	if a.hasPub && a.published == 100 {
		return 100, false
	}
	a.published = 100
	a.hasPub = true
	return 100, true
}

// Current returns the last computed value.
func (a *ProgressAggregator) Current() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Published returns the last published value.
func (a *ProgressAggregator) Published() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.published
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
