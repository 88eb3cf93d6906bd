// Package health tracks per-backend success/failure history and derives a
// 0-1 fitness score the orchestrator ranks candidates by.
package health

import (
	"time"

	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

const (
	// smoothingFactor weights the newest latency sample in the moving average.
	smoothingFactor = 0.3

	// maxConsecutiveFailures marks a backend unhealthy regardless of score.
	maxConsecutiveFailures = 5

	// minHealthyScore is the score floor below which a backend is unhealthy.
	minHealthyScore = 0.3

	// failurePenaltyStep and failurePenaltyCap shape the consecutive-failure
	// penalty subtracted from the score.
	failurePenaltyStep = 0.1
	failurePenaltyCap  = 0.5
)

// Tracker holds the mutable health state for a single backend.
//
// Tracker is not self-locking: the orchestrator serializes all mutations for
// a backend under that backend's lock, so counters and the derived score
// stay consistent with each other.
type Tracker struct {
	enabled             bool
	consecutiveFailures int
	totalRequests       int64
	successCount        int64
	failureCount        int64
	avgResponseTime     time.Duration
	quotaRemaining      float64
	score               float64
}

// NewTracker returns a tracker for a freshly registered backend. With no
// history the backend is considered fully healthy.
func NewTracker() *Tracker {
	t := &Tracker{
		enabled:        true,
		quotaRemaining: 1.0,
	}
	t.recompute()
	return t
}

// RecordSuccess folds a successful attempt into the counters and the
// latency moving average.
func (t *Tracker) RecordSuccess(elapsed time.Duration) {
	t.totalRequests++
	t.successCount++
	t.consecutiveFailures = 0

	if t.avgResponseTime == 0 {
		t.avgResponseTime = elapsed
	} else {
		t.avgResponseTime = time.Duration(
			smoothingFactor*float64(elapsed) + (1-smoothingFactor)*float64(t.avgResponseTime),
		)
	}

	t.recompute()
}

// RecordFailure folds a failed attempt into the counters.
func (t *Tracker) RecordFailure() {
	t.totalRequests++
	t.failureCount++
	t.consecutiveFailures++
	t.recompute()
}

// SetQuotaRemaining updates the remaining-quota fraction used by the score.
// The value is clamped to [0,1].
func (t *Tracker) SetQuotaRemaining(remaining float64) {
	t.quotaRemaining = clamp01(remaining)
	t.recompute()
}

// SetEnabled toggles the backend; a disabled backend is never healthy.
func (t *Tracker) SetEnabled(enabled bool) {
	t.enabled = enabled
}

// Score returns the current composite health score in [0,1].
func (t *Tracker) Score() float64 {
	return t.score
}

// Healthy reports whether the backend should receive traffic.
func (t *Tracker) Healthy() bool {
	if !t.enabled {
		return false
	}
	if t.quotaRemaining <= 0 {
		return false
	}
	if t.consecutiveFailures >= maxConsecutiveFailures {
		return false
	}
	return t.score >= minHealthyScore
}

// LatencyScore maps the average response time onto [0,1]: 1s or faster
// scores 1.0, 10s or slower scores 0.0, linear in between. A backend with
// no samples yet scores 1.0.
func (t *Tracker) LatencyScore() float64 {
	if t.avgResponseTime == 0 {
		return 1.0
	}
	seconds := t.avgResponseTime.Seconds()
	return clamp01((10.0 - seconds) / 9.0)
}

// Snapshot copies the tracker state for observability consumers.
func (t *Tracker) Snapshot() types.HealthSnapshot {
	return types.HealthSnapshot{
		Healthy:             t.Healthy(),
		Score:               t.score,
		ConsecutiveFailures: t.consecutiveFailures,
		TotalRequests:       t.totalRequests,
		SuccessCount:        t.successCount,
		FailureCount:        t.failureCount,
		AvgResponseTime:     t.avgResponseTime,
		QuotaRemaining:      t.quotaRemaining,
	}
}

// recompute derives the composite score:
// 0.5*successRate + 0.3*latencyScore + 0.2*quotaRemaining - failure penalty.
func (t *Tracker) recompute() {
	successRate := 1.0
	if t.totalRequests > 0 {
		successRate = float64(t.successCount) / float64(t.totalRequests)
	}

	penalty := failurePenaltyStep * float64(t.consecutiveFailures)
	if penalty > failurePenaltyCap {
		penalty = failurePenaltyCap
	}

	score := 0.5*successRate + 0.3*t.LatencyScore() + 0.2*t.quotaRemaining - penalty
	t.score = clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
