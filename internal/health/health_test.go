package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker_FreshBackendIsHealthy(t *testing.T) {
	tr := NewTracker()

	assert.True(t, tr.Healthy())
	assert.InDelta(t, 1.0, tr.Score(), 0.001)
	assert.Equal(t, 1.0, tr.LatencyScore())
}

func TestTracker_RecordSuccess(t *testing.T) {
	tr := NewTracker()

	tr.RecordSuccess(2 * time.Second)

	snap := tr.Snapshot()
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.SuccessCount)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, 2*time.Second, snap.AvgResponseTime)
}

func TestTracker_ResponseTimeSmoothing(t *testing.T) {
	tr := NewTracker()

	// First sample is taken as-is.
	tr.RecordSuccess(1 * time.Second)
	assert.Equal(t, 1*time.Second, tr.Snapshot().AvgResponseTime)

	// Subsequent samples blend 0.3 new / 0.7 old.
	tr.RecordSuccess(2 * time.Second)
	want := time.Duration(0.3*float64(2*time.Second) + 0.7*float64(1*time.Second))
	assert.InDelta(t, float64(want), float64(tr.Snapshot().AvgResponseTime), float64(time.Millisecond))
}

func TestTracker_ConsecutiveFailuresResetOnSuccess(t *testing.T) {
	tr := NewTracker()

	tr.RecordFailure()
	tr.RecordFailure()
	assert.Equal(t, 2, tr.Snapshot().ConsecutiveFailures)

	tr.RecordSuccess(time.Second)
	assert.Equal(t, 0, tr.Snapshot().ConsecutiveFailures)
}

func TestTracker_UnhealthyAfterFiveConsecutiveFailures(t *testing.T) {
	tr := NewTracker()

	for i := 0; i < 4; i++ {
		tr.RecordFailure()
	}
	// Four failures in a row is not yet a hard exclusion, but the score is
	// already depressed; check the counter threshold specifically.
	assert.Equal(t, 4, tr.Snapshot().ConsecutiveFailures)

	tr.RecordFailure()
	assert.False(t, tr.Healthy())
}

func TestTracker_UnhealthyWhenQuotaExhausted(t *testing.T) {
	tr := NewTracker()
	tr.RecordSuccess(time.Second)

	tr.SetQuotaRemaining(0)
	assert.False(t, tr.Healthy())

	tr.SetQuotaRemaining(0.5)
	assert.True(t, tr.Healthy())
}

func TestTracker_UnhealthyWhenDisabled(t *testing.T) {
	tr := NewTracker()

	tr.SetEnabled(false)
	assert.False(t, tr.Healthy())

	tr.SetEnabled(true)
	assert.True(t, tr.Healthy())
}

func TestTracker_ScoreFormula(t *testing.T) {
	tr := NewTracker()

	// One success at 1s: successRate=1, latencyScore=1, quota=1.
	tr.RecordSuccess(1 * time.Second)
	assert.InDelta(t, 1.0, tr.Score(), 0.001)

	// One failure: successRate=0.5, one consecutive failure penalty 0.1.
	tr.RecordFailure()
	want := 0.5*0.5 + 0.3*1.0 + 0.2*1.0 - 0.1
	assert.InDelta(t, want, tr.Score(), 0.001)
}

func TestTracker_ScoreClampedToZero(t *testing.T) {
	tr := NewTracker()
	tr.SetQuotaRemaining(0)

	for i := 0; i < 10; i++ {
		tr.RecordFailure()
	}

	assert.Equal(t, 0.0, tr.Score())
}

func TestTracker_FailurePenaltyCapped(t *testing.T) {
	tr := NewTracker()

	// Many successes keep the success rate high, then a burst of failures.
	for i := 0; i < 95; i++ {
		tr.RecordSuccess(1 * time.Second)
	}
	for i := 0; i < 8; i++ {
		tr.RecordFailure()
	}

	rate := 95.0 / 103.0
	want := 0.5*rate + 0.3*1.0 + 0.2*1.0 - 0.5
	assert.InDelta(t, want, tr.Score(), 0.001)
}

func TestTracker_LatencyScore(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    float64
	}{
		{"sub-second is perfect", 500 * time.Millisecond, 1.0},
		{"one second is perfect", 1 * time.Second, 1.0},
		{"midpoint", 5500 * time.Millisecond, 0.5},
		{"ten seconds is zero", 10 * time.Second, 0.0},
		{"beyond ten seconds clamps", 30 * time.Second, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			tr.RecordSuccess(tt.elapsed)
			assert.InDelta(t, tt.want, tr.LatencyScore(), 0.001)
		})
	}
}
