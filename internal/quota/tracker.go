// Package quota tracks per-backend daily usage against configured limits
// and derives remaining-capacity percentages for routing decisions.
package quota

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// Usage status bands derived from the remaining fraction.
const (
	StatusAvailable = "available" // remaining >= 0.2
	StatusWarning   = "warning"   // remaining in [0.1, 0.2)
	StatusCritical  = "critical"  // remaining in (0, 0.1)
	StatusDisabled  = "disabled"  // remaining <= 0
)

// Alert thresholds as usage fractions. Crossing one logs an alert; it never
// changes control flow except for full exhaustion, which IsAvailable reports.
var alertThresholds = []struct {
	fraction float64
	level    logrus.Level
	message  string
}{
	{0.80, logrus.WarnLevel, "provider quota usage crossed 80%"},
	{0.90, logrus.ErrorLevel, "provider quota usage crossed 90%"},
	{1.00, logrus.ErrorLevel, "provider quota exhausted"},
}

// Tracker accounts usage per backend per calendar day. Persistence is
// delegated to a UsageStore; limits live in memory and come from the
// provider registrations.
type Tracker struct {
	store  UsageStore
	logger *logrus.Logger

	mu      sync.Mutex
	limits  map[string]int64
	alerted map[string]map[float64]bool // day|provider -> threshold -> fired

	now func() time.Time
}

// NewTracker creates a tracker on top of the given store.
func NewTracker(store UsageStore, logger *logrus.Logger) *Tracker {
	return &Tracker{
		store:   store,
		logger:  logger,
		limits:  make(map[string]int64),
		alerted: make(map[string]map[float64]bool),
		now:     time.Now,
	}
}

// Register sets the daily unit limit for a backend. A limit of 0 means
// unlimited.
func (t *Tracker) Register(providerID string, limit int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[providerID] = limit
}

// RecordUsage adds units and requests to today's record for the backend
// and fires threshold alerts the accumulation crosses.
func (t *Tracker) RecordUsage(ctx context.Context, providerID string, units, requests int64) error {
	day := t.today()
	if err := t.store.Upsert(ctx, providerID, day, requests, units); err != nil {
		return err
	}

	t.checkThresholds(ctx, providerID, day)
	return nil
}

// RemainingPercentage returns the remaining-capacity fraction in [0,1].
// Unlimited backends always report 1.0. Store read failures are logged and
// treated as full capacity so a flaky store cannot take every backend out
// of rotation.
func (t *Tracker) RemainingPercentage(ctx context.Context, providerID string) float64 {
	t.mu.Lock()
	limit := t.limits[providerID]
	t.mu.Unlock()

	if limit <= 0 {
		return 1.0
	}

	rec, err := t.store.Get(ctx, providerID, t.today())
	if err != nil {
		t.logger.WithError(err).WithField("provider", providerID).Warn("Usage store read failed, assuming full quota")
		return 1.0
	}

	remaining := 1.0 - float64(rec.UnitCount)/float64(limit)
	if remaining < 0 {
		return 0
	}
	if remaining > 1 {
		return 1
	}
	return remaining
}

// IsAvailable reports whether the backend still has quota left today.
func (t *Tracker) IsAvailable(ctx context.Context, providerID string) bool {
	return t.RemainingPercentage(ctx, providerID) > 0
}

// UsageStats returns today's usage record for the backend.
func (t *Tracker) UsageStats(ctx context.Context, providerID string) (UsageRecord, error) {
	return t.store.Get(ctx, providerID, t.today())
}

// Reset zeroes today's usage for the backend and re-arms its alerts.
// Testing and ops only.
func (t *Tracker) Reset(ctx context.Context, providerID string) error {
	day := t.today()
	if err := t.store.Reset(ctx, providerID, day); err != nil {
		return err
	}

	t.mu.Lock()
	delete(t.alerted, alertKey(providerID, day))
	t.mu.Unlock()
	return nil
}

// Snapshot builds the observability view for one backend.
func (t *Tracker) Snapshot(ctx context.Context, providerID string) types.QuotaSnapshot {
	t.mu.Lock()
	limit := t.limits[providerID]
	t.mu.Unlock()

	day := t.today()
	rec, err := t.store.Get(ctx, providerID, day)
	if err != nil {
		t.logger.WithError(err).WithField("provider", providerID).Warn("Usage store read failed while building snapshot")
	}

	remaining := t.RemainingPercentage(ctx, providerID)
	return types.QuotaSnapshot{
		Day:          day,
		RequestCount: rec.RequestCount,
		UnitCount:    rec.UnitCount,
		Limit:        limit,
		Remaining:    remaining,
		Status:       StatusFor(remaining),
	}
}

// StatusFor maps a remaining fraction onto its status band.
func StatusFor(remaining float64) string {
	switch {
	case remaining <= 0:
		return StatusDisabled
	case remaining < 0.1:
		return StatusCritical
	case remaining < 0.2:
		return StatusWarning
	default:
		return StatusAvailable
	}
}

// checkThresholds fires each alert at most once per backend per day.
func (t *Tracker) checkThresholds(ctx context.Context, providerID, day string) {
	t.mu.Lock()
	limit := t.limits[providerID]
	t.mu.Unlock()

	if limit <= 0 {
		return
	}

	rec, err := t.store.Get(ctx, providerID, day)
	if err != nil {
		return
	}
	used := float64(rec.UnitCount) / float64(limit)

	t.mu.Lock()
	defer t.mu.Unlock()

	key := alertKey(providerID, day)
	fired := t.alerted[key]
	if fired == nil {
		fired = make(map[float64]bool)
		t.alerted[key] = fired
	}

	for _, th := range alertThresholds {
		if used >= th.fraction && !fired[th.fraction] {
			fired[th.fraction] = true
			t.logger.WithFields(logrus.Fields{
				"provider":   providerID,
				"day":        day,
				"used_units": rec.UnitCount,
				"limit":      limit,
				"usage_pct":  used * 100,
			}).Log(th.level, th.message)
		}
	}
}

// RunRolloverSweep prunes alert markers for past days until ctx is
// cancelled. Usage rows are durable and never deleted here; only the
// in-memory once-per-day alert state needs pruning, otherwise it grows by
// one entry per backend per day for the life of the process.
func (t *Tracker) RunRolloverSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pruned := t.pruneAlerts(t.today()); pruned > 0 {
				t.logger.WithField("pruned", pruned).Debug("Quota alert state rolled over")
			}
		}
	}
}

// pruneAlerts drops alert markers for every day except the given one and
// returns how many were removed.
func (t *Tracker) pruneAlerts(day string) int {
	suffix := "|" + day

	t.mu.Lock()
	defer t.mu.Unlock()

	pruned := 0
	for key := range t.alerted {
		if !strings.HasSuffix(key, suffix) {
			delete(t.alerted, key)
			pruned++
		}
	}
	return pruned
}

func (t *Tracker) today() string {
	return t.now().UTC().Format("2006-01-02")
}

func alertKey(providerID, day string) string {
	return providerID + "|" + day
}
