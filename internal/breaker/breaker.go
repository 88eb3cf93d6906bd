// Package breaker implements the per-backend failure-isolation state
// machine (CLOSED / OPEN / HALF_OPEN) that gates every call attempt.
package breaker

import (
	"sync"
	"time"

	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed lets traffic through and counts failures.
	StateClosed State = iota
	// StateOpen refuses traffic until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits a single probe to test recovery.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	// DefaultFailureThreshold opens the circuit after this many
	// consecutive failures while CLOSED.
	DefaultFailureThreshold = 5

	// DefaultTimeout is how long the circuit stays OPEN before a probe
	// is admitted.
	DefaultTimeout = 60 * time.Second

	// DefaultSuccessThreshold closes the circuit after this many probe
	// successes while HALF_OPEN.
	DefaultSuccessThreshold = 1
)

// Config tunes a breaker. Zero values fall back to the defaults above.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// Breaker is the circuit breaker for a single backend.
//
// Unlike the health tracker, the breaker locks internally: its threshold
// comparisons must be atomic even if a caller reaches it without holding
// the backend lock.
//
// HALF_OPEN admits exactly one in-flight probe. CanRequest reports
// availability (and performs the OPEN to HALF_OPEN transition once the
// timeout has elapsed) without consuming the probe; Allow consumes it.
type Breaker struct {
	mu sync.Mutex

	state        State
	failureCount int
	successCount int
	lastFailure  time.Time

	failureThreshold int
	timeout          time.Duration
	successThreshold int

	probeInFlight bool

	now func() time.Time
}

// New creates a breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultSuccessThreshold
	}

	return &Breaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		timeout:          cfg.Timeout,
		successThreshold: cfg.SuccessThreshold,
		now:              time.Now,
	}
}

// CanRequest reports whether an attempt could currently be admitted. While
// OPEN it checks the elapsed time and transitions to HALF_OPEN once the
// timeout has passed; the transition happens at most once per window.
func (b *Breaker) CanRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.timeout {
			b.state = StateHalfOpen
			b.successCount = 0
			b.probeInFlight = false
			return true
		}
		return false
	case StateHalfOpen:
		return !b.probeInFlight
	default:
		return false
	}
}

// Allow admits an attempt, consuming the HALF_OPEN probe slot if the
// circuit is recovering. Callers that receive true must follow up with
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.timeout {
			return false
		}
		b.state = StateHalfOpen
		b.successCount = 0
		fallthrough
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess notes a successful attempt. In HALF_OPEN it releases the
// probe slot and closes the circuit once the success threshold is met.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	case StateOpen:
		// A late-resolving attempt from before the circuit opened; the
		// circuit already decided, so the outcome is dropped.
	}
}

// RecordFailure notes a failed attempt. In CLOSED it opens the circuit at
// the failure threshold; in HALF_OPEN it reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		b.lastFailure = b.now()
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.successCount = 0
		b.lastFailure = b.now()
		b.state = StateOpen
	case StateOpen:
		// Late-resolving failure; already open.
	}
}

// Release returns a consumed probe slot without recording an outcome. Used
// when an attempt is abandoned before the backend produced a verdict, such
// as the caller going away mid-request. A no-op outside HALF_OPEN.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// Reset forces the circuit CLOSED and zeroes all counters. Manual recovery
// only, not part of the normal flow.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.probeInFlight = false
	b.lastFailure = time.Time{}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot copies the breaker state for observability consumers.
func (b *Breaker) Snapshot() types.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return types.BreakerSnapshot{
		State:        b.state.String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		LastFailure:  b.lastFailure,
	}
}

// setClock injects a fake clock for tests.
func (b *Breaker) setClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
