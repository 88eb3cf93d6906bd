package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

// Failure kinds. Per-attempt kinds (timeout, backend error, quota, circuit)
// drive fallback and are recorded, never surfaced individually; only
// ErrAllBackendsExhausted reaches the caller, wrapping the most recent
// underlying error for diagnostics.
var (
	// ErrEmptyPrompt rejects a request carrying no prompt.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")

	// ErrBackendTimeout marks an attempt that exceeded the backend's
	// configured timeout.
	ErrBackendTimeout = errors.New("backend timeout")

	// ErrBackendError marks an attempt the backend rejected or failed.
	ErrBackendError = errors.New("backend error")

	// ErrQuotaExhausted marks a backend skipped for lack of quota.
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrCircuitOpen marks a backend skipped because its circuit is open.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrAllBackendsExhausted is the only caller-visible failure kind.
	ErrAllBackendsExhausted = errors.New("all backends exhausted")

	// ErrDuplicateProvider rejects a second registration under an ID.
	ErrDuplicateProvider = errors.New("provider already registered")

	// ErrUnknownProvider marks operations against an unregistered ID.
	ErrUnknownProvider = errors.New("unknown provider")
)

// classifyAttemptError wraps a raw attempt error with its failure kind.
func classifyAttemptError(err error, backendID string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrBackendTimeout, backendID, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrBackendError, backendID, err)
}
