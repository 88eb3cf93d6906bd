// Package providers defines the backend client contract the orchestrator
// routes against, with one implementation per backend kind.
package providers

import (
	"context"
)

// BackendClient is implemented once per backend kind. The wire protocol is
// entirely opaque to the orchestrator; the orchestrator applies its own
// per-attempt timeout through ctx.
type BackendClient interface {
	// Name returns the registered backend identifier.
	Name() string

	// Kind returns the backend kind (openai, anthropic, ...).
	Kind() string

	// Generate produces text for the prompt and reports the units
	// consumed (provider-reported token total, 0 if unknown).
	Generate(ctx context.Context, prompt string) (text string, unitsUsed int64, err error)
}
