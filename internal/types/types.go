package types

import (
	"fmt"
	"time"
)

// Provider kinds understood by the orchestrator. The backend client for a
// kind owns the wire protocol; the orchestrator never inspects it.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
)

// ProviderConfig is the immutable registration record for one backend.
type ProviderConfig struct {
	// ID uniquely identifies this backend within the orchestrator.
	ID string `yaml:"id" json:"id"`

	// Kind selects the backend client implementation (openai, anthropic, ...).
	Kind string `yaml:"kind" json:"kind"`

	// APIKey authenticates against the backend.
	APIKey string `yaml:"api_key" json:"-"`

	// BaseURL overrides the backend's default endpoint when set.
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`

	// Model is the provider-side model identifier used for generation.
	Model string `yaml:"model" json:"model"`

	// Priority breaks ranking ties; 1 is highest, 10 lowest.
	Priority int `yaml:"priority" json:"priority"`

	// QuotaLimit is the daily usage allowance in units; 0 means unlimited.
	QuotaLimit int64 `yaml:"quota_limit" json:"quota_limit"`

	// Timeout bounds a single generation attempt against this backend.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// MaxRetries is the backend client's own retry budget per attempt.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Enabled backends participate in routing; may be toggled live.
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Validate checks the registration invariants. Violations are fatal to the
// registration only, never to the orchestrator.
func (c *ProviderConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("provider id cannot be empty")
	}
	if c.Kind == "" {
		return fmt.Errorf("provider %s: kind cannot be empty", c.ID)
	}
	if c.Model == "" {
		return fmt.Errorf("provider %s: model cannot be empty", c.ID)
	}
	if c.Priority < 1 || c.Priority > 10 {
		return fmt.Errorf("provider %s: priority must be between 1 and 10, got %d", c.ID, c.Priority)
	}
	if c.Timeout < time.Second {
		return fmt.Errorf("provider %s: timeout must be at least 1s, got %v", c.ID, c.Timeout)
	}
	if c.QuotaLimit < 0 {
		return fmt.Errorf("provider %s: quota_limit cannot be negative, got %d", c.ID, c.QuotaLimit)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("provider %s: max_retries cannot be negative, got %d", c.ID, c.MaxRetries)
	}
	return nil
}

// ProviderResponse is the immutable record of one generation attempt.
type ProviderResponse struct {
	ProviderID string            `json:"provider_id"`
	Text       string            `json:"text"`
	Model      string            `json:"model"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
	UnitsUsed  int64             `json:"units_used,omitempty"`
	Elapsed    time.Duration     `json:"elapsed"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Result is what the orchestrator hands back to its caller. Err is non-nil
// only when every eligible backend was exhausted.
type Result struct {
	RequestID  string        `json:"request_id"`
	Success    bool          `json:"success"`
	Text       string        `json:"text,omitempty"`
	ProviderID string        `json:"provider_id,omitempty"`
	Model      string        `json:"model,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	CacheHit   bool          `json:"cache_hit"`
	Err        error         `json:"-"`
}

// HealthSnapshot is a point-in-time copy of a backend's health tracker.
type HealthSnapshot struct {
	Healthy             bool          `json:"healthy"`
	Score               float64       `json:"score"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalRequests       int64         `json:"total_requests"`
	SuccessCount        int64         `json:"success_count"`
	FailureCount        int64         `json:"failure_count"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	QuotaRemaining      float64       `json:"quota_remaining"`
}

// BreakerSnapshot is a point-in-time copy of a backend's circuit breaker.
type BreakerSnapshot struct {
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
}

// QuotaSnapshot describes a backend's usage for the current day.
type QuotaSnapshot struct {
	Day          string  `json:"day"`
	RequestCount int64   `json:"request_count"`
	UnitCount    int64   `json:"unit_count"`
	Limit        int64   `json:"limit"`
	Remaining    float64 `json:"remaining"`
	Status       string  `json:"status"`
}

// ProviderStatus aggregates everything the dashboard needs for one backend.
type ProviderStatus struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Model    string          `json:"model"`
	Priority int             `json:"priority"`
	Enabled  bool            `json:"enabled"`
	Health   HealthSnapshot  `json:"health"`
	Breaker  BreakerSnapshot `json:"breaker"`
	Quota    QuotaSnapshot   `json:"quota"`
}

// Metrics is the orchestrator-wide counter snapshot.
type Metrics struct {
	TotalRequests       int64            `json:"total_requests"`
	CacheHits           int64            `json:"cache_hits"`
	CacheMisses         int64            `json:"cache_misses"`
	CacheHitRate        float64          `json:"cache_hit_rate"`
	ProviderCalls       map[string]int64 `json:"provider_calls"`
	ProviderFailures    map[string]int64 `json:"provider_failures"`
	RegisteredProviders int              `json:"registered_providers"`
}
