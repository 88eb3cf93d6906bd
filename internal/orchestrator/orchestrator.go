// Package orchestrator routes generation requests across registered
// backends: cache first, then health-ranked candidates with circuit
// breaking, quota accounting, and ranked fallback until one succeeds.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-orchestrator/internal/breaker"
	"github.com/tributary-ai/llm-orchestrator/internal/cache"
	"github.com/tributary-ai/llm-orchestrator/internal/health"
	"github.com/tributary-ai/llm-orchestrator/internal/providers"
	"github.com/tributary-ai/llm-orchestrator/internal/quota"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// DefaultCacheTTL bounds how long a successful response is served from
// cache. An identical prompt keeps yielding a reusable generation for a
// long time, so the default is 30 days.
const DefaultCacheTTL = 30 * 24 * time.Hour

// Ranking weights. Health already folds quota and latency in with its own
// weights; the routing rank re-weights the three signals for selection.
const (
	rankWeightHealth  = 0.4
	rankWeightQuota   = 0.3
	rankWeightLatency = 0.3
)

// registration bundles everything the orchestrator tracks for one backend.
// Its mutex serializes health mutations and per-backend counters; the
// breaker locks itself.
type registration struct {
	mu sync.Mutex

	cfg     types.ProviderConfig
	client  providers.BackendClient
	health  *health.Tracker
	breaker *breaker.Breaker

	calls    int64
	failures int64
}

// CallRequest is one generation request.
type CallRequest struct {
	// Prompt is the text to generate from. Required.
	Prompt string

	// CacheKey overrides the prompt-derived cache key when set.
	CacheKey string

	// NoCache skips both the cache lookup and the store of the response.
	NoCache bool
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithCacheTTL overrides the TTL applied to cached responses.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.cacheTTL = ttl
		}
	}
}

// WithBreakerConfig overrides the circuit breaker tuning applied to every
// backend registered afterwards.
func WithBreakerConfig(cfg breaker.Config) Option {
	return func(o *Orchestrator) {
		o.breakerCfg = cfg
	}
}

// Orchestrator is the routing core. Safe for concurrent use.
type Orchestrator struct {
	mu       sync.RWMutex
	backends map[string]*registration

	cache  cache.ResponseCache
	quota  *quota.Tracker
	logger *logrus.Logger

	cacheTTL   time.Duration
	breakerCfg breaker.Config

	statsMu       sync.Mutex
	totalRequests int64
	cacheHits     int64
	cacheMisses   int64
}

// New creates an orchestrator with no backends registered.
func New(responseCache cache.ResponseCache, quotaTracker *quota.Tracker, logger *logrus.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backends: make(map[string]*registration),
		cache:    responseCache,
		quota:    quotaTracker,
		logger:   logger,
		cacheTTL: DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds a backend. The config is validated and the ID must be
// unique; a rejected registration leaves the orchestrator untouched.
func (o *Orchestrator) Register(client providers.BackendClient, cfg types.ProviderConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.backends[cfg.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, cfg.ID)
	}

	tracker := health.NewTracker()
	tracker.SetEnabled(cfg.Enabled)

	o.backends[cfg.ID] = &registration{
		cfg:     cfg,
		client:  client,
		health:  tracker,
		breaker: breaker.New(o.breakerCfg),
	}
	o.quota.Register(cfg.ID, cfg.QuotaLimit)

	o.logger.WithFields(logrus.Fields{
		"provider": cfg.ID,
		"kind":     cfg.Kind,
		"model":    cfg.Model,
		"priority": cfg.Priority,
		"enabled":  cfg.Enabled,
	}).Info("Provider registered")
	return nil
}

// candidate is a backend that passed eligibility, with its routing rank.
type candidate struct {
	reg      *registration
	id       string
	rank     float64
	priority int
	timeout  time.Duration
}

// Call routes one request. The returned error is non-nil only when no
// backend could serve it; individual attempt failures trigger fallback and
// surface solely through the wrapped exhaustion error.
func (o *Orchestrator) Call(ctx context.Context, req CallRequest) (*types.Result, error) {
	if req.Prompt == "" {
		return nil, ErrEmptyPrompt
	}

	requestID := uuid.NewString()
	start := time.Now()

	o.statsMu.Lock()
	o.totalRequests++
	o.statsMu.Unlock()

	key := req.CacheKey
	if key == "" {
		key = cache.Key(req.Prompt)
	}

	if !req.NoCache {
		if resp, ok := o.cache.Get(key); ok {
			o.statsMu.Lock()
			o.cacheHits++
			o.statsMu.Unlock()

			o.logger.WithFields(logrus.Fields{
				"request_id": requestID,
				"provider":   resp.ProviderID,
			}).Debug("Cache hit")

			return &types.Result{
				RequestID:  requestID,
				Success:    true,
				Text:       resp.Text,
				ProviderID: resp.ProviderID,
				Model:      resp.Model,
				Elapsed:    time.Since(start),
				CacheHit:   true,
			}, nil
		}

		o.statsMu.Lock()
		o.cacheMisses++
		o.statsMu.Unlock()
	}

	candidates := o.rankCandidates(ctx)
	if len(candidates) == 0 {
		o.logger.WithField("request_id", requestID).Warn("No eligible backends")
		return o.exhausted(requestID, start, nil)
	}

	var lastErr error
	for _, cand := range candidates {
		if !cand.reg.breaker.Allow() {
			// Lost the probe slot to a concurrent request between
			// ranking and admission.
			lastErr = fmt.Errorf("%w: %s", ErrCircuitOpen, cand.id)
			continue
		}

		result, done, err := o.attempt(ctx, requestID, cand, req, key, start)
		if done {
			return result, err
		}
		lastErr = err
	}

	return o.exhausted(requestID, start, lastErr)
}

// attempt runs one generation against a single backend and records its
// outcome. done is true when Call should return immediately, either with a
// success or because the caller went away.
func (o *Orchestrator) attempt(ctx context.Context, requestID string, cand candidate, req CallRequest, key string, start time.Time) (*types.Result, bool, error) {
	reg := cand.reg

	attemptCtx, cancel := context.WithTimeout(ctx, cand.timeout)
	attemptStart := time.Now()
	text, units, err := reg.client.Generate(attemptCtx, req.Prompt)
	elapsed := time.Since(attemptStart)
	cancel()

	if err != nil {
		// The caller going away is not a verdict on the backend: the
		// outcome is discarded and any consumed probe slot is returned.
		if ctx.Err() != nil {
			reg.breaker.Release()
			return nil, true, ctx.Err()
		}

		classified := classifyAttemptError(err, cand.id)

		reg.mu.Lock()
		reg.health.RecordFailure()
		reg.calls++
		reg.failures++
		reg.mu.Unlock()
		reg.breaker.RecordFailure()

		o.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID,
			"provider":   cand.id,
			"elapsed":    elapsed,
		}).Warn("Backend attempt failed, trying next candidate")
		return nil, false, classified
	}

	reg.mu.Lock()
	reg.health.RecordSuccess(elapsed)
	reg.calls++
	model := reg.cfg.Model
	reg.mu.Unlock()
	reg.breaker.RecordSuccess()

	// The accounting write must land even if the caller went away while
	// the backend was resolving.
	if recErr := o.quota.RecordUsage(context.WithoutCancel(ctx), cand.id, units, 1); recErr != nil {
		o.logger.WithError(recErr).WithField("provider", cand.id).Warn("Usage accounting failed")
	}

	if !req.NoCache {
		o.cache.Set(key, &types.ProviderResponse{
			ProviderID: cand.id,
			Text:       text,
			Model:      model,
			Success:    true,
			UnitsUsed:  units,
			Elapsed:    elapsed,
			Timestamp:  time.Now().UTC(),
		}, o.cacheTTL)
	}

	o.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"provider":   cand.id,
		"elapsed":    elapsed,
		"units":      units,
	}).Info("Request served")

	return &types.Result{
		RequestID:  requestID,
		Success:    true,
		Text:       text,
		ProviderID: cand.id,
		Model:      model,
		Elapsed:    time.Since(start),
	}, true, nil
}

// rankCandidates refreshes quota state, filters out ineligible backends,
// and orders the rest by routing rank, priority ascending on ties.
func (o *Orchestrator) rankCandidates(ctx context.Context) []candidate {
	o.mu.RLock()
	regs := make(map[string]*registration, len(o.backends))
	for id, reg := range o.backends {
		regs[id] = reg
	}
	o.mu.RUnlock()

	candidates := make([]candidate, 0, len(regs))
	for id, reg := range regs {
		remaining := o.quota.RemainingPercentage(ctx, id)

		reg.mu.Lock()
		reg.health.SetQuotaRemaining(remaining)
		eligible := reg.health.Healthy()
		rank := rankWeightHealth*reg.health.Score() +
			rankWeightQuota*remaining +
			rankWeightLatency*reg.health.LatencyScore()
		priority := reg.cfg.Priority
		timeout := reg.cfg.Timeout
		reg.mu.Unlock()

		if !eligible || !reg.breaker.CanRequest() {
			continue
		}

		candidates = append(candidates, candidate{
			reg:      reg,
			id:       id,
			rank:     rank,
			priority: priority,
			timeout:  timeout,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank > candidates[j].rank
		}
		return candidates[i].priority < candidates[j].priority
	})
	return candidates
}

func (o *Orchestrator) exhausted(requestID string, start time.Time, lastErr error) (*types.Result, error) {
	err := ErrAllBackendsExhausted
	if lastErr != nil {
		err = fmt.Errorf("%w: last attempt: %v", ErrAllBackendsExhausted, lastErr)
	}

	return &types.Result{
		RequestID: requestID,
		Success:   false,
		Elapsed:   time.Since(start),
		Err:       err,
	}, err
}

// SetEnabled toggles a backend in or out of routing without dropping its
// history.
func (o *Orchestrator) SetEnabled(providerID string, enabled bool) error {
	o.mu.RLock()
	reg, ok := o.backends[providerID]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}

	reg.mu.Lock()
	reg.cfg.Enabled = enabled
	reg.health.SetEnabled(enabled)
	reg.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"provider": providerID,
		"enabled":  enabled,
	}).Info("Provider toggled")
	return nil
}

// ResetBreaker forces a backend's circuit closed. Operator action for
// known-recovered backends.
func (o *Orchestrator) ResetBreaker(providerID string) error {
	o.mu.RLock()
	reg, ok := o.backends[providerID]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}

	reg.breaker.Reset()
	o.logger.WithField("provider", providerID).Info("Circuit breaker reset")
	return nil
}

// ProviderStatus builds the observability view for every backend, sorted
// by priority then ID.
func (o *Orchestrator) ProviderStatus(ctx context.Context) []types.ProviderStatus {
	o.mu.RLock()
	regs := make([]*registration, 0, len(o.backends))
	for _, reg := range o.backends {
		regs = append(regs, reg)
	}
	o.mu.RUnlock()

	statuses := make([]types.ProviderStatus, 0, len(regs))
	for _, reg := range regs {
		reg.mu.Lock()
		cfg := reg.cfg
		healthSnap := reg.health.Snapshot()
		reg.mu.Unlock()

		statuses = append(statuses, types.ProviderStatus{
			ID:       cfg.ID,
			Kind:     cfg.Kind,
			Model:    cfg.Model,
			Priority: cfg.Priority,
			Enabled:  cfg.Enabled,
			Health:   healthSnap,
			Breaker:  reg.breaker.Snapshot(),
			Quota:    o.quota.Snapshot(ctx, cfg.ID),
		})
	}

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Priority != statuses[j].Priority {
			return statuses[i].Priority < statuses[j].Priority
		}
		return statuses[i].ID < statuses[j].ID
	})
	return statuses
}

// Metrics returns the orchestrator-wide counter snapshot.
func (o *Orchestrator) Metrics() types.Metrics {
	o.statsMu.Lock()
	m := types.Metrics{
		TotalRequests: o.totalRequests,
		CacheHits:     o.cacheHits,
		CacheMisses:   o.cacheMisses,
	}
	o.statsMu.Unlock()

	if lookups := m.CacheHits + m.CacheMisses; lookups > 0 {
		m.CacheHitRate = float64(m.CacheHits) / float64(lookups)
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	m.RegisteredProviders = len(o.backends)
	m.ProviderCalls = make(map[string]int64, len(o.backends))
	m.ProviderFailures = make(map[string]int64, len(o.backends))
	for id, reg := range o.backends {
		reg.mu.Lock()
		m.ProviderCalls[id] = reg.calls
		m.ProviderFailures[id] = reg.failures
		reg.mu.Unlock()
	}
	return m
}
