package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/llm-orchestrator/internal/breaker"
	"github.com/tributary-ai/llm-orchestrator/internal/cache"
	"github.com/tributary-ai/llm-orchestrator/internal/quota"
	"github.com/tributary-ai/llm-orchestrator/internal/types"
)

// stubClient is a scriptable backend for routing tests.
type stubClient struct {
	name string

	mu       sync.Mutex
	calls    int
	generate func(ctx context.Context, prompt string) (string, int64, error)
}

func (s *stubClient) Name() string { return s.name }
func (s *stubClient) Kind() string { return "stub" }

func (s *stubClient) Generate(ctx context.Context, prompt string) (string, int64, error) {
	s.mu.Lock()
	s.calls++
	fn := s.generate
	s.mu.Unlock()

	if fn == nil {
		return "ok from " + s.name, 1, nil
	}
	return fn(ctx, prompt)
}

func (s *stubClient) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func alwaysFail(msg string) func(context.Context, string) (string, int64, error) {
	return func(context.Context, string) (string, int64, error) {
		return "", 0, errors.New(msg)
	}
}

func testCfg(id string, priority int, quotaLimit int64) types.ProviderConfig {
	return types.ProviderConfig{
		ID:         id,
		Kind:       "stub",
		Model:      "stub-model",
		Priority:   priority,
		QuotaLimit: quotaLimit,
		Timeout:    time.Second,
		Enabled:    true,
	}
}

func newTestOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()

	logger, _ := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	c := cache.NewMemoryCache(logger)
	t.Cleanup(c.Stop)

	return New(c, quota.NewTracker(quota.NewMemoryStore(), logger), logger, opts...)
}

func TestRegister_ValidatesConfig(t *testing.T) {
	o := newTestOrchestrator(t)

	err := o.Register(&stubClient{name: "bad"}, types.ProviderConfig{ID: "bad"})
	assert.Error(t, err)
}

func TestRegister_RejectsDuplicateID(t *testing.T) {
	o := newTestOrchestrator(t)

	require.NoError(t, o.Register(&stubClient{name: "a"}, testCfg("a", 1, 0)))
	err := o.Register(&stubClient{name: "a"}, testCfg("a", 2, 0))
	assert.ErrorIs(t, err, ErrDuplicateProvider)
}

func TestCall_RejectsEmptyPrompt(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.Call(context.Background(), CallRequest{})
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestNew_CacheTTLDefaultsToThirtyDays(t *testing.T) {
	o := newTestOrchestrator(t)

	assert.Equal(t, 30*24*time.Hour, o.cacheTTL)
}

func TestCall_ServesFromHealthyBackend(t *testing.T) {
	o := newTestOrchestrator(t)
	primary := &stubClient{name: "primary"}
	require.NoError(t, o.Register(primary, testCfg("primary", 1, 0)))

	res, err := o.Call(context.Background(), CallRequest{Prompt: "hello"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "primary", res.ProviderID)
	assert.Equal(t, "ok from primary", res.Text)
	assert.Equal(t, "stub-model", res.Model)
	assert.False(t, res.CacheHit)
	assert.NotEmpty(t, res.RequestID)
}

func TestCall_FallsBackWhenPrimaryFails(t *testing.T) {
	o := newTestOrchestrator(t)
	primary := &stubClient{name: "primary", generate: alwaysFail("boom")}
	secondary := &stubClient{name: "secondary"}
	require.NoError(t, o.Register(primary, testCfg("primary", 1, 0)))
	require.NoError(t, o.Register(secondary, testCfg("secondary", 2, 0)))

	res, err := o.Call(context.Background(), CallRequest{Prompt: "hello"})
	require.NoError(t, err)

	assert.Equal(t, "secondary", res.ProviderID)
	assert.Equal(t, 1, primary.callCount())
	assert.Equal(t, 1, secondary.callCount())
}

func TestCall_AllBackendsFailing(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.Register(&stubClient{name: "a", generate: alwaysFail("a down")}, testCfg("a", 1, 0)))
	require.NoError(t, o.Register(&stubClient{name: "b", generate: alwaysFail("b down")}, testCfg("b", 2, 0)))

	res, err := o.Call(context.Background(), CallRequest{Prompt: "hello"})

	assert.ErrorIs(t, err, ErrAllBackendsExhausted)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrAllBackendsExhausted)
}

func TestCall_NoBackendsRegistered(t *testing.T) {
	o := newTestOrchestrator(t)

	_, err := o.Call(context.Background(), CallRequest{Prompt: "hello"})
	assert.ErrorIs(t, err, ErrAllBackendsExhausted)
}

func TestCall_PriorityBreaksRankTies(t *testing.T) {
	o := newTestOrchestrator(t)
	low := &stubClient{name: "low"}
	high := &stubClient{name: "high"}
	require.NoError(t, o.Register(low, testCfg("low", 5, 0)))
	require.NoError(t, o.Register(high, testCfg("high", 1, 0)))

	// Both backends are fresh, so their ranks are identical and priority
	// decides.
	res, err := o.Call(context.Background(), CallRequest{Prompt: "hello", NoCache: true})
	require.NoError(t, err)
	assert.Equal(t, "high", res.ProviderID)
	assert.Zero(t, low.callCount())
}

func TestCall_FailureHistoryDemotesBackend(t *testing.T) {
	o := newTestOrchestrator(t)
	flaky := &stubClient{name: "flaky", generate: alwaysFail("boom")}
	steady := &stubClient{name: "steady"}
	require.NoError(t, o.Register(flaky, testCfg("flaky", 1, 0)))
	require.NoError(t, o.Register(steady, testCfg("steady", 2, 0)))

	// First call tries flaky (priority tie-break), fails over to steady.
	res, err := o.Call(context.Background(), CallRequest{Prompt: "one", NoCache: true})
	require.NoError(t, err)
	require.Equal(t, "steady", res.ProviderID)

	// Flaky's success rate is now worse, so steady ranks first.
	flaky.mu.Lock()
	flaky.generate = nil
	flaky.mu.Unlock()

	res, err = o.Call(context.Background(), CallRequest{Prompt: "two", NoCache: true})
	require.NoError(t, err)
	assert.Equal(t, "steady", res.ProviderID)
	assert.Equal(t, 1, flaky.callCount())
}

func TestCall_CacheHitSkipsBackends(t *testing.T) {
	o := newTestOrchestrator(t)
	primary := &stubClient{name: "primary"}
	require.NoError(t, o.Register(primary, testCfg("primary", 1, 0)))

	first, err := o.Call(context.Background(), CallRequest{Prompt: "same prompt"})
	require.NoError(t, err)
	require.False(t, first.CacheHit)

	second, err := o.Call(context.Background(), CallRequest{Prompt: "same prompt"})
	require.NoError(t, err)

	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, "primary", second.ProviderID)
	assert.Equal(t, 1, primary.callCount())

	// A cache hit must leave backend health untouched.
	status := o.ProviderStatus(context.Background())
	require.Len(t, status, 1)
	assert.Equal(t, int64(1), status[0].Health.TotalRequests)
}

func TestCall_NoCacheBypassesLookupAndStore(t *testing.T) {
	o := newTestOrchestrator(t)
	primary := &stubClient{name: "primary"}
	require.NoError(t, o.Register(primary, testCfg("primary", 1, 0)))

	_, err := o.Call(context.Background(), CallRequest{Prompt: "p", NoCache: true})
	require.NoError(t, err)
	_, err = o.Call(context.Background(), CallRequest{Prompt: "p", NoCache: true})
	require.NoError(t, err)

	assert.Equal(t, 2, primary.callCount())

	m := o.Metrics()
	assert.Zero(t, m.CacheHits)
	assert.Zero(t, m.CacheMisses)
}

func TestCall_ExplicitCacheKey(t *testing.T) {
	o := newTestOrchestrator(t)
	primary := &stubClient{name: "primary"}
	require.NoError(t, o.Register(primary, testCfg("primary", 1, 0)))

	_, err := o.Call(context.Background(), CallRequest{Prompt: "first wording", CacheKey: "shared"})
	require.NoError(t, err)

	res, err := o.Call(context.Background(), CallRequest{Prompt: "second wording", CacheKey: "shared"})
	require.NoError(t, err)

	assert.True(t, res.CacheHit)
	assert.Equal(t, 1, primary.callCount())
}

func TestCall_QuotaExhaustionRemovesBackend(t *testing.T) {
	o := newTestOrchestrator(t)
	primary := &stubClient{name: "primary", generate: func(context.Context, string) (string, int64, error) {
		return "pricey", 10, nil
	}}
	require.NoError(t, o.Register(primary, testCfg("primary", 1, 10)))

	res, err := o.Call(context.Background(), CallRequest{Prompt: "one", NoCache: true})
	require.NoError(t, err)
	require.True(t, res.Success)

	// The first call burned the whole daily limit.
	_, err = o.Call(context.Background(), CallRequest{Prompt: "two", NoCache: true})
	assert.ErrorIs(t, err, ErrAllBackendsExhausted)
	assert.Equal(t, 1, primary.callCount())
}

func TestCall_OpenCircuitSkipsBackend(t *testing.T) {
	o := newTestOrchestrator(t, WithBreakerConfig(breaker.Config{FailureThreshold: 2, Timeout: time.Hour}))
	primary := &stubClient{name: "primary", generate: alwaysFail("down")}
	require.NoError(t, o.Register(primary, testCfg("primary", 1, 0)))

	for i := 0; i < 2; i++ {
		_, err := o.Call(context.Background(), CallRequest{Prompt: fmt.Sprintf("p%d", i), NoCache: true})
		require.ErrorIs(t, err, ErrAllBackendsExhausted)
	}
	require.Equal(t, 2, primary.callCount())

	// The circuit is open now, so the backend is not even attempted.
	_, err := o.Call(context.Background(), CallRequest{Prompt: "p3", NoCache: true})
	assert.ErrorIs(t, err, ErrAllBackendsExhausted)
	assert.Equal(t, 2, primary.callCount())

	status := o.ProviderStatus(context.Background())
	require.Len(t, status, 1)
	assert.Equal(t, "open", status[0].Breaker.State)
}

func TestResetBreaker_RestoresRouting(t *testing.T) {
	o := newTestOrchestrator(t, WithBreakerConfig(breaker.Config{FailureThreshold: 1, Timeout: time.Hour}))
	primary := &stubClient{name: "primary", generate: alwaysFail("down")}
	require.NoError(t, o.Register(primary, testCfg("primary", 1, 0)))

	_, err := o.Call(context.Background(), CallRequest{Prompt: "p", NoCache: true})
	require.ErrorIs(t, err, ErrAllBackendsExhausted)

	primary.mu.Lock()
	primary.generate = nil
	primary.mu.Unlock()

	require.NoError(t, o.ResetBreaker("primary"))

	res, err := o.Call(context.Background(), CallRequest{Prompt: "p2", NoCache: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestResetBreaker_UnknownProvider(t *testing.T) {
	o := newTestOrchestrator(t)

	assert.ErrorIs(t, o.ResetBreaker("nope"), ErrUnknownProvider)
}

func TestSetEnabled_RemovesAndRestoresBackend(t *testing.T) {
	o := newTestOrchestrator(t)
	primary := &stubClient{name: "primary"}
	require.NoError(t, o.Register(primary, testCfg("primary", 1, 0)))

	require.NoError(t, o.SetEnabled("primary", false))
	_, err := o.Call(context.Background(), CallRequest{Prompt: "p", NoCache: true})
	assert.ErrorIs(t, err, ErrAllBackendsExhausted)
	assert.Zero(t, primary.callCount())

	require.NoError(t, o.SetEnabled("primary", true))
	res, err := o.Call(context.Background(), CallRequest{Prompt: "p", NoCache: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSetEnabled_UnknownProvider(t *testing.T) {
	o := newTestOrchestrator(t)

	assert.ErrorIs(t, o.SetEnabled("nope", true), ErrUnknownProvider)
}

func TestCall_TimeoutRecordedAsFailure(t *testing.T) {
	o := newTestOrchestrator(t)
	slow := &stubClient{name: "slow", generate: func(context.Context, string) (string, int64, error) {
		return "", 0, context.DeadlineExceeded
	}}
	require.NoError(t, o.Register(slow, testCfg("slow", 1, 0)))

	_, err := o.Call(context.Background(), CallRequest{Prompt: "p", NoCache: true})
	assert.ErrorIs(t, err, ErrAllBackendsExhausted)

	status := o.ProviderStatus(context.Background())
	require.Len(t, status, 1)
	assert.Equal(t, int64(1), status[0].Health.FailureCount)
	assert.Equal(t, 1, status[0].Breaker.FailureCount)
}

func TestCall_CallerCancellationDiscardsOutcome(t *testing.T) {
	o := newTestOrchestrator(t)
	blocking := &stubClient{name: "blocking", generate: func(ctx context.Context, _ string) (string, int64, error) {
		<-ctx.Done()
		return "", 0, ctx.Err()
	}}
	require.NoError(t, o.Register(blocking, testCfg("blocking", 1, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := o.Call(ctx, CallRequest{Prompt: "p", NoCache: true})
	assert.ErrorIs(t, err, context.Canceled)

	// Abandonment is not the backend's fault.
	status := o.ProviderStatus(context.Background())
	require.Len(t, status, 1)
	assert.Zero(t, status[0].Health.TotalRequests)
	assert.Zero(t, status[0].Breaker.FailureCount)
}

// cancelAwareStore fails writes once the request context is done, the way
// a real database driver would.
type cancelAwareStore struct {
	*quota.MemoryStore
}

func (s *cancelAwareStore) Upsert(ctx context.Context, providerID, day string, requests, units int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Upsert(ctx, providerID, day, requests, units)
}

func TestCall_UsageRecordedWhenCallerCancelsAfterSuccess(t *testing.T) {
	logger, _ := test.NewNullLogger()
	c := cache.NewMemoryCache(logger)
	t.Cleanup(c.Stop)

	store := &cancelAwareStore{MemoryStore: quota.NewMemoryStore()}
	tracker := quota.NewTracker(store, logger)
	o := New(c, tracker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	primary := &stubClient{name: "primary", generate: func(context.Context, string) (string, int64, error) {
		cancel()
		return "done", 7, nil
	}}
	require.NoError(t, o.Register(primary, testCfg("primary", 1, 100)))

	res, err := o.Call(ctx, CallRequest{Prompt: "p", NoCache: true})
	require.NoError(t, err)
	require.True(t, res.Success)

	// The units still count against today's quota.
	rec, err := tracker.UsageStats(context.Background(), "primary")
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.UnitCount)
	assert.Equal(t, int64(1), rec.RequestCount)
}

func TestMetrics_Counters(t *testing.T) {
	o := newTestOrchestrator(t)
	good := &stubClient{name: "good"}
	bad := &stubClient{name: "bad", generate: alwaysFail("down")}
	require.NoError(t, o.Register(bad, testCfg("bad", 1, 0)))
	require.NoError(t, o.Register(good, testCfg("good", 2, 0)))

	// Miss then fallback success, then a cache hit.
	_, err := o.Call(context.Background(), CallRequest{Prompt: "p"})
	require.NoError(t, err)
	_, err = o.Call(context.Background(), CallRequest{Prompt: "p"})
	require.NoError(t, err)

	m := o.Metrics()
	assert.Equal(t, int64(2), m.TotalRequests)
	assert.Equal(t, int64(1), m.CacheHits)
	assert.Equal(t, int64(1), m.CacheMisses)
	assert.InDelta(t, 0.5, m.CacheHitRate, 1e-9)
	assert.Equal(t, 2, m.RegisteredProviders)
	assert.Equal(t, int64(1), m.ProviderCalls["bad"])
	assert.Equal(t, int64(1), m.ProviderFailures["bad"])
	assert.Equal(t, int64(1), m.ProviderCalls["good"])
	assert.Zero(t, m.ProviderFailures["good"])
}

func TestProviderStatus_SortedByPriority(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.Register(&stubClient{name: "c"}, testCfg("c", 3, 0)))
	require.NoError(t, o.Register(&stubClient{name: "a"}, testCfg("a", 1, 0)))
	require.NoError(t, o.Register(&stubClient{name: "b"}, testCfg("b", 2, 0)))

	status := o.ProviderStatus(context.Background())
	require.Len(t, status, 3)
	assert.Equal(t, "a", status[0].ID)
	assert.Equal(t, "b", status[1].ID)
	assert.Equal(t, "c", status[2].ID)
}
