package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/gateway/internal/adapters"
	"github.com/agentgate/gateway/internal/audit"
	"github.com/agentgate/gateway/internal/chaos"
	"github.com/agentgate/gateway/internal/config"
	"github.com/agentgate/gateway/internal/metrics"
	"github.com/agentgate/gateway/internal/policy"
	"github.com/agentgate/gateway/internal/repository"
	"github.com/agentgate/gateway/internal/resilience"
	"github.com/agentgate/gateway/internal/token"
	"github.com/agentgate/gateway/internal/vault"
)

type harness struct {
	orch     *Orchestrator
	store    *repository.MemoryStore
	tokens   *token.Service
	injector *chaos.Injector
	metrics  *metrics.Metrics
	cfg      *config.Config
}

func testConfig() *config.Config {
	return &config.Config{
		Env:             "test",
		SigningSecret:   "test-secret",
		HTTPTimeout:     2 * time.Second,
		DefaultTimezone: "UTC",
		UpstreamMode:    config.ModeMock,
		DrainDeadline:   time.Second,
		Flags: config.FeatureFlags{
			Policy:   true,
			Breakers: true,
			Retry:    true,
			Cache:    true,
			Chaos:    true,
		},
		Tools: config.ToolTuning{
			TimeoutMs: map[string]int{},
			CacheTTLs: map[string]string{
				"serpapi:search": "5m",
				"http_fetch:get": "1m",
			},
			Breaker:   config.BreakerTuning{FailureThreshold: 5, WindowSeconds: 30, CooldownSeconds: 15, ProbeSuccesses: 2},
			RateLimit: config.RateLimitTuning{Requests: 100, WindowSeconds: 60},
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testConfig()
	m := metrics.New()
	store := repository.NewMemoryStore()

	require.NoError(t, store.CreateAgent(context.Background(), &repository.Agent{
		ID:     "agent-1",
		Name:   "test-agent",
		Role:   "researcher",
		Status: repository.AgentActive,
	}))

	tokens := token.NewService(store, cfg.SigningSecret, "", 0, m)
	engine := policy.NewEngine(store, cfg.DefaultTimezone)
	limiter := resilience.NewRateLimiter(resilience.RateLimitConfig{
		Requests: cfg.Tools.RateLimit.Requests,
		Window:   time.Duration(cfg.Tools.RateLimit.WindowSeconds) * time.Second,
	}, m)
	breakers := resilience.NewBreakerSet(func(tool string) resilience.BreakerConfig {
		return resilience.BreakerConfig{
			Tool:             tool,
			FailureThreshold: cfg.Tools.Breaker.FailureThreshold,
			Window:           time.Duration(cfg.Tools.Breaker.WindowSeconds) * time.Second,
			Cooldown:         time.Duration(cfg.Tools.Breaker.CooldownSeconds) * time.Second,
			ProbeSuccesses:   cfg.Tools.Breaker.ProbeSuccesses,
		}
	}, m)
	cache := resilience.NewCache(resilience.DefaultCacheCapacity)
	injector := chaos.NewInjector(false, m)
	registry := adapters.NewRegistry(adapters.ModeMock, injector)
	credVault, err := vault.New(store, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	auditor := audit.NewRecorder(store)

	orch := New(cfg, tokens, engine, limiter, breakers, cache, registry, credVault, auditor, m)
	// Fast backoff so breaker/retry tests finish quickly.
	orch.retryCfg = resilience.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	return &harness{orch: orch, store: store, tokens: tokens, injector: injector, metrics: m, cfg: cfg}
}

func (h *harness) bindPolicy(t *testing.T, id string, spec *policy.Spec) {
	t.Helper()
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	require.NoError(t, h.store.CreatePolicy(context.Background(), &repository.PolicyRecord{
		ID:       id,
		AgentID:  "agent-1",
		SpecJSON: string(raw),
		Active:   true,
	}))
}

func (h *harness) issueToken(t *testing.T) string {
	t.Helper()
	res, err := h.tokens.Issue(context.Background(), "agent-1",
		[]string{"serpapi", "http_fetch", "openai", "gmail_send"},
		[]string{"search", "get", "chat", "send"},
		time.Now().Add(time.Hour))
	require.NoError(t, err)
	return res.OpaqueToken
}

func searchRequest(tok string) *Request {
	return &Request{
		AgentToken: tok,
		Tool:       "serpapi",
		Action:     "search",
		Params:     map[string]interface{}{"q": "golang"},
	}
}

func TestPipelineSuccess(t *testing.T) {
	h := newHarness(t)
	h.bindPolicy(t, "pol-1", &policy.Spec{Scopes: []string{"serpapi:search"}})
	tok := h.issueToken(t)

	result := h.orch.Handle(context.Background(), searchRequest(tok))
	require.Equal(t, 200, result.StatusCode)
	assert.NotEmpty(t, result.CorrelationID)
	assert.Equal(t, true, result.Body["success"])

	meta := result.Body["metadata"].(Metadata)
	assert.Equal(t, "agent-1", meta.AgentID)
	assert.Equal(t, "serpapi", meta.Tool)

	entries, err := h.store.ListAudit(context.Background(), "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, result.CorrelationID, entries[0].CorrelationID)
}

func TestPipelineScopeDeny(t *testing.T) {
	h := newHarness(t)
	h.bindPolicy(t, "pol-1", &policy.Spec{Scopes: []string{"serpapi:search"}})
	tok := h.issueToken(t)

	result := h.orch.Handle(context.Background(), &Request{
		AgentToken: tok,
		Tool:       "gmail_send",
		Action:     "send",
		Params:     map[string]interface{}{"to": "x@y.com", "subject": "n", "text": "n"},
	})
	require.Equal(t, 403, result.StatusCode)
	assert.Equal(t, "SCOPE", result.Body["reason"])
	assert.Contains(t, result.Body["error"], "gmail_send:send")

	denials := testutil.ToFloat64(h.metrics.PolicyDenials.WithLabelValues("SCOPE"))
	assert.Equal(t, 1.0, denials)

	entries, err := h.store.ListAudit(context.Background(), "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "POLICY_DENIED", entries[0].ErrorKind)
	assert.Equal(t, "SCOPE", entries[0].PolicyDecision)
}

func TestPipelineQuotaFourthCall429(t *testing.T) {
	h := newHarness(t)
	h.bindPolicy(t, "pol-1", &policy.Spec{
		Scopes: []string{"serpapi:search"},
		Quotas: []policy.Quota{{Action: "serpapi:search", Window: "1h", Limit: 3}},
	})
	// Quota counts admissions, so identical requests must bypass the
	// cache to exercise it; vary params per call.
	tok := h.issueToken(t)

	for i := 0; i < 3; i++ {
		result := h.orch.Handle(context.Background(), &Request{
			AgentToken: tok,
			Tool:       "serpapi",
			Action:     "search",
			Params:     map[string]interface{}{"q": "golang", "num": float64(i)},
		})
		require.Equal(t, 200, result.StatusCode, "call %d", i+1)
	}

	result := h.orch.Handle(context.Background(), &Request{
		AgentToken: tok,
		Tool:       "serpapi",
		Action:     "search",
		Params:     map[string]interface{}{"q": "golang", "num": float64(3)},
	})
	require.Equal(t, 429, result.StatusCode)
	details := result.Body["details"].(map[string]interface{})
	assert.Equal(t, 3, details["current"])
	assert.Equal(t, 3, details["limit"])
	assert.NotEmpty(t, details["reset_at"])
}

func TestPipelineBreakerTripAndFastFail(t *testing.T) {
	h := newHarness(t)
	h.bindPolicy(t, "pol-1", &policy.Spec{Scopes: []string{"serpapi:search"}})
	tok := h.issueToken(t)

	require.NoError(t, h.injector.Set("serpapi", chaos.Schedule{Mode: chaos.ModeError, Pct: 100}))

	// Five upstream failures trip the breaker.
	for i := 0; i < 5; i++ {
		result := h.orch.Handle(context.Background(), &Request{
			AgentToken: tok,
			Tool:       "serpapi",
			Action:     "search",
			Params:     map[string]interface{}{"q": "golang", "num": float64(i)},
		})
		require.Equal(t, 502, result.StatusCode, "request %d", i+1)
	}

	// Open breaker fast-fails.
	start := time.Now()
	result := h.orch.Handle(context.Background(), searchRequest(tok))
	assert.Equal(t, 503, result.StatusCode)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	fastfails := testutil.ToFloat64(h.metrics.BreakerFastfail.WithLabelValues("serpapi"))
	assert.GreaterOrEqual(t, fastfails, 1.0)
	state := testutil.ToFloat64(h.metrics.BreakerState.WithLabelValues("serpapi"))
	assert.Equal(t, float64(metrics.BreakerOpenState), state)
}

func TestPipelineCacheHitSingleInvocation(t *testing.T) {
	h := newHarness(t)
	h.bindPolicy(t, "pol-1", &policy.Spec{Scopes: []string{"serpapi:search"}})
	tok := h.issueToken(t)

	first := h.orch.Handle(context.Background(), searchRequest(tok))
	require.Equal(t, 200, first.StatusCode)
	second := h.orch.Handle(context.Background(), searchRequest(tok))
	require.Equal(t, 200, second.StatusCode)

	assert.Equal(t, first.Body["data"], second.Body["data"])
	hits := testutil.ToFloat64(h.metrics.CacheHitsTotal.WithLabelValues("serpapi", "search"))
	assert.Equal(t, 1.0, hits)
}

func TestPipelineProvenanceMismatch(t *testing.T) {
	h := newHarness(t)
	h.bindPolicy(t, "pol-1", &policy.Spec{Scopes: []string{"serpapi:search"}})

	res, err := h.tokens.Issue(context.Background(), "agent-1", []string{"serpapi"}, []string{"search"}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	req := searchRequest(res.OpaqueToken)
	req.TokenID = res.TokenID
	req.ProofPayload = "not-the-payload"

	result := h.orch.Handle(context.Background(), req)
	require.Equal(t, 403, result.StatusCode)

	// No adapter call means no cache entry for the request either.
	hits := testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues("serpapi", "search", "403"))
	assert.Equal(t, 1.0, hits)
}

func TestPipelineRateLimited(t *testing.T) {
	h := newHarness(t)
	h.cfg.Flags.Cache = false
	h.orch.limiter = resilience.NewRateLimiter(resilience.RateLimitConfig{Requests: 2, Window: time.Minute}, h.metrics)
	h.bindPolicy(t, "pol-1", &policy.Spec{Scopes: []string{"serpapi:search"}})
	tok := h.issueToken(t)

	require.Equal(t, 200, h.orch.Handle(context.Background(), searchRequest(tok)).StatusCode)
	require.Equal(t, 200, h.orch.Handle(context.Background(), searchRequest(tok)).StatusCode)

	result := h.orch.Handle(context.Background(), searchRequest(tok))
	require.Equal(t, 429, result.StatusCode)
	assert.NotNil(t, result.Body["retry_after"])
}

func TestPipelineInvalidParams422(t *testing.T) {
	h := newHarness(t)
	h.bindPolicy(t, "pol-1", &policy.Spec{Scopes: []string{"serpapi:search"}})
	tok := h.issueToken(t)

	result := h.orch.Handle(context.Background(), &Request{
		AgentToken: tok,
		Tool:       "serpapi",
		Action:     "search",
		Params:     map[string]interface{}{},
	})
	assert.Equal(t, 422, result.StatusCode)
}

func TestPipelineIdempotencyConflict(t *testing.T) {
	h := newHarness(t)
	h.bindPolicy(t, "pol-1", &policy.Spec{Scopes: []string{"serpapi:search"}})
	tok := h.issueToken(t)

	req := searchRequest(tok)
	req.IdempotencyKey = "key-1"
	require.Equal(t, 200, h.orch.Handle(context.Background(), req).StatusCode)

	// Same key, same body: fine.
	req2 := searchRequest(tok)
	req2.IdempotencyKey = "key-1"
	require.Equal(t, 200, h.orch.Handle(context.Background(), req2).StatusCode)

	// Same key, different body: conflict.
	req3 := searchRequest(tok)
	req3.IdempotencyKey = "key-1"
	req3.Params = map[string]interface{}{"q": "different"}
	result := h.orch.Handle(context.Background(), req3)
	assert.Equal(t, 409, result.StatusCode)
}

func TestPipelineDraining(t *testing.T) {
	h := newHarness(t)
	h.bindPolicy(t, "pol-1", &policy.Spec{Scopes: []string{"serpapi:search"}})
	tok := h.issueToken(t)

	h.orch.StartDrain()
	result := h.orch.Handle(context.Background(), searchRequest(tok))
	assert.Equal(t, 503, result.StatusCode)
	assert.True(t, h.orch.AwaitDrain(time.Second))
}

func TestPipelineRotationHintHeaders(t *testing.T) {
	h := newHarness(t)
	h.bindPolicy(t, "pol-1", &policy.Spec{Scopes: []string{"serpapi:search"}})

	res, err := h.tokens.Issue(context.Background(), "agent-1", nil, nil, time.Now().Add(10*time.Second))
	require.NoError(t, err)

	result := h.orch.Handle(context.Background(), searchRequest(res.OpaqueToken))
	require.Equal(t, 200, result.StatusCode)
	assert.True(t, result.RotationRecommended)
	assert.False(t, result.TokenExpiresAt.IsZero())
}

func TestPipelineResponseFilters(t *testing.T) {
	h := newHarness(t)
	h.bindPolicy(t, "pol-1", &policy.Spec{
		Scopes: []string{"serpapi:search"},
		ResponseFilters: &policy.ResponseFilters{
			RedactFields: []string{"snippet"},
		},
	})
	tok := h.issueToken(t)

	result := h.orch.Handle(context.Background(), searchRequest(tok))
	require.Equal(t, 200, result.StatusCode)

	data := result.Body["data"].(map[string]interface{})
	results := data["results"].([]interface{})
	for _, r := range results {
		assert.Equal(t, "[REDACTED]", r.(map[string]interface{})["snippet"])
	}
}

func TestPipelineNoPolicyDeniesAll(t *testing.T) {
	h := newHarness(t)
	tok := h.issueToken(t)

	result := h.orch.Handle(context.Background(), searchRequest(tok))
	assert.Equal(t, 403, result.StatusCode)
}

func TestPipelineBadToken(t *testing.T) {
	h := newHarness(t)
	result := h.orch.Handle(context.Background(), searchRequest("garbage"))
	assert.Equal(t, 401, result.StatusCode)
}
