package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/gateway/internal/adapters"
	"github.com/agentgate/gateway/internal/audit"
	"github.com/agentgate/gateway/internal/chaos"
	"github.com/agentgate/gateway/internal/config"
	"github.com/agentgate/gateway/internal/cryptoutil"
	"github.com/agentgate/gateway/internal/metrics"
	"github.com/agentgate/gateway/internal/orchestrator"
	"github.com/agentgate/gateway/internal/policy"
	"github.com/agentgate/gateway/internal/repository"
	"github.com/agentgate/gateway/internal/resilience"
	"github.com/agentgate/gateway/internal/token"
	"github.com/agentgate/gateway/internal/vault"
)

type apiHarness struct {
	server  *Server
	router  http.Handler
	store   *repository.MemoryStore
	tokens  *token.Service
	keyPair *cryptoutil.KeyPair
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	pair, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	cfg := &config.Config{
		Port:                 "0",
		Env:                  "test",
		SigningSecret:        "test-secret",
		GatewayPrivateKeyPEM: pair.PrivatePEM,
		HTTPTimeout:          2 * time.Second,
		DefaultTimezone:      "UTC",
		UpstreamMode:         config.ModeMock,
		DrainDeadline:        time.Second,
		Flags: config.FeatureFlags{
			Policy: true, Breakers: true, Retry: true, Cache: true, Chaos: true,
		},
		Tools: config.ToolTuning{
			TimeoutMs: map[string]int{},
			CacheTTLs: map[string]string{"serpapi:search": "5m"},
			Breaker:   config.BreakerTuning{FailureThreshold: 5, WindowSeconds: 30, CooldownSeconds: 15, ProbeSuccesses: 2},
			RateLimit: config.RateLimitTuning{Requests: 100, WindowSeconds: 60},
		},
	}

	m := metrics.New()
	store := repository.NewMemoryStore()
	tokens := token.NewService(store, cfg.SigningSecret, "", 0, m)
	engine := policy.NewEngine(store, cfg.DefaultTimezone)
	limiter := resilience.NewRateLimiter(resilience.RateLimitConfig{Requests: 100, Window: time.Minute}, m)
	breakers := resilience.NewBreakerSet(nil, m)
	cache := resilience.NewCache(resilience.DefaultCacheCapacity)
	injector := chaos.NewInjector(false, m)
	registry := adapters.NewRegistry(adapters.ModeMock, injector)
	credVault, err := vault.New(store, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	auditor := audit.NewRecorder(store)

	orch := orchestrator.New(cfg, tokens, engine, limiter, breakers, cache, registry, credVault, auditor, m)
	server := NewServer(cfg, orch, tokens, credVault, injector, store, auditor, m)

	return &apiHarness{server: server, router: server.Router(), store: store, tokens: tokens, keyPair: pair}
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAgentTokenPolicyInvokeFlow(t *testing.T) {
	h := newAPIHarness(t)

	// Create an agent.
	rec := h.do(t, "POST", "/v1/agents", map[string]interface{}{
		"name": "flow-agent", "role": "researcher",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	agentID := decode(t, rec)["id"].(string)

	// Bind a policy to it.
	rec = h.do(t, "POST", "/v1/policies", map[string]interface{}{
		"agent_id": agentID,
		"spec":     map[string]interface{}{"scopes": []string{"serpapi:search"}},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["spec_hash"])

	// Issue a token.
	rec = h.do(t, "POST", "/v1/tokens", map[string]interface{}{
		"agent_id": agentID, "tools": []string{"serpapi"}, "ttl_seconds": 3600,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	issued := decode(t, rec)
	opaque := issued["token"].(string)

	// Invoke through the pipeline.
	rec = h.do(t, "POST", "/v1/invoke", map[string]interface{}{
		"agent_token": opaque,
		"tool":        "serpapi",
		"action":      "search",
		"params":      map[string]interface{}{"q": "golang"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])

	// Audit chain for the agent verifies intact.
	rec = h.do(t, "GET", "/v1/audit/"+agentID+"/verify", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["intact"])
}

func TestInvokeDeniedWithoutPolicy(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, "POST", "/v1/agents", map[string]interface{}{"name": "lonely"}, nil)
	agentID := decode(t, rec)["id"].(string)

	rec = h.do(t, "POST", "/v1/tokens", map[string]interface{}{"agent_id": agentID}, nil)
	opaque := decode(t, rec)["token"].(string)

	rec = h.do(t, "POST", "/v1/invoke", map[string]interface{}{
		"agent_token": opaque,
		"tool":        "serpapi",
		"action":      "search",
		"params":      map[string]interface{}{"q": "x"},
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "SCOPE", decode(t, rec)["reason"])
}

func TestPolicyValidationRejectsBadBindings(t *testing.T) {
	h := newAPIHarness(t)

	// Neither agent_id nor role.
	rec := h.do(t, "POST", "/v1/policies", map[string]interface{}{
		"spec": map[string]interface{}{"scopes": []string{}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Both bindings at once.
	rec = h.do(t, "POST", "/v1/policies", map[string]interface{}{
		"agent_id": "a", "role": "r",
		"spec": map[string]interface{}{"scopes": []string{}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Bad quota window.
	rec = h.do(t, "POST", "/v1/policies", map[string]interface{}{
		"agent_id": "a",
		"spec": map[string]interface{}{
			"scopes": []string{"serpapi:search"},
			"quotas": []map[string]interface{}{{"action": "serpapi:search", "window": "5m", "limit": 1}},
		},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCredentialLifecycleNeverEchoesPlaintext(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, "POST", "/v1/credentials", map[string]interface{}{
		"tool": "serpapi", "version": "v1", "plaintext": "super-secret-key",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "super-secret-key")
	credID := decode(t, rec)["id"].(string)

	rec = h.do(t, "POST", "/v1/credentials/"+credID+"/activate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "GET", "/v1/credentials?tool=serpapi", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "super-secret-key")

	// Active credential is delete-protected.
	rec = h.do(t, "DELETE", "/v1/credentials/"+credID, nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(t, "DELETE", "/v1/credentials/"+credID+"?force=true", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChaosAdminRoundTrip(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, "PUT", "/v1/chaos", map[string]interface{}{
		"tool": "serpapi", "mode": "500", "pct": 50,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "GET", "/v1/chaos", nil, nil)
	schedules := decode(t, rec)["schedules"].(map[string]interface{})
	assert.Contains(t, schedules, "serpapi")

	rec = h.do(t, "DELETE", "/v1/chaos/serpapi", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "GET", "/v1/chaos", nil, nil)
	assert.Empty(t, decode(t, rec)["schedules"])
}

func TestTokenListRedactsOpaqueToken(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, "POST", "/v1/agents", map[string]interface{}{"name": "a"}, nil)
	agentID := decode(t, rec)["id"].(string)
	rec = h.do(t, "POST", "/v1/tokens", map[string]interface{}{"agent_id": agentID}, nil)
	opaque := decode(t, rec)["token"].(string)

	rec = h.do(t, "GET", "/v1/tokens?agent_id="+agentID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), opaque)
}

func TestRevokedTokenFailsProvenance(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, "POST", "/v1/agents", map[string]interface{}{"name": "a"}, nil)
	agentID := decode(t, rec)["id"].(string)
	h.do(t, "POST", "/v1/policies", map[string]interface{}{
		"agent_id": agentID,
		"spec":     map[string]interface{}{"scopes": []string{"serpapi:search"}},
	}, nil)
	rec = h.do(t, "POST", "/v1/tokens", map[string]interface{}{"agent_id": agentID}, nil)
	issued := decode(t, rec)
	opaque := issued["token"].(string)
	tokenID := issued["token_id"].(string)

	rec = h.do(t, "DELETE", "/v1/tokens/"+tokenID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "POST", "/v1/invoke", map[string]interface{}{
		"agent_token": opaque,
		"token_id":    tokenID,
		"tool":        "serpapi",
		"action":      "search",
		"params":      map[string]interface{}{"q": "x"},
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateAgentReturnsPrivateKeyExactlyOnce(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, "POST", "/v1/agents", map[string]interface{}{"name": "keyed"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode(t, rec)
	agentID := created["id"].(string)
	assert.Contains(t, created["private_key"], "PRIVATE KEY")
	assert.Contains(t, created["public_key"], "PUBLIC KEY")

	// The private half is never persisted, so a later read omits it.
	rec = h.do(t, "GET", "/v1/agents/"+agentID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "private_key")
}

func TestCreateAgentWithCallerKeySkipsGeneration(t *testing.T) {
	h := newAPIHarness(t)
	pair, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)

	rec := h.do(t, "POST", "/v1/agents", map[string]interface{}{
		"name": "byok", "public_key": pair.PublicPEM,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode(t, rec)
	assert.Equal(t, pair.PublicPEM, created["public_key"])
	assert.NotContains(t, created, "private_key")

	rec = h.do(t, "POST", "/v1/agents", map[string]interface{}{
		"name": "bad-key", "public_key": "not a pem",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvokeAcceptsWrappedToken(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, "POST", "/v1/agents", map[string]interface{}{"name": "wrapped"}, nil)
	agentID := decode(t, rec)["id"].(string)
	h.do(t, "POST", "/v1/policies", map[string]interface{}{
		"agent_id": agentID,
		"spec":     map[string]interface{}{"scopes": []string{"serpapi:search"}},
	}, nil)
	rec = h.do(t, "POST", "/v1/tokens", map[string]interface{}{"agent_id": agentID}, nil)
	opaque := decode(t, rec)["token"].(string)

	pub, err := cryptoutil.ParsePublicKeyPEM(h.keyPair.PublicPEM)
	require.NoError(t, err)
	wrapped, err := cryptoutil.HybridEncrypt([]byte(opaque), pub)
	require.NoError(t, err)

	rec = h.do(t, "POST", "/v1/invoke", map[string]interface{}{
		"agent_token_encrypted": wrapped,
		"tool":                  "serpapi",
		"action":                "search",
		"params":                map[string]interface{}{"q": "wrapped"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])

	// A blob sealed to some other key is rejected before the pipeline.
	other, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	otherPub, err := cryptoutil.ParsePublicKeyPEM(other.PublicPEM)
	require.NoError(t, err)
	badWrapped, err := cryptoutil.HybridEncrypt([]byte(opaque), otherPub)
	require.NoError(t, err)

	rec = h.do(t, "POST", "/v1/invoke", map[string]interface{}{
		"agent_token_encrypted": badWrapped,
		"tool":                  "serpapi",
		"action":                "search",
		"params":                map[string]interface{}{"q": "wrapped"},
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReadyReportsDrainingAndBypassWarning(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, "GET", "/ready", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["ready"])

	h.server.cfg.Flags.TestBypass = true
	rec = h.do(t, "GET", "/ready", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decode(t, rec)["warning"], "FF_TEST_BYPASS")

	h.server.orch.StartDrain()
	rec = h.do(t, "GET", "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, "GET", "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestInvokeRejectsMalformedBody(t *testing.T) {
	h := newAPIHarness(t)
	req := httptest.NewRequest("POST", "/v1/invoke", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
