// Package orchestrator runs the per-request pipeline:
//
//	RECEIVED → AUTHENTICATED → POLICY_ALLOWED → RATE_LIMIT_CONSUMED
//	         → CACHE_CHECKED → ADAPTER_INVOKED → FILTERED → RESPONDED
//
// Any stage may fail to FAILED(error_kind). Every terminal transition
// records exactly one audit entry and one requests_total increment,
// stamped with the correlation id created at RECEIVED.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/gateway/internal/adapters"
	"github.com/agentgate/gateway/internal/audit"
	"github.com/agentgate/gateway/internal/config"
	"github.com/agentgate/gateway/internal/gateway"
	"github.com/agentgate/gateway/internal/metrics"
	"github.com/agentgate/gateway/internal/policy"
	"github.com/agentgate/gateway/internal/repository"
	"github.com/agentgate/gateway/internal/resilience"
	"github.com/agentgate/gateway/internal/token"
	"github.com/agentgate/gateway/internal/vault"
)

// Request is one invocation entering the pipeline.
type Request struct {
	AgentToken     string                 `json:"agent_token"`
	TokenID        string                 `json:"token_id,omitempty"`
	ProofPayload   string                 `json:"proof_payload,omitempty"`
	Tool           string                 `json:"tool"`
	Action         string                 `json:"action"`
	Params         map[string]interface{} `json:"params"`
	Intent         string                 `json:"-"` // X-Agent-Intent header
	IdempotencyKey string                 `json:"-"` // Idempotency-Key header
}

// Metadata accompanies every successful response.
type Metadata struct {
	AgentID        string `json:"agent_id"`
	AgentName      string `json:"agent_name"`
	Tool           string `json:"tool"`
	Action         string `json:"action"`
	ResponseTimeMs int64  `json:"response_time_ms"`
}

// Result is the pipeline outcome, success or failure, ready for the
// transport layer to render.
type Result struct {
	CorrelationID string
	StatusCode    int
	Body          map[string]interface{}

	RotationRecommended bool
	TokenExpiresAt      time.Time
}

// Orchestrator wires the services into the request pipeline.
type Orchestrator struct {
	cfg      *config.Config
	tokens   *token.Service
	policies *policy.Engine
	limiter  *resilience.RateLimiter
	breakers *resilience.BreakerSet
	cache    *resilience.Cache
	retryCfg resilience.RetryConfig
	registry *adapters.Registry
	vault    *vault.Vault
	auditor  *audit.Recorder
	metrics  *metrics.Metrics
	logger   *log.Logger

	idem *idempotencyTracker

	draining atomic.Bool
	inflight sync.WaitGroup
}

// New assembles the pipeline from its already-constructed services.
func New(
	cfg *config.Config,
	tokens *token.Service,
	policies *policy.Engine,
	limiter *resilience.RateLimiter,
	breakers *resilience.BreakerSet,
	cache *resilience.Cache,
	registry *adapters.Registry,
	credVault *vault.Vault,
	auditor *audit.Recorder,
	m *metrics.Metrics,
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		tokens:   tokens,
		policies: policies,
		limiter:  limiter,
		breakers: breakers,
		cache:    cache,
		retryCfg: resilience.DefaultRetryConfig(),
		registry: registry,
		vault:    credVault,
		auditor:  auditor,
		metrics:  m,
		logger:   log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags),
		idem:     newIdempotencyTracker(time.Hour),
	}
}

// Handle runs one request through the pipeline. It always returns a
// renderable Result; errors are folded into the body and status code.
func (o *Orchestrator) Handle(ctx context.Context, req *Request) *Result {
	correlationID := uuid.New().String()
	started := time.Now()

	o.metrics.ActiveConnections.Inc()
	defer o.metrics.ActiveConnections.Dec()

	// RECEIVED — draining rejects new work before anything else.
	if o.draining.Load() {
		return o.fail(ctx, correlationID, req, "", started, "",
			gateway.E(gateway.KindUnavailable, "gateway is draining"))
	}
	o.inflight.Add(1)
	defer o.inflight.Done()

	if req.Tool == "" || req.Action == "" {
		return o.fail(ctx, correlationID, req, "", started, "",
			gateway.E(gateway.KindBadRequest, "tool and action are required"))
	}

	if req.IdempotencyKey != "" {
		if gerr := o.idem.check(req.IdempotencyKey, req.Tool, req.Action, req.Params); gerr != nil {
			return o.fail(ctx, correlationID, req, "", started, "", gerr)
		}
	}

	// AUTHENTICATED
	payload, agent, gerr := o.tokens.Validate(ctx, req.AgentToken, req.TokenID, req.ProofPayload)
	if gerr != nil {
		return o.fail(ctx, correlationID, req, "", started, "", gerr)
	}
	o.logger.Printf("[%s] authenticated agent=%s tool=%s action=%s", correlationID, agent.ID, req.Tool, req.Action)

	// POLICY_ALLOWED
	var merged *policy.Merged
	if o.cfg.Flags.Policy {
		var err error
		merged, err = o.policies.LoadMerged(ctx, agent)
		if err != nil {
			return o.fail(ctx, correlationID, req, agent.ID, started, "",
				gateway.Wrap(gateway.KindInternal, err, "failed to load policies"))
		}
		if gerr := o.policies.Evaluate(ctx, merged, &policy.Request{
			Agent:  agent,
			Tool:   req.Tool,
			Action: req.Action,
			Params: req.Params,
			Intent: req.Intent,
			Now:    time.Now(),
		}); gerr != nil {
			if gerr.Reason != "" {
				o.metrics.PolicyDenials.WithLabelValues(gerr.Reason).Inc()
			}
			return o.fail(ctx, correlationID, req, agent.ID, started, gerr.Reason, gerr)
		}
	}

	// RATE_LIMIT_CONSUMED
	if gerr := o.limiter.Allow(agent.ID); gerr != nil {
		return o.fail(ctx, correlationID, req, agent.ID, started, "", gerr)
	}

	adapter, actionSpec, err := o.registry.Action(req.Tool, req.Action)
	if err != nil {
		return o.fail(ctx, correlationID, req, agent.ID, started, "", err)
	}
	if err := adapters.ValidateParams(actionSpec, req.Params); err != nil {
		return o.fail(ctx, correlationID, req, agent.ID, started, "", err)
	}

	// CACHE_CHECKED
	var cacheKey string
	cacheable := o.cfg.Flags.Cache && actionSpec.Cacheable
	if cacheable {
		cacheKey, err = resilience.CacheKey(req.Tool, req.Action, req.Params)
		if err != nil {
			return o.fail(ctx, correlationID, req, agent.ID, started, "", err)
		}
		if cached, hit := o.cache.Get(cacheKey); hit {
			o.metrics.CacheHitsTotal.WithLabelValues(req.Tool, req.Action).Inc()
			data := cached
			if merged != nil {
				data, _ = policy.ApplyFilters(merged.Spec.ResponseFilters, data)
			}
			return o.succeed(ctx, correlationID, req, payload, agent, started, data)
		}
	}

	// ADAPTER_INVOKED
	data, err := o.invoke(ctx, adapter, req)
	if err != nil {
		if ctx.Err() != nil && gateway.KindOf(err) != gateway.KindCancelled {
			err = gateway.Wrap(gateway.KindCancelled, ctx.Err(), "request cancelled")
		}
		return o.fail(ctx, correlationID, req, agent.ID, started, "", err)
	}
	if cacheable {
		o.cache.Put(cacheKey, data, o.cfg.CacheTTLFor(req.Tool, req.Action))
	}

	// FILTERED
	if merged != nil {
		data, _ = policy.ApplyFilters(merged.Spec.ResponseFilters, data)
	}

	// RESPONDED
	return o.succeed(ctx, correlationID, req, payload, agent, started, data)
}

// invoke dispatches through breaker and retry to the adapter under its
// per-tool deadline.
func (o *Orchestrator) invoke(ctx context.Context, adapter adapters.Adapter, req *Request) (map[string]interface{}, error) {
	var credential []byte
	if adapter.NeedsCredential() && o.cfg.UpstreamMode == config.ModeLive {
		var err error
		credential, err = o.vault.GetActive(ctx, req.Tool)
		if err != nil {
			return nil, err
		}
	}

	var breaker *resilience.Breaker
	var generation uint64
	if o.cfg.Flags.Breakers {
		breaker = o.breakers.Get(req.Tool)
		gen, gerr := breaker.Allow()
		if gerr != nil {
			return nil, gerr
		}
		generation = gen
	}

	attempt := func(ctx context.Context) (map[string]interface{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.TimeoutFor(req.Tool))
		defer cancel()
		return adapter.Invoke(attemptCtx, req.Action, req.Params, credential)
	}

	var data map[string]interface{}
	var err error
	if o.cfg.Flags.Retry {
		data, err = resilience.Retry(ctx, o.retryCfg, o.metrics, req.Tool, req.Action, attempt)
	} else {
		data, err = attempt(ctx)
	}

	if breaker != nil {
		breaker.Record(generation, !upstreamFailure(err))
	}
	return data, err
}

// upstreamFailure decides what counts against the breaker: only faults
// attributable to the upstream, not caller mistakes.
func upstreamFailure(err error) bool {
	if err == nil {
		return false
	}
	switch gateway.KindOf(err) {
	case gateway.KindUpstream5xx, gateway.KindUpstreamTimeout, gateway.KindNetwork:
		return true
	}
	return false
}

func (o *Orchestrator) succeed(ctx context.Context, correlationID string, req *Request, payload *token.Payload, agent *repository.Agent, started time.Time, data map[string]interface{}) *Result {
	durationMs := time.Since(started).Milliseconds()
	result := &Result{
		CorrelationID: correlationID,
		StatusCode:    200,
		Body: map[string]interface{}{
			"success": true,
			"data":    data,
			"metadata": Metadata{
				AgentID:        agent.ID,
				AgentName:      agent.Name,
				Tool:           req.Tool,
				Action:         req.Action,
				ResponseTimeMs: durationMs,
			},
		},
	}
	if token.RotationRecommended(payload.ExpiresAt, time.Now()) {
		result.RotationRecommended = true
		result.TokenExpiresAt = time.Unix(payload.ExpiresAt, 0).UTC()
	}

	o.record(ctx, correlationID, req, agent.ID, 200, true, durationMs, "", "")
	return result
}

func (o *Orchestrator) fail(ctx context.Context, correlationID string, req *Request, agentID string, started time.Time, policyDecision string, err error) *Result {
	gerr := gateway.AsError(err)
	status := gerr.Kind.StatusCode()
	durationMs := time.Since(started).Milliseconds()

	body := map[string]interface{}{"error": gerr.Message}
	if gerr.Reason != "" {
		body["reason"] = gerr.Reason
	}
	if gerr.Details != nil {
		body["details"] = gerr.Details
	}
	if gerr.RetryAfter > 0 {
		body["retry_after"] = gerr.RetryAfter
	}

	o.logger.Printf("[%s] failed kind=%s tool=%s action=%s: %s", correlationID, gerr.Kind, req.Tool, req.Action, gerr.Message)
	o.record(ctx, correlationID, req, agentID, status, false, durationMs, string(gerr.Kind), policyDecision)

	return &Result{CorrelationID: correlationID, StatusCode: status, Body: body}
}

// record writes the one audit entry and requests_total/duration samples
// for a terminal transition.
func (o *Orchestrator) record(ctx context.Context, correlationID string, req *Request, agentID string, status int, success bool, durationMs int64, errorKind, policyDecision string) {
	o.metrics.RequestsTotal.WithLabelValues(req.Tool, req.Action, statusLabel(status)).Inc()
	o.metrics.RequestDuration.WithLabelValues(req.Tool, req.Action).Observe(float64(durationMs))

	if agentID == "" {
		agentID = "unknown"
	}
	entry := &repository.AuditLogEntry{
		CorrelationID:  correlationID,
		AgentID:        agentID,
		Tool:           req.Tool,
		Action:         req.Action,
		StatusCode:     status,
		Success:        success,
		DurationMs:     durationMs,
		ErrorKind:      errorKind,
		PolicyDecision: policyDecision,
		Timestamp:      time.Now().UTC(),
	}
	// Audit must survive request cancellation.
	if err := o.auditor.Record(context.WithoutCancel(ctx), entry); err != nil {
		o.logger.Printf("[%s] audit write failed: %v", correlationID, err)
	}
}

func statusLabel(status int) string {
	switch status {
	case 200:
		return "200"
	case 400:
		return "400"
	case 401:
		return "401"
	case 403:
		return "403"
	case 409:
		return "409"
	case 422:
		return "422"
	case 429:
		return "429"
	case 502:
		return "502"
	case 503:
		return "503"
	case 504:
		return "504"
	default:
		return "500"
	}
}

// ============================================================================
// DRAINING
// ============================================================================

// StartDrain flips the draining flag; new requests fail UNAVAILABLE.
func (o *Orchestrator) StartDrain() {
	o.draining.Store(true)
	o.logger.Println("draining: rejecting new requests")
}

// Draining reports whether the gateway is refusing new work.
func (o *Orchestrator) Draining() bool { return o.draining.Load() }

// AwaitDrain blocks until in-flight requests finish or the deadline
// elapses. Returns true when everything completed in time.
func (o *Orchestrator) AwaitDrain(deadline time.Duration) bool {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(deadline):
		o.logger.Println("drain deadline elapsed with requests still in flight")
		return false
	}
}
