package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agentgate/gateway/internal/chaos"
	"github.com/agentgate/gateway/internal/cryptoutil"
	"github.com/agentgate/gateway/internal/gateway"
	"github.com/agentgate/gateway/internal/orchestrator"
	"github.com/agentgate/gateway/internal/policy"
	"github.com/agentgate/gateway/internal/repository"
)

// ============================================================================
// INVOKE
// ============================================================================

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		orchestrator.Request
		// RSA-wrapped alternative to agent_token, sealed to the gateway's
		// public key.
		AgentTokenEncrypted string `json:"agent_token_encrypted,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	if body.AgentTokenEncrypted != "" {
		if s.gatewayKey == nil {
			respondError(w, gateway.E(gateway.KindBadRequest, "gateway has no private key configured for wrapped tokens"))
			return
		}
		plain, err := cryptoutil.HybridDecrypt(body.AgentTokenEncrypted, s.gatewayKey)
		if err != nil {
			respondError(w, gateway.E(gateway.KindTokenFormat, "failed to unwrap agent token"))
			return
		}
		body.AgentToken = string(plain)
	}
	req := body.Request
	req.Intent = r.Header.Get("X-Agent-Intent")
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")

	result := s.orch.Handle(r.Context(), &req)

	w.Header().Set("X-Correlation-Id", result.CorrelationID)
	if result.RotationRecommended {
		w.Header().Set("X-Token-Rotation-Recommended", "true")
		w.Header().Set("X-Token-Expires-At", result.TokenExpiresAt.Format(time.RFC3339))
	}
	respondJSON(w, result.StatusCode, result.Body)
}

// ============================================================================
// AGENTS
// ============================================================================

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string `json:"name"`
		CreatedBy string `json:"created_by"`
		Role      string `json:"role"`
		PublicKey string `json:"public_key"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	if body.Name == "" {
		respondError(w, gateway.E(gateway.KindBadRequest, "name is required"))
		return
	}

	// Callers either bring their own public key or get a fresh keypair.
	// The private half is returned here exactly once and never stored.
	publicKey := body.PublicKey
	privateKey := ""
	if publicKey == "" {
		pair, err := cryptoutil.GenerateKeyPair()
		if err != nil {
			respondError(w, gateway.Wrap(gateway.KindInternal, err, "failed to generate keypair"))
			return
		}
		publicKey = pair.PublicPEM
		privateKey = pair.PrivatePEM
	} else if _, err := cryptoutil.ParsePublicKeyPEM(publicKey); err != nil {
		respondError(w, gateway.E(gateway.KindBadRequest, "public_key is not a valid PEM RSA key"))
		return
	}

	agent := &repository.Agent{
		ID:        uuid.New().String(),
		Name:      body.Name,
		CreatedBy: body.CreatedBy,
		Role:      body.Role,
		PublicKey: publicKey,
		Status:    repository.AgentActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAgent(r.Context(), agent); err != nil {
		respondError(w, gateway.Wrap(gateway.KindInternal, err, "failed to create agent"))
		return
	}

	out := map[string]interface{}{
		"id":         agent.ID,
		"name":       agent.Name,
		"created_by": agent.CreatedBy,
		"role":       agent.Role,
		"public_key": agent.PublicKey,
		"status":     agent.Status,
		"created_at": agent.CreatedAt,
	}
	if privateKey != "" {
		out["private_key"] = privateKey
	}
	respondJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		respondError(w, gateway.Wrap(gateway.KindInternal, err, "failed to list agents"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if err == repository.ErrNotFound {
			respondError(w, gateway.E(gateway.KindBadRequest, "agent not found"))
			return
		}
		respondError(w, gateway.Wrap(gateway.KindInternal, err, "failed to load agent"))
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status repository.AgentStatus `json:"status"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	if body.Status != repository.AgentActive && body.Status != repository.AgentSuspended {
		respondError(w, gateway.E(gateway.KindBadRequest, "status must be active or suspended"))
		return
	}
	if err := s.store.UpdateAgentStatus(r.Context(), mux.Vars(r)["id"], body.Status); err != nil {
		if err == repository.ErrNotFound {
			respondError(w, gateway.E(gateway.KindBadRequest, "agent not found"))
			return
		}
		respondError(w, gateway.Wrap(gateway.KindInternal, err, "failed to update agent"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"updated": true})
}

// ============================================================================
// TOKENS
// ============================================================================

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID     string   `json:"agent_id"`
		Tools       []string `json:"tools"`
		Permissions []string `json:"permissions"`
		ExpiresAt   string   `json:"expires_at"` // RFC3339
		TTLSeconds  int      `json:"ttl_seconds"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}

	expiresAt := time.Now().Add(time.Hour)
	if body.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, body.ExpiresAt)
		if err != nil {
			respondError(w, gateway.E(gateway.KindBadRequest, "expires_at must be RFC3339"))
			return
		}
		expiresAt = parsed
	} else if body.TTLSeconds > 0 {
		expiresAt = time.Now().Add(time.Duration(body.TTLSeconds) * time.Second)
	}

	result, err := s.tokens.Issue(r.Context(), body.AgentID, body.Tools, body.Permissions, expiresAt)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		respondError(w, gateway.E(gateway.KindBadRequest, "agent_id query parameter is required"))
		return
	}
	records, err := s.tokens.List(r.Context(), agentID)
	if err != nil {
		respondError(w, gateway.Wrap(gateway.KindInternal, err, "failed to list tokens"))
		return
	}
	// Opaque tokens are never echoed back after issuance.
	for _, rec := range records {
		rec.OpaqueToken = ""
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tokens": records})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.Revoke(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"revoked": true})
}

// ============================================================================
// POLICIES
// ============================================================================

type policyBody struct {
	AgentID string      `json:"agent_id,omitempty"`
	Role    string      `json:"role,omitempty"`
	Spec    policy.Spec `json:"spec"`
	Active  *bool       `json:"active,omitempty"`
}

func canonicalSpecJSON(spec *policy.Spec) (string, error) {
	raw, err := json.Marshal(spec)
	return string(raw), err
}

func (s *Server) buildPolicyRecord(id string, body *policyBody) (*repository.PolicyRecord, error) {
	if (body.AgentID == "") == (body.Role == "") {
		return nil, gateway.E(gateway.KindBadRequest, "exactly one of agent_id or role must be set")
	}
	if err := body.Spec.Validate(); err != nil {
		return nil, gateway.E(gateway.KindBadRequest, "invalid policy spec: %v", err)
	}
	specJSON, err := canonicalSpecJSON(&body.Spec)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, err, "failed to serialize spec")
	}
	specHash, err := policy.SpecHash(&body.Spec)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, err, "failed to hash spec")
	}

	active := true
	if body.Active != nil {
		active = *body.Active
	}
	now := time.Now().UTC()
	return &repository.PolicyRecord{
		ID:        id,
		AgentID:   body.AgentID,
		Role:      body.Role,
		SpecJSON:  specJSON,
		SpecHash:  specHash,
		Active:    active,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var body policyBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	rec, err := s.buildPolicyRecord(uuid.New().String(), &body)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.store.CreatePolicy(r.Context(), rec); err != nil {
		respondError(w, gateway.Wrap(gateway.KindInternal, err, "failed to store policy"))
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListPolicies(r.Context())
	if err != nil {
		respondError(w, gateway.Wrap(gateway.KindInternal, err, "failed to list policies"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"policies": records})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetPolicy(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if err == repository.ErrNotFound {
			respondError(w, gateway.E(gateway.KindBadRequest, "policy not found"))
			return
		}
		respondError(w, gateway.Wrap(gateway.KindInternal, err, "failed to load policy"))
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var body policyBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	rec, err := s.buildPolicyRecord(mux.Vars(r)["id"], &body)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.store.UpdatePolicy(r.Context(), rec); err != nil {
		if err == repository.ErrNotFound {
			respondError(w, gateway.E(gateway.KindBadRequest, "policy not found"))
			return
		}
		respondError(w, gateway.Wrap(gateway.KindInternal, err, "failed to update policy"))
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePolicy(r.Context(), mux.Vars(r)["id"]); err != nil {
		if err == repository.ErrNotFound {
			respondError(w, gateway.E(gateway.KindBadRequest, "policy not found"))
			return
		}
		respondError(w, gateway.Wrap(gateway.KindInternal, err, "failed to delete policy"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// ============================================================================
// CREDENTIALS
// ============================================================================

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tool      string `json:"tool"`
		Version   string `json:"version"`
		Plaintext string `json:"plaintext"`
		Metadata  string `json:"metadata,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}

	cred, err := s.vault.Create(r.Context(), body.Tool, body.Version, []byte(body.Plaintext), []byte(body.Metadata))
	if err != nil {
		respondError(w, err)
		return
	}
	// Plaintext and ciphertext never leave the vault after creation.
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"id":      cred.ID,
		"tool":    cred.Tool,
		"version": cred.Version,
	})
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	tool := r.URL.Query().Get("tool")
	creds, err := s.vault.List(r.Context(), tool)
	if err != nil {
		respondError(w, gateway.Wrap(gateway.KindInternal, err, "failed to list credentials"))
		return
	}
	out := make([]map[string]interface{}, 0, len(creds))
	for _, c := range creds {
		out = append(out, map[string]interface{}{
			"id":         c.ID,
			"tool":       c.Tool,
			"version":    c.Version,
			"is_active":  c.IsActive,
			"created_at": c.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"credentials": out})
}

func (s *Server) handleActivateCredential(w http.ResponseWriter, r *http.Request) {
	if err := s.vault.Activate(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"activated": true})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := s.vault.Delete(r.Context(), mux.Vars(r)["id"], force); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// ============================================================================
// CHAOS
// ============================================================================

func (s *Server) handleSetChaos(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tool string  `json:"tool"`
		Mode string  `json:"mode"`
		Pct  float64 `json:"pct"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, err)
		return
	}
	if err := s.injector.Set(body.Tool, chaos.Schedule{Mode: chaos.Mode(body.Mode), Pct: body.Pct}); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"set": true})
}

func (s *Server) handleListChaos(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"schedules": s.injector.List()})
}

func (s *Server) handleClearChaos(w http.ResponseWriter, r *http.Request) {
	if err := s.injector.Clear(mux.Vars(r)["tool"]); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

// ============================================================================
// AUDIT
// ============================================================================

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	entries, err := s.auditor.List(r.Context(), mux.Vars(r)["agent_id"], limit)
	if err != nil {
		respondError(w, gateway.Wrap(gateway.KindInternal, err, "failed to list audit entries"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	broken, err := s.auditor.VerifyChain(r.Context(), mux.Vars(r)["agent_id"])
	if err != nil {
		respondError(w, gateway.Wrap(gateway.KindInternal, err, "failed to verify chain"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"intact":       broken == -1,
		"broken_index": broken,
	})
}

// ============================================================================
// OPERATIONAL
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"env":    s.cfg.Env,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"ready": true}
	status := http.StatusOK

	if s.orch.Draining() {
		body["ready"] = false
		body["reason"] = "draining"
		status = http.StatusServiceUnavailable
	}
	if s.cfg.Flags.TestBypass {
		// Bypass never blocks readiness; it only warns.
		body["warning"] = "FF_TEST_BYPASS is enabled"
	}
	respondJSON(w, status, body)
}
