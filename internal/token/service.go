// Package token implements the token lifecycle: issuance of HMAC-signed
// opaque tokens, validation with optional provenance proof, revocation,
// and the background sweeper that marks expired records.
package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/gateway/internal/cryptoutil"
	"github.com/agentgate/gateway/internal/gateway"
	"github.com/agentgate/gateway/internal/metrics"
	"github.com/agentgate/gateway/internal/repository"
)

// RotationHintWindow is how close to expiry a token must be before the
// orchestrator recommends rotation in response headers.
const RotationHintWindow = 15 * time.Second

// Validation result labels for token_validations_total.
const (
	resultValid         = "valid"
	resultFormat        = "format"
	resultSignature     = "signature"
	resultExpired       = "expired"
	resultAgentInactive = "agent_inactive"
	resultProvenance    = "provenance"
)

// Payload is the signed token body. Its canonical JSON hash is what the
// registry binds for provenance checks. TokenID ties the opaque token
// back to its registry entry so revocation holds even when the caller
// never volunteers the id.
type Payload struct {
	TokenID     string   `json:"token_id"`
	AgentID     string   `json:"agent_id"`
	AgentName   string   `json:"agent_name"`
	Tools       []string `json:"tools"`
	Permissions []string `json:"permissions"`
	ExpiresAt   int64    `json:"expires_at"` // unix seconds
	Nonce       string   `json:"nonce"`
	IssuedAt    int64    `json:"issued_at"`
}

// IssueResult is what a successful issuance hands back to the caller.
type IssueResult struct {
	TokenID     string    `json:"token_id"`
	OpaqueToken string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type tokenStore interface {
	repository.AgentStore
	repository.TokenStore
	repository.RegistryStore
}

// Service issues and validates agent tokens.
type Service struct {
	store      tokenStore
	secret     []byte
	prevSecret []byte
	// prevSecret is accepted until rotatedAt+grace so in-flight tokens
	// survive a signing secret rotation.
	rotatedAt time.Time
	grace     time.Duration

	metrics *metrics.Metrics
	logger  *log.Logger
	nowFn   func() time.Time
}

// NewService creates a token service. previousSecret may be empty; when
// set, signatures under it verify until grace elapses from now.
func NewService(store repository.Store, secret, previousSecret string, grace time.Duration, m *metrics.Metrics) *Service {
	svc := &Service{
		store:   store,
		secret:  []byte(secret),
		grace:   grace,
		metrics: m,
		logger:  log.New(log.Writer(), "[TokenService] ", log.LstdFlags),
		nowFn:   time.Now,
	}
	if previousSecret != "" {
		svc.prevSecret = []byte(previousSecret)
		svc.rotatedAt = time.Now()
	}
	return svc
}

// Issue builds, signs, and persists a new token for an active agent.
func (s *Service) Issue(ctx context.Context, agentID string, tools, permissions []string, expiresAt time.Time) (*IssueResult, error) {
	now := s.nowFn()
	if !expiresAt.After(now) {
		return nil, gateway.E(gateway.KindValidation, "expires_at must be in the future")
	}

	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, gateway.E(gateway.KindValidation, "agent %s not found", agentID)
		}
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	if agent.Status != repository.AgentActive {
		return nil, gateway.E(gateway.KindTokenAgentInactive, "agent %s is not active", agentID)
	}

	nonce, err := cryptoutil.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	tokenID := uuid.New().String()
	payload := Payload{
		TokenID:     tokenID,
		AgentID:     agent.ID,
		AgentName:   agent.Name,
		Tools:       tools,
		Permissions: permissions,
		ExpiresAt:   expiresAt.Unix(),
		Nonce:       nonce,
		IssuedAt:    now.Unix(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	payloadHash, err := cryptoutil.CanonicalHash(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to hash payload: %w", err)
	}

	opaque := cryptoutil.SignToken(raw, s.secret)

	if err := s.store.SaveTokenRecord(ctx, &repository.TokenRecord{
		ID:          tokenID,
		AgentID:     agent.ID,
		OpaqueToken: opaque,
		ExpiresAt:   expiresAt,
		IssuedAt:    now,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist token record: %w", err)
	}
	if err := s.store.SaveRegistryEntry(ctx, &repository.TokenRegistryEntry{
		TokenID:     tokenID,
		AgentID:     agent.ID,
		PayloadHash: payloadHash,
		IssuedAt:    now,
		ExpiresAt:   expiresAt,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist registry entry: %w", err)
	}

	s.metrics.TokenGenerations.Inc()
	s.logger.Printf("issued token %s for agent %s (expires %s)", tokenID, agent.ID, expiresAt.UTC().Format(time.RFC3339))

	return &IssueResult{TokenID: tokenID, OpaqueToken: opaque, ExpiresAt: expiresAt}, nil
}

// Validate checks an opaque token against its registry entry, including
// revocation, plus the caller's proof when tokenID/proofPayload are
// supplied. On success it returns the decoded payload and the owning
// agent.
func (s *Service) Validate(ctx context.Context, opaque, tokenID, proofPayload string) (*Payload, *repository.Agent, *gateway.Error) {
	payload, agent, gerr := s.validate(ctx, opaque, tokenID, proofPayload)
	if gerr != nil {
		s.metrics.TokenValidations.WithLabelValues(resultFor(gerr.Kind)).Inc()
		return nil, nil, gerr
	}
	s.metrics.TokenValidations.WithLabelValues(resultValid).Inc()
	return payload, agent, nil
}

func (s *Service) validate(ctx context.Context, opaque, tokenID, proofPayload string) (*Payload, *repository.Agent, *gateway.Error) {
	payloadB64, sigHex, err := cryptoutil.SplitToken(opaque)
	if err != nil {
		return nil, nil, gateway.E(gateway.KindTokenFormat, "token is malformed")
	}
	if !s.verifySignature(payloadB64, sigHex) {
		return nil, nil, gateway.E(gateway.KindTokenSignature, "token signature mismatch")
	}

	raw, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, nil, gateway.E(gateway.KindTokenFormat, "token payload is not base64")
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil, gateway.E(gateway.KindTokenFormat, "token payload is not valid JSON")
	}

	// A token at exactly expires_at is already expired.
	now := s.nowFn()
	if !now.Before(time.Unix(payload.ExpiresAt, 0)) {
		return nil, nil, gateway.E(gateway.KindTokenExpired, "token expired at %d", payload.ExpiresAt)
	}

	agent, err := s.store.GetAgent(ctx, payload.AgentID)
	if err != nil {
		return nil, nil, gateway.E(gateway.KindTokenAgentInactive, "owning agent not found")
	}
	if agent.Status != repository.AgentActive {
		return nil, nil, gateway.E(gateway.KindTokenAgentInactive, "agent %s is suspended", agent.ID)
	}

	// Revocation is enforced on every validation via the registry entry
	// named inside the signed payload, not only when the caller supplies
	// a token id.
	entry, err := s.store.GetRegistryEntry(ctx, payload.TokenID)
	if err != nil {
		return nil, nil, gateway.E(gateway.KindTokenProvenance, "token has no registry entry")
	}
	if entry.IsRevoked {
		return nil, nil, gateway.E(gateway.KindTokenProvenance, "token %s is revoked", payload.TokenID)
	}
	if entry.AgentID != payload.AgentID {
		return nil, nil, gateway.E(gateway.KindTokenProvenance, "token %s belongs to another agent", payload.TokenID)
	}

	if tokenID != "" {
		if tokenID != payload.TokenID {
			return nil, nil, gateway.E(gateway.KindTokenProvenance, "token id does not match the presented token")
		}
		if proofPayload != "" && cryptoutil.Sha256Hex([]byte(proofPayload)) != entry.PayloadHash {
			return nil, nil, gateway.E(gateway.KindTokenProvenance, "proof payload does not match registry")
		}
	}
	return &payload, agent, nil
}

func (s *Service) verifySignature(payloadB64, sigHex string) bool {
	if cryptoutil.VerifyTokenSignature(payloadB64, sigHex, s.secret) {
		return true
	}
	if len(s.prevSecret) > 0 && s.nowFn().Before(s.rotatedAt.Add(s.grace)) {
		return cryptoutil.VerifyTokenSignature(payloadB64, sigHex, s.prevSecret)
	}
	return false
}

// Revoke marks both the registry entry and the token record revoked.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	now := s.nowFn()
	if err := s.store.RevokeRegistryEntry(ctx, tokenID, now); err != nil {
		if err == repository.ErrNotFound {
			return gateway.E(gateway.KindValidation, "token %s not found", tokenID)
		}
		return fmt.Errorf("failed to revoke registry entry: %w", err)
	}
	if err := s.store.RevokeTokenRecord(ctx, tokenID, now); err != nil && err != repository.ErrNotFound {
		return fmt.Errorf("failed to revoke token record: %w", err)
	}
	s.logger.Printf("revoked token %s", tokenID)
	return nil
}

// List returns the token records for one agent.
func (s *Service) List(ctx context.Context, agentID string) ([]*repository.TokenRecord, error) {
	return s.store.ListTokenRecords(ctx, agentID)
}

// RotationRecommended reports whether the token is within the rotation
// hint window of its expiry.
func RotationRecommended(expiresAt int64, now time.Time) bool {
	return time.Unix(expiresAt, 0).Sub(now) < RotationHintWindow
}

// SweepExpired marks token records past their expiry and bumps the
// expiration counter. Returns the number of records swept.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	swept, err := s.store.ExpireTokenRecords(ctx, s.nowFn())
	if err != nil {
		return 0, fmt.Errorf("token sweep failed: %w", err)
	}
	if swept > 0 {
		s.metrics.TokenExpirations.Add(float64(swept))
		s.logger.Printf("swept %d expired token records", swept)
	}
	return swept, nil
}

// RunSweeper runs SweepExpired on the given interval until ctx ends.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.logger.Printf("sweep error: %v", err)
			}
		}
	}
}

func resultFor(kind gateway.Kind) string {
	switch kind {
	case gateway.KindTokenFormat:
		return resultFormat
	case gateway.KindTokenSignature:
		return resultSignature
	case gateway.KindTokenExpired:
		return resultExpired
	case gateway.KindTokenAgentInactive:
		return resultAgentInactive
	case gateway.KindTokenProvenance:
		return resultProvenance
	default:
		return string(kind)
	}
}
