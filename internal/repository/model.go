// Package repository owns the gateway's persisted entities and the
// Store interface the services operate against. The default backing is
// in-process; Postgres and Redis implementations cover the relational
// and shared-store seams.
package repository

import "time"

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentSuspended AgentStatus = "suspended"
)

// Agent is the identity of a tool caller. The private key is returned
// to the creator exactly once and never persisted.
type Agent struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	CreatedBy string      `json:"created_by"`
	Role      string      `json:"role"`
	PublicKey string      `json:"public_key"` // PEM/SPKI
	Status    AgentStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

// TokenRecord tracks one issued token, one-to-one with what the caller
// holds. A token is valid iff its signature verifies, now < ExpiresAt,
// Revoked is false, and the owning agent is active.
type TokenRecord struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	OpaqueToken string    `json:"opaque_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	Revoked     bool      `json:"revoked"`
	IssuedAt    time.Time `json:"issued_at"`
	Expired     bool      `json:"expired"` // set by the sweeper
}

// TokenRegistryEntry binds a token id to the hash of the exact payload
// that was signed, enabling provenance checks on follow-up requests.
type TokenRegistryEntry struct {
	TokenID     string     `json:"token_id"`
	AgentID     string     `json:"agent_id"`
	PayloadHash string     `json:"payload_hash"` // SHA-256 of canonical payload
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	IsRevoked   bool       `json:"is_revoked"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// PolicyRecord binds a serialized policy spec to exactly one of an
// agent id or a role. SpecHash is recomputed on every mutation.
type PolicyRecord struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	SpecJSON  string    `json:"spec"`
	SpecHash  string    `json:"spec_hash"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QuotaCounter tracks admissions for one (policy, quota_key) pair.
// QuotaKey is "tool:action|window". Current increments atomically
// inside the admission check and resets when now >= ResetAt.
type QuotaCounter struct {
	ID       string    `json:"id"`
	PolicyID string    `json:"policy_id"`
	QuotaKey string    `json:"quota_key"`
	Current  int       `json:"current"`
	ResetAt  time.Time `json:"reset_at"`
}

// QuotaDecision is the outcome of an atomic increment-with-bound.
type QuotaDecision struct {
	Allowed bool
	Current int
	Limit   int
	ResetAt time.Time
}

// ToolCredential is a versioned envelope-encrypted credential. At most
// one credential per tool is active; activation atomically deactivates
// the previous one.
type ToolCredential struct {
	ID                  string     `json:"id"`
	Tool                string     `json:"tool"`
	Version             string     `json:"version"`
	IsActive            bool       `json:"is_active"`
	EncryptedCredential string     `json:"encrypted_credential"`
	EncryptedMetadata   string     `json:"encrypted_metadata,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	ActivatedAt         *time.Time `json:"activated_at,omitempty"`
	DeactivatedAt       *time.Time `json:"deactivated_at,omitempty"`
}

// AuditLogEntry records one terminal pipeline transition. Entries are
// hash-chained per agent: Hash covers the entry with PrevHash set.
type AuditLogEntry struct {
	CorrelationID  string    `json:"correlation_id"`
	AgentID        string    `json:"agent_id"`
	Tool           string    `json:"tool"`
	Action         string    `json:"action"`
	StatusCode     int       `json:"status_code"`
	Success        bool      `json:"success"`
	DurationMs     int64     `json:"duration_ms"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	PolicyDecision string    `json:"policy_decision,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	PrevHash       string    `json:"prev_hash"`
	Hash           string    `json:"hash"`
}
