package repository

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all Store implementations.
var (
	ErrNotFound      = errors.New("record not found")
	ErrAgentExists   = errors.New("agent already exists")
	ErrPolicyBinding = errors.New("policy must bind exactly one of agent_id or role")
)

// Store is the persistence contract for the gateway. Single-agent
// operations are strongly consistent. Only credential activation and
// quota increment-with-bound are transactional; everything else may be
// eventually consistent in a distributed backing.
type Store interface {
	AgentStore
	TokenStore
	RegistryStore
	PolicyStore
	QuotaStore
	CredentialStore
	AuditStore
}

type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error
}

type TokenStore interface {
	SaveTokenRecord(ctx context.Context, rec *TokenRecord) error
	GetTokenRecord(ctx context.Context, id string) (*TokenRecord, error)
	ListTokenRecords(ctx context.Context, agentID string) ([]*TokenRecord, error)
	RevokeTokenRecord(ctx context.Context, id string, at time.Time) error
	// ExpireTokenRecords marks unexpired records past their deadline and
	// returns how many were swept.
	ExpireTokenRecords(ctx context.Context, now time.Time) (int, error)
}

type RegistryStore interface {
	SaveRegistryEntry(ctx context.Context, entry *TokenRegistryEntry) error
	GetRegistryEntry(ctx context.Context, tokenID string) (*TokenRegistryEntry, error)
	RevokeRegistryEntry(ctx context.Context, tokenID string, at time.Time) error
}

type PolicyStore interface {
	CreatePolicy(ctx context.Context, rec *PolicyRecord) error
	GetPolicy(ctx context.Context, id string) (*PolicyRecord, error)
	UpdatePolicy(ctx context.Context, rec *PolicyRecord) error
	DeletePolicy(ctx context.Context, id string) error
	// ListPoliciesFor returns active records bound to the agent id plus
	// active records bound to the role.
	ListPoliciesFor(ctx context.Context, agentID, role string) ([]*PolicyRecord, error)
	ListPolicies(ctx context.Context) ([]*PolicyRecord, error)
}

// QuotaStore is the shared-store seam: the in-memory implementation is
// process-local, the Redis implementation backs multi-replica
// deployments.
type QuotaStore interface {
	// IncrementQuota performs the atomic increment-with-bound on the
	// (policyID, quotaKey) counter. The counter resets when now >=
	// reset_at, aligned to the window boundary.
	IncrementQuota(ctx context.Context, policyID, quotaKey string, limit int, window time.Duration, now time.Time) (QuotaDecision, error)
}

type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *ToolCredential) error
	GetCredential(ctx context.Context, id string) (*ToolCredential, error)
	ListCredentials(ctx context.Context, tool string) ([]*ToolCredential, error)
	DeleteCredential(ctx context.Context, id string) error
	// ActivateCredential atomically activates id and deactivates every
	// other credential of the same tool.
	ActivateCredential(ctx context.Context, id string, at time.Time) error
	GetActiveCredential(ctx context.Context, tool string) (*ToolCredential, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditLogEntry) error
	ListAudit(ctx context.Context, agentID string, limit int) ([]*AuditLogEntry, error)
	// LastAuditHash returns the hash of the newest entry in the agent's
	// chain, or "" for an empty chain.
	LastAuditHash(ctx context.Context, agentID string) (string, error)
}

// AlignReset returns the end of the window containing now, in UTC.
// Counters reset at window boundaries rather than first-hit offsets.
func AlignReset(now time.Time, window time.Duration) time.Time {
	return now.UTC().Truncate(window).Add(window)
}
