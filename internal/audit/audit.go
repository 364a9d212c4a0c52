// Package audit records one hash-chained log entry per terminal
// pipeline transition. Each agent has its own chain: every entry's hash
// covers the entry content plus the previous hash, so tampering with a
// stored entry breaks verification of everything after it.
package audit

import (
	"context"
	"fmt"
	"log"

	"github.com/agentgate/gateway/internal/cryptoutil"
	"github.com/agentgate/gateway/internal/repository"
)

// genesisHash anchors the first entry of every chain.
const genesisHash = "genesis"

// Recorder appends entries to per-agent audit chains.
type Recorder struct {
	store  repository.AuditStore
	logger *log.Logger
}

// NewRecorder creates a recorder over the repository's audit seam.
func NewRecorder(store repository.AuditStore) *Recorder {
	return &Recorder{
		store:  store,
		logger: log.New(log.Writer(), "[Audit] ", log.LstdFlags),
	}
}

// Record links the entry into the agent's chain and persists it. The
// caller fills every field except PrevHash and Hash.
func (r *Recorder) Record(ctx context.Context, entry *repository.AuditLogEntry) error {
	prev, err := r.store.LastAuditHash(ctx, entry.AgentID)
	if err != nil {
		return fmt.Errorf("failed to read chain head: %w", err)
	}
	if prev == "" {
		prev = genesisHash
	}
	entry.PrevHash = prev

	hash, err := entryHash(entry)
	if err != nil {
		return fmt.Errorf("failed to hash audit entry: %w", err)
	}
	entry.Hash = hash

	if err := r.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// List returns up to limit recent entries for an agent, oldest first.
func (r *Recorder) List(ctx context.Context, agentID string, limit int) ([]*repository.AuditLogEntry, error) {
	return r.store.ListAudit(ctx, agentID, limit)
}

// VerifyChain recomputes every hash in an agent's chain, oldest first.
// It returns the index of the first broken entry, or -1 when intact.
func (r *Recorder) VerifyChain(ctx context.Context, agentID string) (int, error) {
	entries, err := r.store.ListAudit(ctx, agentID, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to load chain: %w", err)
	}

	prev := genesisHash
	for i, entry := range entries {
		if entry.PrevHash != prev {
			return i, nil
		}
		expected, err := entryHash(entry)
		if err != nil {
			return i, err
		}
		if entry.Hash != expected {
			return i, nil
		}
		prev = entry.Hash
	}
	return -1, nil
}

// entryHash covers every persisted field except Hash itself.
func entryHash(e *repository.AuditLogEntry) (string, error) {
	return cryptoutil.CanonicalHash(map[string]interface{}{
		"correlation_id":  e.CorrelationID,
		"agent_id":        e.AgentID,
		"tool":            e.Tool,
		"action":          e.Action,
		"status_code":     e.StatusCode,
		"success":         e.Success,
		"duration_ms":     e.DurationMs,
		"error_kind":      e.ErrorKind,
		"policy_decision": e.PolicyDecision,
		"timestamp":       e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		"prev_hash":       e.PrevHash,
	})
}
