package repository

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the default single-process Store: mutex-guarded maps,
// strongly consistent, with the two transactional operations serialized
// under the same lock.
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*Agent
	tokens      map[string]*TokenRecord
	registry    map[string]*TokenRegistryEntry
	policies    map[string]*PolicyRecord
	quotas      map[string]*QuotaCounter // policyID|quotaKey
	credentials map[string]*ToolCredential
	audits      map[string][]*AuditLogEntry // agentID -> chain
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[string]*Agent),
		tokens:      make(map[string]*TokenRecord),
		registry:    make(map[string]*TokenRegistryEntry),
		policies:    make(map[string]*PolicyRecord),
		quotas:      make(map[string]*QuotaCounter),
		credentials: make(map[string]*ToolCredential),
		audits:      make(map[string][]*AuditLogEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

// --- agents ---

func (s *MemoryStore) CreateAgent(_ context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; exists {
		return ErrAgentExists
	}
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateAgentStatus(_ context.Context, id string, status AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	agent.Status = status
	return nil
}

// --- token records ---

func (s *MemoryStore) SaveTokenRecord(_ context.Context, rec *TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.tokens[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTokenRecord(_ context.Context, id string) (*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ListTokenRecords(_ context.Context, agentID string) ([]*TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TokenRecord
	for _, rec := range s.tokens {
		if rec.AgentID == agentID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (s *MemoryStore) RevokeTokenRecord(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	rec.Revoked = true
	return nil
}

func (s *MemoryStore) ExpireTokenRecords(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := 0
	for _, rec := range s.tokens {
		if !rec.Expired && !now.Before(rec.ExpiresAt) {
			rec.Expired = true
			swept++
		}
	}
	return swept, nil
}

// --- token registry ---

func (s *MemoryStore) SaveRegistryEntry(_ context.Context, entry *TokenRegistryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.registry[entry.TokenID] = &cp
	return nil
}

func (s *MemoryStore) GetRegistryEntry(_ context.Context, tokenID string) (*TokenRegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.registry[tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (s *MemoryStore) RevokeRegistryEntry(_ context.Context, tokenID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.registry[tokenID]
	if !ok {
		return ErrNotFound
	}
	entry.IsRevoked = true
	t := at
	entry.RevokedAt = &t
	return nil
}

// --- policies ---

func (s *MemoryStore) CreatePolicy(_ context.Context, rec *PolicyRecord) error {
	if (rec.AgentID == "") == (rec.Role == "") {
		return ErrPolicyBinding
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.policies[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPolicy(_ context.Context, id string) (*PolicyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) UpdatePolicy(_ context.Context, rec *PolicyRecord) error {
	if (rec.AgentID == "") == (rec.Role == "") {
		return ErrPolicyBinding
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[rec.ID]; !ok {
		return ErrNotFound
	}
	cp := *rec
	s.policies[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return ErrNotFound
	}
	delete(s.policies, id)
	return nil
}

func (s *MemoryStore) ListPoliciesFor(_ context.Context, agentID, role string) ([]*PolicyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PolicyRecord
	for _, rec := range s.policies {
		if !rec.Active {
			continue
		}
		if (rec.AgentID != "" && rec.AgentID == agentID) || (rec.Role != "" && role != "" && rec.Role == role) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListPolicies(_ context.Context) ([]*PolicyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PolicyRecord, 0, len(s.policies))
	for _, rec := range s.policies {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- quota counters ---

func (s *MemoryStore) IncrementQuota(_ context.Context, policyID, quotaKey string, limit int, window time.Duration, now time.Time) (QuotaDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := policyID + "|" + quotaKey
	counter, ok := s.quotas[key]
	if !ok || !now.Before(counter.ResetAt) {
		counter = &QuotaCounter{
			ID:       key,
			PolicyID: policyID,
			QuotaKey: quotaKey,
			Current:  0,
			ResetAt:  AlignReset(now, window),
		}
		s.quotas[key] = counter
	}

	if counter.Current >= limit {
		return QuotaDecision{Allowed: false, Current: counter.Current, Limit: limit, ResetAt: counter.ResetAt}, nil
	}
	counter.Current++
	return QuotaDecision{Allowed: true, Current: counter.Current, Limit: limit, ResetAt: counter.ResetAt}, nil
}

// --- credentials ---

func (s *MemoryStore) CreateCredential(_ context.Context, cred *ToolCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cred
	s.credentials[cred.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCredential(_ context.Context, id string) (*ToolCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.credentials[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (s *MemoryStore) ListCredentials(_ context.Context, tool string) ([]*ToolCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ToolCredential
	for _, cred := range s.credentials {
		if tool == "" || cred.Tool == tool {
			cp := *cred
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[id]; !ok {
		return ErrNotFound
	}
	delete(s.credentials, id)
	return nil
}

func (s *MemoryStore) ActivateCredential(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.credentials[id]
	if !ok {
		return ErrNotFound
	}

	for _, cred := range s.credentials {
		if cred.Tool == target.Tool && cred.IsActive && cred.ID != id {
			cred.IsActive = false
			t := at
			cred.DeactivatedAt = &t
		}
	}
	target.IsActive = true
	t := at
	target.ActivatedAt = &t
	return nil
}

func (s *MemoryStore) GetActiveCredential(_ context.Context, tool string) (*ToolCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cred := range s.credentials {
		if cred.Tool == tool && cred.IsActive {
			cp := *cred
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// --- audit ---

func (s *MemoryStore) AppendAudit(_ context.Context, entry *AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.audits[entry.AgentID] = append(s.audits[entry.AgentID], &cp)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, agentID string, limit int) ([]*AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.audits[agentID]
	out := make([]*AuditLogEntry, 0, len(chain))
	for _, e := range chain {
		cp := *e
		out = append(out, &cp)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) LastAuditHash(_ context.Context, agentID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.audits[agentID]
	if len(chain) == 0 {
		return "", nil
	}
	return chain[len(chain)-1].Hash, nil
}
