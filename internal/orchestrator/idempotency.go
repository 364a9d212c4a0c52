package orchestrator

import (
	"sync"
	"time"

	"github.com/agentgate/gateway/internal/gateway"
	"github.com/agentgate/gateway/internal/resilience"
)

type idemEntry struct {
	fingerprint string
	expiresAt   time.Time
}

// idempotencyTracker remembers the body fingerprint seen for each
// Idempotency-Key. A repeat with the same fingerprint passes through
// (the cache layer handles dedup); a repeat with a different body is a
// conflict.
type idempotencyTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]idemEntry
	nowFn   func() time.Time
}

func newIdempotencyTracker(ttl time.Duration) *idempotencyTracker {
	return &idempotencyTracker{
		ttl:     ttl,
		entries: make(map[string]idemEntry),
		nowFn:   time.Now,
	}
}

func (t *idempotencyTracker) check(key, tool, action string, params map[string]interface{}) *gateway.Error {
	fingerprint, err := resilience.CacheKey(tool, action, params)
	if err != nil {
		return gateway.Wrap(gateway.KindBadRequest, err, "params are not fingerprintable")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	if entry, ok := t.entries[key]; ok && now.Before(entry.expiresAt) {
		if entry.fingerprint != fingerprint {
			return gateway.E(gateway.KindIdempotency, "idempotency key %q was used with a different request body", key)
		}
		return nil
	}

	// Opportunistic expiry sweep; the map stays bounded by traffic.
	for k, entry := range t.entries {
		if !now.Before(entry.expiresAt) {
			delete(t.entries, k)
		}
	}
	t.entries[key] = idemEntry{fingerprint: fingerprint, expiresAt: now.Add(t.ttl)}
	return nil
}
