package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/agentgate/gateway/internal/gateway"
	"github.com/agentgate/gateway/internal/metrics"
)

// RateLimitConfig tunes the per-agent token bucket.
type RateLimitConfig struct {
	Requests int           // bucket capacity
	Window   time.Duration // full-refill interval
}

// DefaultRateLimitConfig is 5 requests per 60 seconds.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Requests: 5, Window: 60 * time.Second}
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// RateLimiter admits requests per agent using token buckets that refill
// continuously at Requests/Window.
type RateLimiter struct {
	cfg     RateLimitConfig
	metrics *metrics.Metrics

	mu      sync.Mutex
	buckets map[string]*bucket
	nowFn   func() time.Time
}

// NewRateLimiter creates a limiter with the given per-agent budget.
func NewRateLimiter(cfg RateLimitConfig, m *metrics.Metrics) *RateLimiter {
	if cfg.Requests <= 0 {
		cfg = DefaultRateLimitConfig()
	}
	return &RateLimiter{
		cfg:     cfg,
		metrics: m,
		buckets: make(map[string]*bucket),
		nowFn:   time.Now,
	}
}

// Allow consumes one token from the agent's bucket. On denial it
// returns RATE_LIMITED carrying seconds until the next token.
func (rl *RateLimiter) Allow(agentID string) *gateway.Error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFn()
	b, ok := rl.buckets[agentID]
	if !ok {
		b = &bucket{tokens: float64(rl.cfg.Requests), lastSeen: now}
		rl.buckets[agentID] = b
	}

	refillRate := float64(rl.cfg.Requests) / rl.cfg.Window.Seconds()
	b.tokens += now.Sub(b.lastSeen).Seconds() * refillRate
	if b.tokens > float64(rl.cfg.Requests) {
		b.tokens = float64(rl.cfg.Requests)
	}
	b.lastSeen = now

	if b.tokens < 1 {
		if rl.metrics != nil {
			rl.metrics.RateLimited.WithLabelValues(agentID).Inc()
		}
		retryAfter := int((1 - b.tokens) / refillRate)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &gateway.Error{
			Kind:       gateway.KindRateLimited,
			Message:    "rate limit exceeded for agent " + agentID,
			RetryAfter: retryAfter,
		}
	}
	b.tokens--
	return nil
}

// RunCleanup drops buckets idle for longer than two windows, so the map
// does not grow with every agent ever seen. Runs until ctx ends.
func (rl *RateLimiter) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.nowFn().Add(-2 * rl.cfg.Window)
	for id, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, id)
		}
	}
}
