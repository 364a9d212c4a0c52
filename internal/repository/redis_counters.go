// Redis-backed quota counters for multi-replica deployments.
//
// A single gateway process keeps breaker, cache, and quota state local.
// When several replicas sit behind one load balancer, per-policy quota
// admission must be shared or each replica would grant the full limit.
// RedisQuotaStore backs only the QuotaStore seam; the rest of the Store
// stays on whatever primary backing is configured.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// quotaScript performs the increment-with-bound atomically server-side:
// KEYS[1] counter key, ARGV[1] limit, ARGV[2] expiry at window end (unix
// seconds). Returns {allowed, current}.
var quotaScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
  return {0, current}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('EXPIREAT', KEYS[1], tonumber(ARGV[2]))
end
return {1, current}
`)

// RedisQuotaStore implements QuotaStore on a shared Redis.
type RedisQuotaStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisQuotaStore creates a quota store namespaced under keyPrefix.
func NewRedisQuotaStore(client *redis.Client, keyPrefix string) *RedisQuotaStore {
	if keyPrefix == "" {
		keyPrefix = "gateway:quota:"
	}
	return &RedisQuotaStore{client: client, keyPrefix: keyPrefix}
}

var _ QuotaStore = (*RedisQuotaStore)(nil)

func (s *RedisQuotaStore) IncrementQuota(ctx context.Context, policyID, quotaKey string, limit int, window time.Duration, now time.Time) (QuotaDecision, error) {
	resetAt := AlignReset(now, window)
	// Key includes the window start so a counter never outlives its window
	// even if EXPIREAT is lost.
	key := fmt.Sprintf("%s%s|%s|%d", s.keyPrefix, policyID, quotaKey, resetAt.Add(-window).Unix())

	res, err := quotaScript.Run(ctx, s.client, []string{key}, limit, resetAt.Unix()).Slice()
	if err != nil {
		return QuotaDecision{}, fmt.Errorf("quota increment failed: %w", err)
	}
	if len(res) != 2 {
		return QuotaDecision{}, fmt.Errorf("unexpected quota script reply: %v", res)
	}

	allowed, _ := res[0].(int64)
	current, _ := res[1].(int64)
	return QuotaDecision{
		Allowed: allowed == 1,
		Current: int(current),
		Limit:   limit,
		ResetAt: resetAt,
	}, nil
}

// WithQuotaStore overlays a Store's quota seam with a shared backing.
type storeWithQuota struct {
	Store
	quota QuotaStore
}

// WithQuotaStore returns base with its IncrementQuota routed to quota.
func WithQuotaStore(base Store, quota QuotaStore) Store {
	return &storeWithQuota{Store: base, quota: quota}
}

func (s *storeWithQuota) IncrementQuota(ctx context.Context, policyID, quotaKey string, limit int, window time.Duration, now time.Time) (QuotaDecision, error) {
	return s.quota.IncrementQuota(ctx, policyID, quotaKey, limit, window, now)
}
