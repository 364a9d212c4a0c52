package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/gateway/internal/gateway"
	"github.com/agentgate/gateway/internal/metrics"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), fastRetryConfig(), metrics.New(), "serpapi", "search",
		func(context.Context) (map[string]interface{}, error) {
			calls++
			if calls < 3 {
				return nil, gateway.E(gateway.KindUpstream5xx, "upstream 500")
			}
			return map[string]interface{}{"ok": true}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, true, result["ok"])
}

func TestRetryStopsOnNonRetryableKind(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastRetryConfig(), metrics.New(), "serpapi", "search",
		func(context.Context) (map[string]interface{}, error) {
			calls++
			return nil, gateway.E(gateway.KindValidation, "bad params")
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "validation errors must not be retried")
	assert.Equal(t, gateway.KindValidation, gateway.KindOf(err))
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), fastRetryConfig(), metrics.New(), "serpapi", "search",
		func(context.Context) (map[string]interface{}, error) {
			calls++
			return nil, gateway.E(gateway.KindUpstreamTimeout, "deadline")
		})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, gateway.KindUpstreamTimeout, gateway.KindOf(err))
}

func TestRetryAbortsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, metrics.New(), "serpapi", "search",
		func(context.Context) (map[string]interface{}, error) {
			calls++
			cancel()
			return nil, gateway.E(gateway.KindNetwork, "connection reset")
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, gateway.KindCancelled, gateway.KindOf(err))
}
