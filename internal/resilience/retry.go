package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/agentgate/gateway/internal/gateway"
	"github.com/agentgate/gateway/internal/metrics"
)

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig is 3 attempts with full-jitter backoff between
// 100ms base and a 2s cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Retry runs fn up to MaxAttempts times, sleeping between attempts with
// full jitter: delay = rand[0,1) * min(cap, base * 2^attempt). Only
// error kinds the taxonomy marks retryable are retried; everything else
// returns immediately. Context cancellation aborts backoff sleeps.
func Retry(ctx context.Context, cfg RetryConfig, m *metrics.Metrics, tool, action string, fn func(context.Context) (map[string]interface{}, error)) (map[string]interface{}, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if m != nil {
				m.RetriesTotal.WithLabelValues(tool, action, string(gateway.KindOf(lastErr))).Inc()
			}
			select {
			case <-ctx.Done():
				return nil, gateway.Wrap(gateway.KindCancelled, ctx.Err(), "retry aborted")
			case <-time.After(backoffDelay(cfg, attempt-1)):
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !gateway.KindOf(err).Retryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, gateway.Wrap(gateway.KindCancelled, ctx.Err(), "retry aborted")
		}
	}
	return nil, lastErr
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << uint(attempt)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	return time.Duration(rand.Float64() * float64(delay))
}
