// Package chaos holds the per-tool fault schedule adapters consult
// before doing real work. It exists for staging and the test harness;
// production configuration locks it out entirely.
package chaos

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/agentgate/gateway/internal/gateway"
	"github.com/agentgate/gateway/internal/metrics"
)

// Mode is the kind of fault to inject.
type Mode string

const (
	ModeTimeout Mode = "timeout" // sleep past the request deadline
	ModeError   Mode = "500"     // synthetic upstream 5xx
	ModeJitter  Mode = "jitter"  // sleep U[1s,6s], then proceed
)

// Schedule is one tool's fault configuration.
type Schedule struct {
	Mode Mode    `json:"mode"`
	Pct  float64 `json:"pct"` // 0..100
}

// Injector is a process-local tool→schedule map. Mutation is rejected
// in production mode.
type Injector struct {
	mu         sync.RWMutex
	schedules  map[string]Schedule
	production bool
	metrics    *metrics.Metrics
	logger     *log.Logger
	randFn     func() float64

	jitterMin time.Duration
	jitterMax time.Duration
}

// NewInjector creates an injector. production locks Set and Clear.
func NewInjector(production bool, m *metrics.Metrics) *Injector {
	return &Injector{
		schedules:  make(map[string]Schedule),
		production: production,
		metrics:    m,
		logger:     log.New(log.Writer(), "[Chaos] ", log.LstdFlags),
		randFn:     rand.Float64,
		jitterMin:  time.Second,
		jitterMax:  6 * time.Second,
	}
}

// Set installs a fault schedule for a tool.
func (i *Injector) Set(tool string, schedule Schedule) error {
	if i.production {
		return gateway.E(gateway.KindValidation, "chaos injection is disabled in production")
	}
	switch schedule.Mode {
	case ModeTimeout, ModeError, ModeJitter:
	default:
		return gateway.E(gateway.KindValidation, "unknown chaos mode %q", schedule.Mode)
	}
	if schedule.Pct <= 0 || schedule.Pct > 100 {
		return gateway.E(gateway.KindValidation, "chaos pct must be in (0,100], got %v", schedule.Pct)
	}

	i.mu.Lock()
	i.schedules[tool] = schedule
	i.mu.Unlock()
	i.logger.Printf("schedule set: tool=%s mode=%s pct=%.1f", tool, schedule.Mode, schedule.Pct)
	return nil
}

// Clear removes a tool's schedule.
func (i *Injector) Clear(tool string) error {
	if i.production {
		return gateway.E(gateway.KindValidation, "chaos injection is disabled in production")
	}
	i.mu.Lock()
	_, existed := i.schedules[tool]
	delete(i.schedules, tool)
	i.mu.Unlock()

	if existed && i.metrics != nil {
		i.metrics.ChaosClearings.WithLabelValues(tool).Inc()
	}
	i.logger.Printf("schedule cleared: tool=%s", tool)
	return nil
}

// List snapshots the current schedules.
func (i *Injector) List() map[string]Schedule {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]Schedule, len(i.schedules))
	for tool, s := range i.schedules {
		out[tool] = s
	}
	return out
}

// Sample rolls the dice for a tool. A non-empty Mode means the adapter
// must apply the fault before real work.
func (i *Injector) Sample(tool string) (Mode, bool) {
	i.mu.RLock()
	schedule, ok := i.schedules[tool]
	i.mu.RUnlock()
	if !ok {
		return "", false
	}
	if i.randFn()*100 >= schedule.Pct {
		return "", false
	}
	if i.metrics != nil {
		i.metrics.ChaosInjections.WithLabelValues(tool, string(schedule.Mode)).Inc()
	}
	return schedule.Mode, true
}

// Apply executes a sampled fault. ModeError returns the synthetic
// upstream failure; the sleep modes honor ctx cancellation. For
// ModeTimeout the sleep runs until the deadline fires, so the caller's
// timeout path is what actually surfaces.
func (i *Injector) Apply(ctx context.Context, tool string, mode Mode) error {
	switch mode {
	case ModeError:
		return gateway.E(gateway.KindUpstream5xx, "chaos: synthetic upstream failure for %s", tool)
	case ModeTimeout:
		select {
		case <-ctx.Done():
			return gateway.Wrap(gateway.KindUpstreamTimeout, ctx.Err(), "chaos: injected timeout")
		case <-time.After(10 * time.Minute):
			return gateway.E(gateway.KindUpstreamTimeout, "chaos: injected timeout for %s", tool)
		}
	case ModeJitter:
		delay := i.jitterMin + time.Duration(i.randFn()*float64(i.jitterMax-i.jitterMin))
		select {
		case <-ctx.Done():
			return gateway.Wrap(gateway.KindCancelled, ctx.Err(), "chaos: jitter interrupted")
		case <-time.After(delay):
			return nil
		}
	}
	return nil
}
