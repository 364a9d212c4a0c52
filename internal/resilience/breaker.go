// Package resilience wraps upstream adapter calls with the protective
// layers applied, in order, around every invocation: response cache,
// per-tool circuit breaker, bounded retry with jitter, and the
// per-agent rate limiter used at admission.
package resilience

import (
	"log"
	"sync"
	"time"

	"github.com/agentgate/gateway/internal/gateway"
	"github.com/agentgate/gateway/internal/metrics"
)

// BreakerState is the three-state breaker position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	case BreakerOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig tunes one tool's breaker.
type BreakerConfig struct {
	Tool             string
	FailureThreshold int           // failures within Window that trip the breaker
	Window           time.Duration // rolling failure-count window while closed
	Cooldown         time.Duration // open duration before probing
	ProbeSuccesses   int           // consecutive half-open successes to close
}

// DefaultBreakerConfig matches the gateway defaults: 5 failures / 30s,
// 15s cooldown, 2 probe successes.
func DefaultBreakerConfig(tool string) BreakerConfig {
	return BreakerConfig{
		Tool:             tool,
		FailureThreshold: 5,
		Window:           30 * time.Second,
		Cooldown:         15 * time.Second,
		ProbeSuccesses:   2,
	}
}

type breakerCounts struct {
	requests             int
	failures             int
	consecutiveSuccesses int
}

func (c *breakerCounts) clear() { *c = breakerCounts{} }

// Breaker is a per-tool three-state circuit breaker. Counts belong to a
// generation; a generation starts on every state change and, while
// closed, on every window rollover, so results from before a transition
// never pollute the new state.
type Breaker struct {
	cfg     BreakerConfig
	metrics *metrics.Metrics
	logger  *log.Logger

	mu         sync.Mutex
	state      BreakerState
	generation uint64
	counts     breakerCounts
	expiry     time.Time

	nowFn func() time.Time
}

// NewBreaker creates a closed breaker for one tool.
func NewBreaker(cfg BreakerConfig, m *metrics.Metrics) *Breaker {
	b := &Breaker{
		cfg:     cfg,
		metrics: m,
		logger:  log.New(log.Writer(), "[Breaker] ", log.LstdFlags),
		nowFn:   time.Now,
	}
	b.toNewGeneration(b.nowFn())
	if m != nil {
		m.BreakerState.WithLabelValues(cfg.Tool).Set(metrics.BreakerClosedState)
	}
	return b
}

// State reports the current state, applying any due open→half_open
// transition first.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(b.nowFn())
	return state
}

// Allow admits or fast-fails a request. On admission it returns the
// generation token that must be passed to Record.
func (b *Breaker) Allow() (uint64, *gateway.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, generation := b.currentState(b.nowFn())
	if state == BreakerOpen {
		if b.metrics != nil {
			b.metrics.BreakerFastfail.WithLabelValues(b.cfg.Tool).Inc()
		}
		return generation, gateway.E(gateway.KindBreakerOpen, "circuit breaker open for tool %s", b.cfg.Tool)
	}
	if state == BreakerHalfOpen && b.counts.requests >= b.cfg.ProbeSuccesses {
		if b.metrics != nil {
			b.metrics.BreakerFastfail.WithLabelValues(b.cfg.Tool).Inc()
		}
		return generation, gateway.E(gateway.KindBreakerOpen, "circuit breaker probing for tool %s", b.cfg.Tool)
	}
	b.counts.requests++
	return generation, nil
}

// Record reports the outcome of an admitted request. Results from a
// previous generation are dropped.
func (b *Breaker) Record(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	state, current := b.currentState(now)
	if generation != current {
		return
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state BreakerState, now time.Time) {
	switch state {
	case BreakerClosed:
		b.counts.consecutiveSuccesses++
	case BreakerHalfOpen:
		b.counts.consecutiveSuccesses++
		if b.counts.consecutiveSuccesses >= b.cfg.ProbeSuccesses {
			b.setState(BreakerClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state BreakerState, now time.Time) {
	switch state {
	case BreakerClosed:
		b.counts.failures++
		if b.counts.failures >= b.cfg.FailureThreshold {
			b.setState(BreakerOpen, now)
		}
	case BreakerHalfOpen:
		// Any half-open failure reopens immediately.
		b.setState(BreakerOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (BreakerState, uint64) {
	switch b.state {
	case BreakerClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case BreakerOpen:
		if b.expiry.Before(now) {
			b.setState(BreakerHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state BreakerState, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.toNewGeneration(now)

	b.logger.Printf("tool %s: %s -> %s", b.cfg.Tool, prev, state)
	if b.metrics != nil {
		var gauge float64
		switch state {
		case BreakerHalfOpen:
			gauge = metrics.BreakerHalfOpenState
		case BreakerOpen:
			gauge = metrics.BreakerOpenState
		default:
			gauge = metrics.BreakerClosedState
		}
		b.metrics.BreakerState.WithLabelValues(b.cfg.Tool).Set(gauge)
	}
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts.clear()

	switch b.state {
	case BreakerClosed:
		if b.cfg.Window > 0 {
			b.expiry = now.Add(b.cfg.Window)
		} else {
			b.expiry = time.Time{}
		}
	case BreakerOpen:
		b.expiry = now.Add(b.cfg.Cooldown)
	default:
		b.expiry = time.Time{}
	}
}

// BreakerSet holds one breaker per tool, creating on first use.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	metrics  *metrics.Metrics
	cfgFn    func(tool string) BreakerConfig
}

// NewBreakerSet creates a set whose per-tool configs come from cfgFn.
// A nil cfgFn uses DefaultBreakerConfig.
func NewBreakerSet(cfgFn func(tool string) BreakerConfig, m *metrics.Metrics) *BreakerSet {
	if cfgFn == nil {
		cfgFn = DefaultBreakerConfig
	}
	return &BreakerSet{
		breakers: make(map[string]*Breaker),
		metrics:  m,
		cfgFn:    cfgFn,
	}
}

// Get returns the breaker for a tool, creating it if needed.
func (s *BreakerSet) Get(tool string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[tool]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[tool]; ok {
		return b
	}
	b = NewBreaker(s.cfgFn(tool), s.metrics)
	s.breakers[tool] = b
	return b
}

// States snapshots every breaker's state, keyed by tool.
func (s *BreakerSet) States() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.breakers))
	for tool, b := range s.breakers {
		out[tool] = b.State().String()
	}
	return out
}
