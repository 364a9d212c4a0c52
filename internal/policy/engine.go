package policy

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/agentgate/gateway/internal/cryptoutil"
	"github.com/agentgate/gateway/internal/gateway"
	"github.com/agentgate/gateway/internal/repository"
)

// Denial reason kinds. These appear in policy_denials_total{kind} and
// in the audit entry's policy_decision field.
const (
	ReasonScope            = "SCOPE"
	ReasonIntent           = "INTENT"
	ReasonSize             = "SIZE"
	ReasonDomainBlocked    = "DOMAIN_BLOCKED"
	ReasonDomainNotAllowed = "DOMAIN_NOT_ALLOWED"
	ReasonTimeWindow       = "TIME_WINDOW"
	ReasonSchedule         = "SCHEDULE"
	ReasonQuota            = "QUOTA"
)

// Request is the policy engine's view of one invocation.
type Request struct {
	Agent  *repository.Agent
	Tool   string
	Action string
	Params map[string]interface{}
	Intent string // caller-declared, may be empty
	Now    time.Time
}

// Engine merges and evaluates policies. Quota admission goes through
// the store so the increment-with-bound stays transactional.
type Engine struct {
	store interface {
		repository.PolicyStore
		repository.QuotaStore
	}
	defaultTZ string
	logger    *log.Logger
}

// NewEngine creates a policy engine over the given store. defaultTZ is
// used for schedule checks and for time-window guards whose spec omits
// a timezone.
func NewEngine(store repository.Store, defaultTZ string) *Engine {
	return &Engine{
		store:     store,
		defaultTZ: defaultTZ,
		logger:    log.New(log.Writer(), "[Policy] ", log.LstdFlags),
	}
}

// LoadMerged loads and merges every active policy bound to the agent's
// id or role. Role policies fold first, agent policies last, so agent
// bindings override role bindings. No bound policies means deny-all.
func (e *Engine) LoadMerged(ctx context.Context, agent *repository.Agent) (*Merged, error) {
	records, err := e.store.ListPoliciesFor(ctx, agent.ID, agent.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	if len(records) == 0 {
		return &Merged{Spec: *DefaultDenySpec()}, nil
	}

	var roleSpecs, agentSpecs []boundSpec
	for _, rec := range records {
		spec, err := ParseSpec(rec.SpecJSON)
		if err != nil {
			// A malformed record must not silently widen permissions.
			return nil, fmt.Errorf("policy %s: %w", rec.ID, err)
		}
		bs := boundSpec{policyID: rec.ID, spec: spec}
		if rec.AgentID != "" {
			agentSpecs = append(agentSpecs, bs)
		} else {
			roleSpecs = append(roleSpecs, bs)
		}
	}

	return merge(append(roleSpecs, agentSpecs...)), nil
}

// Evaluate runs the admission checks in order: scope, intent, guards,
// schedule, quotas. The first failure wins. Quota increments happen
// inside this call and are not rolled back on later cancellation.
func (e *Engine) Evaluate(ctx context.Context, merged *Merged, req *Request) *gateway.Error {
	scope := req.Tool + ":" + req.Action

	// 1. Scope
	if !containsString(merged.Spec.Scopes, scope) {
		return gateway.Denied(ReasonScope, "Scope '%s' not allowed for agent %s", scope, req.Agent.ID)
	}

	// 2. Intent
	if merged.Spec.Intent != "" && req.Intent != "" && req.Intent != merged.Spec.Intent {
		return gateway.Denied(ReasonIntent, "intent %q does not match required intent", req.Intent)
	}

	// 3. Guards
	if err := e.checkGuards(merged.Spec.Guards, req); err != nil {
		return err
	}

	// 4. Schedule
	if err := e.checkSchedule(merged.Spec.Schedule, req.Now); err != nil {
		return err
	}

	// 5. Quotas — every matching quota must admit.
	for _, bq := range merged.Quotas {
		if bq.Quota.Action != scope {
			continue
		}
		window, err := bq.Quota.WindowDuration()
		if err != nil {
			return gateway.Wrap(gateway.KindInternal, err, "invalid quota window")
		}
		decision, err := e.store.IncrementQuota(ctx, bq.PolicyID, bq.Quota.Key(), bq.Quota.Limit, window, req.Now)
		if err != nil {
			return gateway.Wrap(gateway.KindInternal, err, "quota admission failed")
		}
		if !decision.Allowed {
			retryAfter := int(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			return &gateway.Error{
				Kind:       gateway.KindQuotaExceeded,
				Reason:     ReasonQuota,
				Message:    fmt.Sprintf("quota exhausted for %s (%d/%d)", scope, decision.Current, decision.Limit),
				RetryAfter: retryAfter,
				Details: map[string]interface{}{
					"current":  decision.Current,
					"limit":    decision.Limit,
					"reset_at": decision.ResetAt.UTC().Format(time.RFC3339),
				},
			}
		}
	}

	return nil
}

func (e *Engine) checkGuards(g *Guards, req *Request) *gateway.Error {
	if g == nil {
		return nil
	}

	if g.MaxRequestSize > 0 {
		canon, err := cryptoutil.CanonicalJSON(req.Params)
		if err != nil {
			return gateway.Wrap(gateway.KindInternal, err, "failed to canonicalize params")
		}
		if len(canon) > g.MaxRequestSize {
			return gateway.Denied(ReasonSize, "request size %d exceeds limit %d", len(canon), g.MaxRequestSize)
		}
	}

	if req.Tool == "http_fetch" && req.Action == "get" {
		if err := e.checkDomains(g, req); err != nil {
			return err
		}
	}

	if g.TimeWindow != nil {
		if err := e.checkTimeWindow(g.TimeWindow, req.Now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) checkDomains(g *Guards, req *Request) *gateway.Error {
	rawURL, _ := req.Params["url"].(string)
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return gateway.Denied(ReasonDomainBlocked, "url %q is not parseable", rawURL)
	}
	host := strings.ToLower(parsed.Hostname())

	for _, blocked := range g.BlockedDomains {
		if hostMatches(host, blocked) {
			return gateway.Denied(ReasonDomainBlocked, "domain %s is blocked", host)
		}
	}
	if len(g.AllowedDomains) > 0 {
		for _, allowed := range g.AllowedDomains {
			if hostMatches(host, allowed) {
				return nil
			}
		}
		return gateway.Denied(ReasonDomainNotAllowed, "domain %s is not in the allowed set", host)
	}
	return nil
}

// hostMatches accepts exact matches and subdomains of the rule.
func hostMatches(host, rule string) bool {
	rule = strings.ToLower(rule)
	return host == rule || strings.HasSuffix(host, "."+rule)
}

func (e *Engine) checkTimeWindow(tw *TimeWindow, now time.Time) *gateway.Error {
	tz := tw.Timezone
	if tz == "" {
		tz = e.defaultTZ
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return gateway.Wrap(gateway.KindInternal, err, "invalid guard timezone")
	}

	// Lexicographic HH:MM compare; a window with start > end never
	// matches and therefore always denies.
	hhmm := now.In(loc).Format("15:04")
	if hhmm < tw.Start || hhmm > tw.End {
		return gateway.Denied(ReasonTimeWindow, "time %s outside window %s-%s (%s)", hhmm, tw.Start, tw.End, tz)
	}
	return nil
}

func (e *Engine) checkSchedule(s *Schedule, now time.Time) *gateway.Error {
	if s == nil || !s.Enabled {
		return nil
	}
	loc, err := time.LoadLocation(e.defaultTZ)
	if err != nil {
		return gateway.Wrap(gateway.KindInternal, err, "invalid schedule timezone")
	}
	local := now.In(loc)
	day := int(local.Weekday())
	if len(s.AllowedDays) > 0 && !containsInt(s.AllowedDays, day) {
		return gateway.Denied(ReasonSchedule, "day %d not in allowed days", day)
	}
	hour := local.Hour()
	if hour < s.AllowedHours.Start || hour > s.AllowedHours.End {
		return gateway.Denied(ReasonSchedule, "hour %d outside allowed hours %d-%d", hour, s.AllowedHours.Start, s.AllowedHours.End)
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
