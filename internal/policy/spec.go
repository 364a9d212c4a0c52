// Package policy loads, merges, and evaluates the declarative policy
// documents that decide whether an (agent, tool, action, params)
// request may proceed.
package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentgate/gateway/internal/cryptoutil"
)

// Quota windows accepted in a spec.
var windowDurations = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
}

// Spec is the declarative permission document bound to an agent or role.
type Spec struct {
	Scopes          []string         `json:"scopes"`
	Intent          string           `json:"intent,omitempty"`
	Guards          *Guards          `json:"guards,omitempty"`
	Quotas          []Quota          `json:"quotas,omitempty"`
	Schedule        *Schedule        `json:"schedule,omitempty"`
	ResponseFilters *ResponseFilters `json:"response_filters,omitempty"`
}

// Guards are the request-shape constraints checked after scope/intent.
type Guards struct {
	MaxRequestSize int      `json:"max_request_size,omitempty"`
	AllowedDomains []string `json:"allowed_domains,omitempty"`
	BlockedDomains []string `json:"blocked_domains,omitempty"`
	PIIFilters     []string `json:"pii_filters,omitempty"`
	// TimeWindow compares local wall-clock HH:MM lexicographically.
	// Windows crossing midnight (start > end) never match.
	TimeWindow *TimeWindow `json:"time_window,omitempty"`
}

type TimeWindow struct {
	Start    string `json:"start"` // "HH:MM"
	End      string `json:"end"`
	Timezone string `json:"timezone,omitempty"` // IANA name
}

// Quota bounds admissions of one "tool:action" within a rolling window.
type Quota struct {
	Action string `json:"action"` // "tool:action"
	Window string `json:"window"` // 1h | 24h | 7d
	Limit  int    `json:"limit"`
}

// Key returns the quota counter key "tool:action|window".
func (q Quota) Key() string { return q.Action + "|" + q.Window }

// WindowDuration resolves the window name; unknown windows error.
func (q Quota) WindowDuration() (time.Duration, error) {
	d, ok := windowDurations[q.Window]
	if !ok {
		return 0, fmt.Errorf("unknown quota window %q", q.Window)
	}
	return d, nil
}

// Schedule restricts requests to weekdays/hours when enabled.
type Schedule struct {
	Enabled      bool  `json:"enabled"`
	AllowedDays  []int `json:"allowed_days"` // 0=Sunday .. 6=Saturday
	AllowedHours Hours `json:"allowed_hours"`
}

type Hours struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ResponseFilters are applied to successful adapter results.
type ResponseFilters struct {
	RedactFields   []string       `json:"redact_fields,omitempty"`
	TruncateFields []TruncateRule `json:"truncate_fields,omitempty"`
	BlockPatterns  []string       `json:"block_patterns,omitempty"`
}

type TruncateRule struct {
	Field     string `json:"field"`
	MaxLength int    `json:"max_length"`
}

// Validate rejects specs the engine cannot evaluate.
func (s *Spec) Validate() error {
	for _, q := range s.Quotas {
		if q.Limit <= 0 {
			return fmt.Errorf("quota for %q must have a positive limit", q.Action)
		}
		if _, err := q.WindowDuration(); err != nil {
			return err
		}
	}
	if s.Schedule != nil {
		for _, d := range s.Schedule.AllowedDays {
			if d < 0 || d > 6 {
				return fmt.Errorf("schedule day %d out of range 0..6", d)
			}
		}
	}
	return nil
}

// ParseSpec decodes a serialized spec.
func ParseSpec(raw string) (*Spec, error) {
	var spec Spec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, fmt.Errorf("failed to parse policy spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// SpecHash computes the content address of a spec: SHA-256 over its
// canonical JSON, so key order never changes the hash.
func SpecHash(s *Spec) (string, error) {
	return cryptoutil.CanonicalHash(s)
}

// DefaultDenySpec is the merged result for an agent with no bound
// policies: empty scopes deny every request.
func DefaultDenySpec() *Spec {
	return &Spec{Scopes: []string{}, Intent: "default_deny"}
}

// ============================================================================
// MERGE — role policies first, agent policies last (agent overrides role)
// ============================================================================

// BoundQuota ties a quota to the policy record it came from so counters
// stay per-policy after merging.
type BoundQuota struct {
	PolicyID string
	Quota    Quota
}

// Merged is the composition of every policy bound to an agent.
type Merged struct {
	Spec   Spec
	Quotas []BoundQuota
}

type boundSpec struct {
	policyID string
	spec     *Spec
}

// merge folds specs in order. Sets union, intent last-non-empty wins,
// time_window and schedule last-non-nil win, quotas concatenate,
// truncate rules append.
func merge(specs []boundSpec) *Merged {
	out := &Merged{}
	scopeSet := newStringSet()
	allowed := newStringSet()
	blocked := newStringSet()
	pii := newStringSet()
	redact := newStringSet()
	blockPat := newStringSet()
	var truncate []TruncateRule
	var timeWindow *TimeWindow
	var schedule *Schedule
	var maxSize int

	for _, bs := range specs {
		s := bs.spec
		scopeSet.addAll(s.Scopes)
		if s.Intent != "" {
			out.Spec.Intent = s.Intent
		}
		if g := s.Guards; g != nil {
			allowed.addAll(g.AllowedDomains)
			blocked.addAll(g.BlockedDomains)
			pii.addAll(g.PIIFilters)
			if g.TimeWindow != nil {
				timeWindow = g.TimeWindow
			}
			if g.MaxRequestSize > 0 {
				maxSize = g.MaxRequestSize
			}
		}
		if s.Schedule != nil {
			schedule = s.Schedule
		}
		for _, q := range s.Quotas {
			out.Quotas = append(out.Quotas, BoundQuota{PolicyID: bs.policyID, Quota: q})
		}
		if f := s.ResponseFilters; f != nil {
			redact.addAll(f.RedactFields)
			blockPat.addAll(f.BlockPatterns)
			truncate = append(truncate, f.TruncateFields...)
		}
	}

	out.Spec.Scopes = scopeSet.values()
	if maxSize > 0 || allowed.len() > 0 || blocked.len() > 0 || pii.len() > 0 || timeWindow != nil {
		out.Spec.Guards = &Guards{
			MaxRequestSize: maxSize,
			AllowedDomains: allowed.values(),
			BlockedDomains: blocked.values(),
			PIIFilters:     pii.values(),
			TimeWindow:     timeWindow,
		}
	}
	out.Spec.Schedule = schedule
	if redact.len() > 0 || blockPat.len() > 0 || len(truncate) > 0 {
		out.Spec.ResponseFilters = &ResponseFilters{
			RedactFields:   redact.values(),
			TruncateFields: truncate,
			BlockPatterns:  blockPat.values(),
		}
	}
	return out
}

// stringSet preserves insertion order so merged output is deterministic.
type stringSet struct {
	seen  map[string]struct{}
	order []string
}

func newStringSet() *stringSet { return &stringSet{seen: make(map[string]struct{})} }

func (s *stringSet) addAll(values []string) {
	for _, v := range values {
		if _, ok := s.seen[v]; ok {
			continue
		}
		s.seen[v] = struct{}{}
		s.order = append(s.order, v)
	}
}

func (s *stringSet) len() int         { return len(s.order) }
func (s *stringSet) values() []string { return s.order }
