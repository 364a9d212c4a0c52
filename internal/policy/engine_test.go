package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/gateway/internal/gateway"
	"github.com/agentgate/gateway/internal/repository"
)

func testAgent() *repository.Agent {
	return &repository.Agent{
		ID:     "agent-1",
		Name:   "test-agent",
		Role:   "researcher",
		Status: repository.AgentActive,
	}
}

func mustSpecJSON(t *testing.T, spec *Spec) string {
	t.Helper()
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	return string(raw)
}

func bindPolicy(t *testing.T, store *repository.MemoryStore, id, agentID, role string, spec *Spec) {
	t.Helper()
	err := store.CreatePolicy(context.Background(), &repository.PolicyRecord{
		ID:       id,
		AgentID:  agentID,
		Role:     role,
		SpecJSON: mustSpecJSON(t, spec),
		Active:   true,
	})
	require.NoError(t, err)
}

func TestLoadMergedNoPoliciesDeniesAll(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := NewEngine(store, "UTC")

	merged, err := engine.LoadMerged(context.Background(), testAgent())
	require.NoError(t, err)
	assert.Empty(t, merged.Spec.Scopes)

	denial := engine.Evaluate(context.Background(), merged, &Request{
		Agent:  testAgent(),
		Tool:   "serpapi",
		Action: "search",
		Now:    time.Now(),
	})
	require.NotNil(t, denial)
	assert.Equal(t, ReasonScope, denial.Reason)
}

func TestLoadMergedAgentOverridesRole(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := NewEngine(store, "UTC")

	bindPolicy(t, store, "pol-role", "", "researcher", &Spec{
		Scopes: []string{"serpapi:search"},
		Intent: "research",
	})
	bindPolicy(t, store, "pol-agent", "agent-1", "", &Spec{
		Scopes: []string{"http_fetch:get"},
		Intent: "fetching",
	})

	merged, err := engine.LoadMerged(context.Background(), testAgent())
	require.NoError(t, err)

	// Scopes union; agent intent wins because agent policies fold last.
	assert.ElementsMatch(t, []string{"serpapi:search", "http_fetch:get"}, merged.Spec.Scopes)
	assert.Equal(t, "fetching", merged.Spec.Intent)
}

func TestEvaluateIntentMismatch(t *testing.T) {
	merged := &Merged{Spec: Spec{Scopes: []string{"serpapi:search"}, Intent: "research"}}
	engine := NewEngine(repository.NewMemoryStore(), "UTC")

	req := &Request{Agent: testAgent(), Tool: "serpapi", Action: "search", Now: time.Now()}

	// Empty caller intent passes; a differing one is denied.
	req.Intent = ""
	assert.Nil(t, engine.Evaluate(context.Background(), merged, req))

	req.Intent = "exfiltration"
	denial := engine.Evaluate(context.Background(), merged, req)
	require.NotNil(t, denial)
	assert.Equal(t, ReasonIntent, denial.Reason)
}

func TestEvaluateMaxRequestSize(t *testing.T) {
	merged := &Merged{Spec: Spec{
		Scopes: []string{"serpapi:search"},
		Guards: &Guards{MaxRequestSize: 32},
	}}
	engine := NewEngine(repository.NewMemoryStore(), "UTC")

	denial := engine.Evaluate(context.Background(), merged, &Request{
		Agent:  testAgent(),
		Tool:   "serpapi",
		Action: "search",
		Params: map[string]interface{}{"query": "a very long query that exceeds the size guard"},
		Now:    time.Now(),
	})
	require.NotNil(t, denial)
	assert.Equal(t, ReasonSize, denial.Reason)
}

func TestEvaluateDomainGuards(t *testing.T) {
	engine := NewEngine(repository.NewMemoryStore(), "UTC")
	merged := &Merged{Spec: Spec{
		Scopes: []string{"http_fetch:get"},
		Guards: &Guards{
			AllowedDomains: []string{"example.com"},
			BlockedDomains: []string{"evil.test"},
		},
	}}

	cases := []struct {
		name   string
		url    string
		reason string
	}{
		{"allowed exact", "https://example.com/page", ""},
		{"allowed subdomain", "https://docs.example.com/page", ""},
		{"blocked", "https://evil.test/x", ReasonDomainBlocked},
		{"blocked subdomain", "https://sub.evil.test/x", ReasonDomainBlocked},
		{"not in allowlist", "https://other.org/x", ReasonDomainNotAllowed},
		{"unparseable", "://nope", ReasonDomainBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			denial := engine.Evaluate(context.Background(), merged, &Request{
				Agent:  testAgent(),
				Tool:   "http_fetch",
				Action: "get",
				Params: map[string]interface{}{"url": tc.url},
				Now:    time.Now(),
			})
			if tc.reason == "" {
				assert.Nil(t, denial)
			} else {
				require.NotNil(t, denial)
				assert.Equal(t, tc.reason, denial.Reason)
			}
		})
	}
}

func TestEvaluateTimeWindow(t *testing.T) {
	engine := NewEngine(repository.NewMemoryStore(), "UTC")
	merged := &Merged{Spec: Spec{
		Scopes: []string{"serpapi:search"},
		Guards: &Guards{TimeWindow: &TimeWindow{Start: "09:00", End: "17:00", Timezone: "UTC"}},
	}}

	inside := time.Date(2026, 3, 2, 12, 30, 0, 0, time.UTC)
	outside := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

	req := &Request{Agent: testAgent(), Tool: "serpapi", Action: "search", Now: inside}
	assert.Nil(t, engine.Evaluate(context.Background(), merged, req))

	req.Now = outside
	denial := engine.Evaluate(context.Background(), merged, req)
	require.NotNil(t, denial)
	assert.Equal(t, ReasonTimeWindow, denial.Reason)
}

func TestEvaluateMidnightWindowAlwaysDenies(t *testing.T) {
	engine := NewEngine(repository.NewMemoryStore(), "UTC")
	merged := &Merged{Spec: Spec{
		Scopes: []string{"serpapi:search"},
		Guards: &Guards{TimeWindow: &TimeWindow{Start: "22:00", End: "06:00", Timezone: "UTC"}},
	}}

	for _, hour := range []int{0, 5, 12, 23} {
		now := time.Date(2026, 3, 2, hour, 0, 0, 0, time.UTC)
		denial := engine.Evaluate(context.Background(), merged, &Request{
			Agent: testAgent(), Tool: "serpapi", Action: "search", Now: now,
		})
		require.NotNil(t, denial, "hour %d", hour)
		assert.Equal(t, ReasonTimeWindow, denial.Reason)
	}
}

func TestEvaluateSchedule(t *testing.T) {
	engine := NewEngine(repository.NewMemoryStore(), "UTC")
	merged := &Merged{Spec: Spec{
		Scopes: []string{"serpapi:search"},
		Schedule: &Schedule{
			Enabled:      true,
			AllowedDays:  []int{1, 2, 3, 4, 5}, // weekdays
			AllowedHours: Hours{Start: 8, End: 18},
		},
	}}

	monday := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	sunday := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mondayLate := time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)

	req := &Request{Agent: testAgent(), Tool: "serpapi", Action: "search", Now: monday}
	assert.Nil(t, engine.Evaluate(context.Background(), merged, req))

	req.Now = sunday
	denial := engine.Evaluate(context.Background(), merged, req)
	require.NotNil(t, denial)
	assert.Equal(t, ReasonSchedule, denial.Reason)

	req.Now = mondayLate
	denial = engine.Evaluate(context.Background(), merged, req)
	require.NotNil(t, denial)
	assert.Equal(t, ReasonSchedule, denial.Reason)
}

func TestEvaluateScheduleInDefaultTimezone(t *testing.T) {
	engine := NewEngine(repository.NewMemoryStore(), "America/Toronto")
	merged := &Merged{Spec: Spec{
		Scopes: []string{"serpapi:search"},
		Schedule: &Schedule{
			Enabled:      true,
			AllowedHours: Hours{Start: 13, End: 13},
		},
	}}

	// 13:30 UTC on 2026-03-02 is 08:30 in Toronto (EST): denied even
	// though the UTC hour sits inside the allowed range.
	req := &Request{
		Agent: testAgent(), Tool: "serpapi", Action: "search",
		Now: time.Date(2026, 3, 2, 13, 30, 0, 0, time.UTC),
	}
	denial := engine.Evaluate(context.Background(), merged, req)
	require.NotNil(t, denial)
	assert.Equal(t, ReasonSchedule, denial.Reason)

	// 18:30 UTC is 13:30 in Toronto: allowed.
	req.Now = time.Date(2026, 3, 2, 18, 30, 0, 0, time.UTC)
	assert.Nil(t, engine.Evaluate(context.Background(), merged, req))
}

func TestEvaluateQuotaExhaustion(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := NewEngine(store, "UTC")

	merged := &Merged{
		Spec: Spec{Scopes: []string{"serpapi:search"}},
		Quotas: []BoundQuota{{
			PolicyID: "pol-1",
			Quota:    Quota{Action: "serpapi:search", Window: "1h", Limit: 3},
		}},
	}

	now := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	req := &Request{Agent: testAgent(), Tool: "serpapi", Action: "search", Now: now}

	for i := 0; i < 3; i++ {
		assert.Nil(t, engine.Evaluate(context.Background(), merged, req), "call %d", i+1)
	}

	denial := engine.Evaluate(context.Background(), merged, req)
	require.NotNil(t, denial)
	assert.Equal(t, gateway.KindQuotaExceeded, denial.Kind)
	assert.Equal(t, ReasonQuota, denial.Reason)
	assert.Equal(t, 3, denial.Details["current"])
	assert.Equal(t, 3, denial.Details["limit"])
	assert.Positive(t, denial.RetryAfter)

	// Exhausted counter holds at the limit, a fifth call reports the same.
	denial = engine.Evaluate(context.Background(), merged, req)
	require.NotNil(t, denial)
	assert.Equal(t, 3, denial.Details["current"])
}

func TestEvaluateQuotaResetAfterWindow(t *testing.T) {
	store := repository.NewMemoryStore()
	engine := NewEngine(store, "UTC")

	merged := &Merged{
		Spec: Spec{Scopes: []string{"serpapi:search"}},
		Quotas: []BoundQuota{{
			PolicyID: "pol-1",
			Quota:    Quota{Action: "serpapi:search", Window: "1h", Limit: 1},
		}},
	}

	now := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)
	req := &Request{Agent: testAgent(), Tool: "serpapi", Action: "search", Now: now}
	assert.Nil(t, engine.Evaluate(context.Background(), merged, req))
	require.NotNil(t, engine.Evaluate(context.Background(), merged, req))

	// Past the window boundary the counter resets.
	req.Now = time.Date(2026, 3, 2, 11, 0, 1, 0, time.UTC)
	assert.Nil(t, engine.Evaluate(context.Background(), merged, req))
}

func TestSpecHashStableUnderKeyOrder(t *testing.T) {
	a, err := ParseSpec(`{"scopes":["serpapi:search"],"intent":"research","quotas":[{"action":"serpapi:search","window":"1h","limit":5}]}`)
	require.NoError(t, err)
	b, err := ParseSpec(`{"quotas":[{"limit":5,"window":"1h","action":"serpapi:search"}],"intent":"research","scopes":["serpapi:search"]}`)
	require.NoError(t, err)

	hashA, err := SpecHash(a)
	require.NoError(t, err)
	hashB, err := SpecHash(b)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)
}

func TestParseSpecRejectsBadQuota(t *testing.T) {
	_, err := ParseSpec(`{"scopes":[],"quotas":[{"action":"a:b","window":"5m","limit":1}]}`)
	assert.Error(t, err)

	_, err = ParseSpec(`{"scopes":[],"quotas":[{"action":"a:b","window":"1h","limit":0}]}`)
	assert.Error(t, err)
}
