package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/agentgate/gateway/internal/cryptoutil"
	"github.com/agentgate/gateway/internal/gateway"
)

const serpAPIEndpoint = "https://serpapi.com/search"

// serpAPI brokers web search through SerpAPI. Results are idempotent
// per query, so the search action is cacheable.
type serpAPI struct {
	baseAdapter
}

func newSerpAPI(base baseAdapter) *serpAPI { return &serpAPI{baseAdapter: base} }

func (a *serpAPI) Tool() string          { return "serpapi" }
func (a *serpAPI) NeedsCredential() bool { return true }

func (a *serpAPI) Actions() map[string]ActionSpec {
	return map[string]ActionSpec{
		"search": {
			Name: "search",
			Schema: []Field{
				{Name: "q", Type: TypeString, Required: true},
				{Name: "engine", Type: TypeString},
				{Name: "num", Type: TypeNumber},
			},
			Cacheable: true,
		},
	}
}

func (a *serpAPI) Invoke(ctx context.Context, action string, params map[string]interface{}, credential []byte) (map[string]interface{}, error) {
	if err := a.applyChaos(ctx, a.Tool()); err != nil {
		return nil, err
	}
	if a.mode == ModeMock {
		return a.mockSearch(ctx, params)
	}
	if err := requireCredential(a.Tool(), credential); err != nil {
		return nil, err
	}
	return a.liveSearch(ctx, params, credential)
}

func (a *serpAPI) liveSearch(ctx context.Context, params map[string]interface{}, credential []byte) (map[string]interface{}, error) {
	query := url.Values{}
	query.Set("q", params["q"].(string))
	query.Set("api_key", string(credential))
	if engine, ok := params["engine"].(string); ok {
		query.Set("engine", engine)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serpAPIEndpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, err, "failed to build search request")
	}
	_, body, err := a.doRequest(req)
	if err != nil {
		return nil, err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, gateway.Wrap(gateway.KindUpstream5xx, err, "search response is not JSON")
	}
	return result, nil
}

// mockSearch returns a deterministic result derived from the query so
// cache tests can compare payloads byte-for-byte.
func (a *serpAPI) mockSearch(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	if err := mockLatency(ctx); err != nil {
		return nil, err
	}
	q, _ := params["q"].(string)
	seed := cryptoutil.Sha256Hex([]byte(q))[:8]
	return map[string]interface{}{
		"query": q,
		"results": []interface{}{
			map[string]interface{}{
				"title":   fmt.Sprintf("Result 1 for %s", q),
				"link":    fmt.Sprintf("https://example.com/%s/1", seed),
				"snippet": fmt.Sprintf("Synthetic snippet for query %q.", q),
			},
			map[string]interface{}{
				"title":   fmt.Sprintf("Result 2 for %s", q),
				"link":    fmt.Sprintf("https://example.com/%s/2", seed),
				"snippet": "Second synthetic result.",
			},
		},
		"total_results": 2,
	}, nil
}
