package adapters

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/agentgate/gateway/internal/gateway"
)

// httpFetch performs plain GETs on behalf of agents. Domain guards are
// enforced upstream by the policy engine; the adapter only fetches.
type httpFetch struct {
	baseAdapter
}

func newHTTPFetch(base baseAdapter) *httpFetch { return &httpFetch{baseAdapter: base} }

func (a *httpFetch) Tool() string          { return "http_fetch" }
func (a *httpFetch) NeedsCredential() bool { return false }

func (a *httpFetch) Actions() map[string]ActionSpec {
	return map[string]ActionSpec{
		"get": {
			Name: "get",
			Schema: []Field{
				{Name: "url", Type: TypeString, Required: true},
				{Name: "headers", Type: TypeObject},
			},
			Cacheable: true,
		},
	}
}

func (a *httpFetch) Invoke(ctx context.Context, action string, params map[string]interface{}, _ []byte) (map[string]interface{}, error) {
	if err := a.applyChaos(ctx, a.Tool()); err != nil {
		return nil, err
	}

	rawURL, _ := params["url"].(string)
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, gateway.E(gateway.KindValidation, "url %q is not an absolute URL", rawURL)
	}

	if a.mode == ModeMock {
		return a.mockGet(ctx, parsed)
	}
	return a.liveGet(ctx, rawURL, params)
}

func (a *httpFetch) liveGet(ctx context.Context, rawURL string, params map[string]interface{}) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, err, "failed to build fetch request")
	}
	if headers, ok := params["headers"].(map[string]interface{}); ok {
		for name, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(name, s)
			}
		}
	}

	status, body, err := a.doRequest(req)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status": status,
		"body":   string(body),
		"length": len(body),
	}, nil
}

func (a *httpFetch) mockGet(ctx context.Context, parsed *url.URL) (map[string]interface{}, error) {
	if err := mockLatency(ctx); err != nil {
		return nil, err
	}
	body := fmt.Sprintf("<html><body>mock content for %s</body></html>", parsed.Host)
	return map[string]interface{}{
		"status": 200,
		"body":   body,
		"length": len(body),
	}, nil
}
