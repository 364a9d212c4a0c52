package adapters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/gateway/internal/chaos"
	"github.com/agentgate/gateway/internal/gateway"
	"github.com/agentgate/gateway/internal/metrics"
)

func mockRegistry() *Registry {
	return NewRegistry(ModeMock, chaos.NewInjector(false, metrics.New()))
}

func TestRegistryTools(t *testing.T) {
	r := mockRegistry()
	assert.Equal(t, []string{"gmail_send", "http_fetch", "openai", "serpapi"}, r.Tools())

	// An unknown tool or action is a bad request, not a parameter
	// validation failure.
	_, err := r.Get("nonexistent")
	require.Error(t, err)
	assert.Equal(t, gateway.KindBadRequest, gateway.KindOf(err))

	_, _, err = r.Action("serpapi", "delete")
	require.Error(t, err)
	assert.Equal(t, gateway.KindBadRequest, gateway.KindOf(err))
}

func TestValidateParams(t *testing.T) {
	r := mockRegistry()
	_, spec, err := r.Action("serpapi", "search")
	require.NoError(t, err)

	assert.NoError(t, ValidateParams(spec, map[string]interface{}{"q": "golang"}))
	assert.NoError(t, ValidateParams(spec, map[string]interface{}{"q": "golang", "num": float64(5)}))

	err = ValidateParams(spec, map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"q"`)

	err = ValidateParams(spec, map[string]interface{}{"q": 42})
	require.Error(t, err)
}

func TestCacheabilityFlags(t *testing.T) {
	r := mockRegistry()

	_, spec, err := r.Action("serpapi", "search")
	require.NoError(t, err)
	assert.True(t, spec.Cacheable)

	_, spec, err = r.Action("http_fetch", "get")
	require.NoError(t, err)
	assert.True(t, spec.Cacheable)

	_, spec, err = r.Action("openai", "chat")
	require.NoError(t, err)
	assert.False(t, spec.Cacheable)

	_, spec, err = r.Action("gmail_send", "send")
	require.NoError(t, err)
	assert.False(t, spec.Cacheable)
}

func TestMockSearchDeterministic(t *testing.T) {
	r := mockRegistry()
	a, _, err := r.Action("serpapi", "search")
	require.NoError(t, err)

	params := map[string]interface{}{"q": "golang"}
	first, err := a.Invoke(context.Background(), "search", params, nil)
	require.NoError(t, err)
	second, err := a.Invoke(context.Background(), "search", params, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "golang", first["query"])
}

func TestMockChatEchoesPrompt(t *testing.T) {
	r := mockRegistry()
	a, _, err := r.Action("openai", "chat")
	require.NoError(t, err)

	result, err := a.Invoke(context.Background(), "chat", map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "hello"},
		},
	}, nil)
	require.NoError(t, err)

	choices := result["choices"].([]interface{})
	message := choices[0].(map[string]interface{})["message"].(map[string]interface{})
	assert.Contains(t, message["content"], "hello")
}

func TestHTTPFetchRejectsRelativeURL(t *testing.T) {
	r := mockRegistry()
	a, _, err := r.Action("http_fetch", "get")
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), "get", map[string]interface{}{"url": "/relative"}, nil)
	require.Error(t, err)
	assert.Equal(t, gateway.KindValidation, gateway.KindOf(err))
}

func TestGmailRejectsBadRecipient(t *testing.T) {
	r := mockRegistry()
	a, _, err := r.Action("gmail_send", "send")
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), "send", map[string]interface{}{
		"to": "not-an-address", "subject": "s", "text": "t",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, gateway.KindValidation, gateway.KindOf(err))
}

func TestChaosErrorModeSurfacesAsUpstream5xx(t *testing.T) {
	m := metrics.New()
	injector := chaos.NewInjector(false, m)
	require.NoError(t, injector.Set("serpapi", chaos.Schedule{Mode: chaos.ModeError, Pct: 100}))

	r := NewRegistry(ModeMock, injector)
	a, _, err := r.Action("serpapi", "search")
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), "search", map[string]interface{}{"q": "x"}, nil)
	require.Error(t, err)
	assert.Equal(t, gateway.KindUpstream5xx, gateway.KindOf(err))
}
