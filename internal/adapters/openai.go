package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/agentgate/gateway/internal/gateway"
)

const openAIEndpoint = "https://api.openai.com/v1/chat/completions"

// openAI brokers chat completions. Chat is deliberately non-cacheable:
// callers expect fresh generations even for identical prompts.
type openAI struct {
	baseAdapter
}

func newOpenAI(base baseAdapter) *openAI { return &openAI{baseAdapter: base} }

func (a *openAI) Tool() string          { return "openai" }
func (a *openAI) NeedsCredential() bool { return true }

func (a *openAI) Actions() map[string]ActionSpec {
	return map[string]ActionSpec{
		"chat": {
			Name: "chat",
			Schema: []Field{
				{Name: "messages", Type: TypeArray, Required: true},
				{Name: "model", Type: TypeString},
				{Name: "max_tokens", Type: TypeNumber},
			},
			Cacheable: false,
		},
	}
}

func (a *openAI) Invoke(ctx context.Context, action string, params map[string]interface{}, credential []byte) (map[string]interface{}, error) {
	if err := a.applyChaos(ctx, a.Tool()); err != nil {
		return nil, err
	}
	if a.mode == ModeMock {
		return a.mockChat(ctx, params)
	}
	if err := requireCredential(a.Tool(), credential); err != nil {
		return nil, err
	}
	return a.liveChat(ctx, params, credential)
}

func (a *openAI) liveChat(ctx context.Context, params map[string]interface{}, credential []byte) (map[string]interface{}, error) {
	payload := map[string]interface{}{
		"model":    "gpt-4o-mini",
		"messages": params["messages"],
	}
	if model, ok := params["model"].(string); ok && model != "" {
		payload["model"] = model
	}
	if maxTokens, ok := params["max_tokens"].(float64); ok {
		payload["max_tokens"] = int(maxTokens)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, err, "failed to encode chat request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIEndpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, err, "failed to build chat request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+string(credential))

	_, body, err := a.doRequest(req)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, gateway.Wrap(gateway.KindUpstream5xx, err, "chat response is not JSON")
	}
	return result, nil
}

func (a *openAI) mockChat(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	if err := mockLatency(ctx); err != nil {
		return nil, err
	}
	messages, _ := params["messages"].([]interface{})
	lastContent := ""
	if len(messages) > 0 {
		if m, ok := messages[len(messages)-1].(map[string]interface{}); ok {
			lastContent, _ = m["content"].(string)
		}
	}
	return map[string]interface{}{
		"id":    "chatcmpl-mock",
		"model": "mock-model",
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": fmt.Sprintf("Mock reply to: %s", lastContent),
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]interface{}{
			"prompt_tokens":     len(messages) * 8,
			"completion_tokens": 12,
		},
	}, nil
}
