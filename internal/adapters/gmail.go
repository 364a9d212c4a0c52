package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/agentgate/gateway/internal/gateway"
)

const gmailEndpoint = "https://gmail.googleapis.com/gmail/v1/users/me/messages/send"

// gmailSend delivers outbound mail. Send is a write, so it is never
// cacheable.
type gmailSend struct {
	baseAdapter
}

func newGmailSend(base baseAdapter) *gmailSend { return &gmailSend{baseAdapter: base} }

func (a *gmailSend) Tool() string          { return "gmail_send" }
func (a *gmailSend) NeedsCredential() bool { return true }

func (a *gmailSend) Actions() map[string]ActionSpec {
	return map[string]ActionSpec{
		"send": {
			Name: "send",
			Schema: []Field{
				{Name: "to", Type: TypeString, Required: true},
				{Name: "subject", Type: TypeString, Required: true},
				{Name: "text", Type: TypeString, Required: true},
			},
			Cacheable: false,
		},
	}
}

func (a *gmailSend) Invoke(ctx context.Context, action string, params map[string]interface{}, credential []byte) (map[string]interface{}, error) {
	if err := a.applyChaos(ctx, a.Tool()); err != nil {
		return nil, err
	}

	to, _ := params["to"].(string)
	if !strings.Contains(to, "@") {
		return nil, gateway.E(gateway.KindValidation, "recipient %q is not an email address", to)
	}

	if a.mode == ModeMock {
		return a.mockSend(ctx, params)
	}
	if err := requireCredential(a.Tool(), credential); err != nil {
		return nil, err
	}
	return a.liveSend(ctx, params, credential)
}

func (a *gmailSend) liveSend(ctx context.Context, params map[string]interface{}, credential []byte) (map[string]interface{}, error) {
	rfc822 := fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s",
		params["to"], params["subject"], params["text"])
	payload, err := json.Marshal(map[string]string{
		"raw": base64.URLEncoding.EncodeToString([]byte(rfc822)),
	})
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, err, "failed to encode message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gmailEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, gateway.Wrap(gateway.KindInternal, err, "failed to build send request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+string(credential))

	_, body, err := a.doRequest(req)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, gateway.Wrap(gateway.KindUpstream5xx, err, "send response is not JSON")
	}
	return result, nil
}

func (a *gmailSend) mockSend(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	if err := mockLatency(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"message_id": "mock-" + uuid.New().String(),
		"to":         params["to"],
		"subject":    params["subject"],
		"accepted":   true,
	}, nil
}
