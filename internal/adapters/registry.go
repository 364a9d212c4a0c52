// Package adapters exposes the upstream tools behind one uniform
// contract: invoke(action, params, credential) -> result. Each adapter
// declares its actions, per-action parameter schemas, cacheability, and
// whether it needs an active credential. Every adapter runs in mock or
// live mode, chosen by process configuration, and consults the chaos
// injector before doing real work.
package adapters

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/agentgate/gateway/internal/chaos"
	"github.com/agentgate/gateway/internal/gateway"
)

// Mode selects the upstream behavior.
type Mode string

const (
	ModeMock Mode = "mock"
	ModeLive Mode = "live"
)

// FieldType is the accepted JSON type of one parameter.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeObject FieldType = "object"
	TypeArray  FieldType = "array"
)

// Field is one entry of a per-action parameter schema.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
}

// ActionSpec declares one action an adapter supports.
type ActionSpec struct {
	Name      string
	Schema    []Field
	Cacheable bool
}

// Adapter is the uniform upstream contract.
type Adapter interface {
	Tool() string
	Actions() map[string]ActionSpec
	NeedsCredential() bool
	Invoke(ctx context.Context, action string, params map[string]interface{}, credential []byte) (map[string]interface{}, error)
}

// ValidateParams checks params against an action's schema.
func ValidateParams(spec ActionSpec, params map[string]interface{}) error {
	for _, field := range spec.Schema {
		value, present := params[field.Name]
		if !present {
			if field.Required {
				return gateway.E(gateway.KindValidation, "missing required parameter %q", field.Name)
			}
			continue
		}
		if !typeMatches(field.Type, value) {
			return gateway.E(gateway.KindValidation, "parameter %q must be a %s", field.Name, field.Type)
		}
	}
	return nil
}

func typeMatches(t FieldType, v interface{}) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeNumber:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeObject:
		_, ok := v.(map[string]interface{})
		return ok
	case TypeArray:
		_, ok := v.([]interface{})
		return ok
	}
	return false
}

// Registry is the static tool→adapter table built at startup.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds the standard four-tool registry.
func NewRegistry(mode Mode, injector *chaos.Injector) *Registry {
	base := baseAdapter{mode: mode, injector: injector, client: &http.Client{}}
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range []Adapter{
		newSerpAPI(base),
		newHTTPFetch(base),
		newOpenAI(base),
		newGmailSend(base),
	} {
		r.adapters[a.Tool()] = a
	}
	return r
}

// Get returns the adapter for a tool.
func (r *Registry) Get(tool string) (Adapter, error) {
	a, ok := r.adapters[tool]
	if !ok {
		return nil, gateway.E(gateway.KindBadRequest, "unknown tool %q", tool)
	}
	return a, nil
}

// Action resolves and validates (tool, action), returning its spec.
func (r *Registry) Action(tool, action string) (Adapter, ActionSpec, error) {
	a, err := r.Get(tool)
	if err != nil {
		return nil, ActionSpec{}, err
	}
	spec, ok := a.Actions()[action]
	if !ok {
		return nil, ActionSpec{}, gateway.E(gateway.KindBadRequest, "tool %q does not support action %q", tool, action)
	}
	return a, spec, nil
}

// Tools lists the registered tool names, sorted.
func (r *Registry) Tools() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ============================================================================
// SHARED ADAPTER PLUMBING
// ============================================================================

type baseAdapter struct {
	mode     Mode
	injector *chaos.Injector
	client   *http.Client
}

// applyChaos samples the injector and applies any scheduled fault.
// Returning a non-nil error aborts the invocation.
func (b baseAdapter) applyChaos(ctx context.Context, tool string) error {
	if b.injector == nil {
		return nil
	}
	mode, hit := b.injector.Sample(tool)
	if !hit {
		return nil
	}
	return b.injector.Apply(ctx, tool, mode)
}

// doRequest runs one live HTTP exchange under the caller's deadline and
// maps transport failures onto the error taxonomy.
func (b baseAdapter) doRequest(req *http.Request) (int, []byte, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, nil, mapTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, gateway.Wrap(gateway.KindNetwork, err, "failed to read upstream response")
	}
	if resp.StatusCode >= 500 {
		return resp.StatusCode, body, gateway.E(gateway.KindUpstream5xx, "upstream returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, body, gateway.E(gateway.KindBadRequest, "upstream rejected request with %d", resp.StatusCode)
	}
	return resp.StatusCode, body, nil
}

func mapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return gateway.Wrap(gateway.KindUpstreamTimeout, err, "upstream deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return gateway.Wrap(gateway.KindCancelled, err, "upstream call cancelled")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gateway.Wrap(gateway.KindUpstreamTimeout, err, "upstream deadline exceeded")
	}
	return gateway.Wrap(gateway.KindNetwork, err, "upstream connection failed")
}

// mockLatency gives mock responses a small deterministic-feeling delay
// without slowing tests meaningfully.
func mockLatency(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return gateway.Wrap(gateway.KindUpstreamTimeout, ctx.Err(), "mock deadline exceeded")
	case <-time.After(time.Millisecond):
		return nil
	}
}

func requireCredential(tool string, credential []byte) error {
	if len(credential) == 0 {
		return gateway.E(gateway.KindCredNotFound, "no credential supplied for tool %s", tool)
	}
	return nil
}
