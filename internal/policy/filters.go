package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ApplyFilters runs the merged response filters over a successful
// adapter result, in order: redact, truncate, block patterns. Redaction
// and truncation rewrite the payload in place (field names match at any
// nesting depth). A block-pattern hit replaces the entire payload with
// a blocked envelope and reports blocked=true.
func ApplyFilters(f *ResponseFilters, payload map[string]interface{}) (map[string]interface{}, bool) {
	if f == nil {
		return payload, false
	}

	for _, field := range f.RedactFields {
		redactField(payload, field)
	}
	for _, rule := range f.TruncateFields {
		truncateField(payload, rule)
	}

	if len(f.BlockPatterns) > 0 {
		raw, err := json.Marshal(payload)
		if err == nil {
			body := string(raw)
			for _, pattern := range f.BlockPatterns {
				if pattern != "" && strings.Contains(body, pattern) {
					return map[string]interface{}{
						"blocked": true,
						"reason":  fmt.Sprintf("response matched blocked pattern %q", pattern),
					}, true
				}
			}
		}
	}
	return payload, false
}

// redactField replaces every value under the named key, at any depth,
// with the literal "[REDACTED]".
func redactField(node interface{}, field string) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, child := range v {
			if key == field {
				v[key] = "[REDACTED]"
				continue
			}
			redactField(child, field)
		}
	case []interface{}:
		for _, item := range v {
			redactField(item, field)
		}
	}
}

// truncateField shortens string values under the rule's field name.
func truncateField(node interface{}, rule TruncateRule) {
	if rule.MaxLength <= 0 {
		return
	}
	switch v := node.(type) {
	case map[string]interface{}:
		for key, child := range v {
			if key == rule.Field {
				if s, ok := child.(string); ok && len(s) > rule.MaxLength {
					v[key] = s[:rule.MaxLength]
				}
				continue
			}
			truncateField(child, rule)
		}
	case []interface{}:
		for _, item := range v {
			truncateField(item, rule)
		}
	}
}
