package flow

import "strings"

// redactedPlaceholder replaces any value whose key looks sensitive.
const redactedPlaceholder = "***REDACTED***"

// sensitiveKeyPatterns are matched as substrings (case-insensitive)
// against map keys. A hit replaces the value before the payload is
// persisted or emitted.
var sensitiveKeyPatterns = []string{
	"password",
	"token",
	"secret",
	"credential",
	"authorization",
	"private_key",
	"access_key",
	"client_secret",
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, p := range sensitiveKeyPatterns {
		if strings.Contains(k, p) {
			return true
		}
	}
	return false
}

// Redact returns a copy of v with every value under a sensitive key
// replaced by a placeholder. Maps and slices are walked recursively;
// scalars pass through unchanged. The input is never mutated.
//
// Every event payload and every persisted result must pass through
// Redact before leaving the engine.
func Redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitiveKey(k) {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = Redact(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Redact(val)
		}
		return out
	default:
		return v
	}
}

// RedactParams is a convenience for the common map form.
func RedactParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	redacted, _ := Redact(params).(map[string]any)
	return redacted
}
