package toolexec

import (
	"encoding/json"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// Keys whose values are stripped before a request or response body is
// persisted. Matching is case-insensitive on substrings so nested
// variants like "x-api-key" or "clientSecret" are caught too.
var secretKeyFragments = []string{
	"authorization",
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"api-key",
	"credential",
	"private_key",
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, frag := range secretKeyFragments {
		if strings.Contains(k, frag) {
			return true
		}
	}
	return false
}

// RedactJSON replaces the values of secret-looking keys in a JSON
// document with a placeholder, recursing through objects and arrays.
// Non-JSON input is replaced wholesale rather than persisted raw.
func RedactJSON(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return []byte(`"` + redactedPlaceholder + `"`)
	}
	redacted := redactValue(doc)
	out, err := json.Marshal(redacted)
	if err != nil {
		return []byte(`"` + redactedPlaceholder + `"`)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if isSecretKey(k) {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = redactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redactValue(inner)
		}
		return out
	default:
		return v
	}
}
