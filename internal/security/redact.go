package security

import (
	"regexp"
)

const (
	redactedValue  = "[REDACTED]"
	maxDetailChars = 512
)

// Keys whose values never reach persistence. The match is substring-based so
// "api_key", "sessionToken" and friends are caught too.
var sensitiveKeyPattern = regexp.MustCompile(`(?i)password|token|secret|key|cookie|session|authorization|email|phone|ssn`)

// redactDetails deep-copies a details map, blanking sensitive values and
// truncating over-long strings.
func redactDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		if sensitiveKeyPattern.MatchString(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return redactDetails(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = redactValue(elem)
		}
		return out
	case string:
		if len(val) > maxDetailChars {
			return val[:maxDetailChars] + "...(truncated)"
		}
		return val
	default:
		return val
	}
}
