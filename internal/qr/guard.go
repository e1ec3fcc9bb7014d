package qr

import (
	"regexp"
	"strings"
)

// MaxPayloadBytes is the ceiling on a serialized payload accepted by Verify.
const MaxPayloadBytes = 10 * 1024

var scriptMarkers = []string{
	"<script",
	"javascript:",
	"vbscript:",
}

var eventHandlerAttr = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)

// Keys that would poison a prototype chain in the scanner runtime. Payloads
// carrying them anywhere, at any depth, are rejected outright.
var forbiddenKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

func containsScriptMarkers(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range scriptMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return eventHandlerAttr.MatchString(s)
}

func containsForbiddenKeys(v any) bool {
	switch val := v.(type) {
	case map[string]any:
		for k, nested := range val {
			if _, bad := forbiddenKeys[k]; bad {
				return true
			}
			if containsForbiddenKeys(nested) {
				return true
			}
		}
	case []any:
		for _, elem := range val {
			if containsForbiddenKeys(elem) {
				return true
			}
		}
	}
	return false
}
