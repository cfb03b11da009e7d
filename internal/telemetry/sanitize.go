package telemetry

import (
	"regexp"
	"strings"
)

const Redacted = "[REDACTED]"

// sensitiveKeys is the deny-list of field names whose values SanitizeFields
// replaces.
var sensitiveKeys = []string{"cookie", "authorization", "password", "token", "bearer", "secret"}

// cookiePairPattern matches key=value cookie segments so raw cookie
// material pasted into error text is scrubbed too.
var cookiePairPattern = regexp.MustCompile(`(?i)(sso|sso-rw|cf_clearance|session|auth_token)=[^;\s"]+`)

// IsSensitiveKey reports whether a field name must be redacted.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// SanitizeFields returns a copy of fields with sensitive values replaced.
func SanitizeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = SanitizeText(s)
			continue
		}
		out[k] = v
	}
	return out
}

// SanitizeText scrubs cookie-shaped segments from free text. It does not
// shorten the text; Snippet does that.
func SanitizeText(s string) string {
	return cookiePairPattern.ReplaceAllString(s, "$1="+Redacted)
}

// Snippet bounds a sanitized error message for event payloads.
func Snippet(s string, maxLen int) string {
	s = SanitizeText(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
