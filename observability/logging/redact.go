package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log lines.
const RedactedValue = "[REDACTED]"

// verbatimKeys are emitted unmasked by MaskField. Anything else carrying a
// value, such as feed API keys or relay bearer tokens, is masked.
var verbatimKeys = map[string]struct{}{
	"service": {}, "env": {}, "message": {}, "severity": {}, "timestamp": {},
	"error": {}, "reason": {}, "component": {},
	"pool": {}, "action": {}, "code": {}, "asset": {}, "feed": {}, "id": {},
	"endpoint": {}, "chain": {},
}

// IsAllowlisted reports whether key is logged verbatim.
func IsAllowlisted(key string) bool {
	_, ok := verbatimKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// RedactionAllowlist returns the verbatim keys, sorted.
func RedactionAllowlist() []string {
	keys := make([]string, 0, len(verbatimKeys))
	for key := range verbatimKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns RedactedValue for any non-blank value.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a string attribute, masking the value unless key is
// allowlisted. Blank values pass through so missing settings stay visible.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}
