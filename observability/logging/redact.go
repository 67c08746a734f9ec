package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces the value of any sensitive attribute.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"authorization": {},
	"passphrase":    {},
	"private_key":   {},
	"signature":     {},
	"token":         {},
}

var sensitiveSuffixes = []string{"_secret", "_token", "_passphrase"}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if _, ok := sensitiveKeys[key]; ok {
		return true
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// Redact masks attr when its key is sensitive. Empty values pass through so
// an unset credential is still visible as unset.
func Redact(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
