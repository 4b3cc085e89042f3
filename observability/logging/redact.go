package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces key material in log output.
const RedactedValue = "[REDACTED]"

// Signing material never belongs in logs; hashes and addresses do.
var sensitiveKeys = map[string]struct{}{
	"signature":  {},
	"public_key": {},
	"seed":       {},
	"secret":     {},
	"xmss_sk":    {},
}

// IsSensitive reports whether values logged under key are masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// SensitiveKeys returns the masked keys in sorted order.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func redact(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() == slog.KindString && strings.TrimSpace(attr.Value.String()) == "" {
		return attr
	}
	return slog.String(attr.Key, RedactedValue)
}
