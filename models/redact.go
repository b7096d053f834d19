package models

import (
	"regexp"
	"strings"
)

const redactedValue = "[REDACTED]"

var sensitiveKeyParts = []string{"secret", "token", "password", "credential", "authorization", "api_key", "apikey", "signature"}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._~+/=-]+`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`AGE-SECRET-KEY-1[A-Z0-9]+`),
	regexp.MustCompile(`(?i)(password|secret|token|api_key)=[^&\s]+`),
}

// IsSensitiveKey reports whether a detail key names secret material
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// RedactString masks credentials embedded in free-form text such as error messages
func RedactString(s string) string {
	for _, re := range sensitivePatterns {
		s = re.ReplaceAllString(s, redactedValue)
	}
	return s
}

// Redact returns a copy of details with secret values masked, recursing into nested maps and slices
func Redact(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if IsSensitiveKey(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return RedactString(val)
	case map[string]interface{}:
		return Redact(val)
	case []interface{}:
		items := make([]interface{}, len(val))
		for i, item := range val {
			items[i] = redactValue(item)
		}
		return items
	case error:
		return RedactString(val.Error())
	default:
		return v
	}
}
