package logging

import (
	"regexp"
	"strings"
)

// Sensitive field names that should be redacted.
var sensitiveFields = []string{
	"password",
	"passphrase",
	"secret",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"credential",
	"private_key",
	"privatekey",
}

type secretPattern struct {
	re          *regexp.Regexp
	replacement string
}

// Patterns for secrets that may appear inside commands or remote output.
var secretPatterns = []secretPattern{
	// PEM private key blocks (id_rsa, id_ed25519, ...)
	{regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), RedactedValue},

	// sshpass -p <password>
	{regexp.MustCompile(`(sshpass\s+-p\s*)(?:'[^']*'|"[^"]*"|\S+)`), "${1}" + RedactedValue},

	// --password <value>
	{regexp.MustCompile(`(?i)(--(?:password|passphrase|token)\s+)(?:'[^']*'|"[^"]*"|\S+)`), "${1}" + RedactedValue},

	// PASSWORD=..., token: ...
	{regexp.MustCompile(`(?i)((?:password|passwd|passphrase|secret|token)\s*[=:]\s*)(?:'[^']*'|"[^"]*"|[^\s'"]+)`), "${1}" + RedactedValue},

	// Bearer tokens
	{regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9._-]{20,}`), "${1}" + RedactedValue},
}

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// Redact replaces sensitive information in a string.
func Redact(s string) string {
	result := s
	for _, p := range secretPatterns {
		result = p.re.ReplaceAllString(result, p.replacement)
	}
	return result
}

// Mask removes every occurrence of the given literal secrets from s.
// Empty secrets are ignored.
func Mask(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, RedactedValue)
	}
	return s
}

// RedactMap redacts sensitive fields in a map, such as tool arguments.
func RedactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))

	for k, v := range m {
		if IsSensitiveField(k) {
			result[k] = RedactedValue
		} else if nested, ok := v.(map[string]any); ok {
			result[k] = RedactMap(nested)
		} else if str, ok := v.(string); ok {
			result[k] = Redact(str)
		} else {
			result[k] = v
		}
	}

	return result
}

// IsSensitiveField checks if a field name is considered sensitive.
func IsSensitiveField(name string) bool {
	lowerName := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lowerName, field) {
			return true
		}
	}
	return false
}
