package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretRule matches one secret-bearing fragment that can leak into task
// reasons, handler output or agent command lines. When keepPrefix is set the
// first capture group (the key name or scheme) survives redaction.
type secretRule struct {
	re         *regexp.Regexp
	keepPrefix bool
}

var secretRules = []secretRule{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|password|bearer)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{8,}"?`), true},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), true},
	{regexp.MustCompile(`\b(?:ghp|gho|github_pat)_[A-Za-z0-9_]{20,}\b`), false},
}

// Redact replaces secret-bearing fragments of input with [REDACTED].
func Redact(input string) string {
	for _, rule := range secretRules {
		if !rule.keepPrefix {
			input = rule.re.ReplaceAllLiteralString(input, redactedPlaceholder)
			continue
		}
		input = rule.re.ReplaceAllString(input, "${1}"+redactedPlaceholder)
	}
	return input
}

// RedactEnvValue returns [REDACTED] when key looks like it names a secret.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
