package shared

import (
	"regexp"
	"strings"
)

// Redacted replaces every secret value removed from logs and errors.
const Redacted = "[REDACTED]"

type redactRule struct {
	re   *regexp.Regexp
	repl string
}

// Rules that capture a prefix keep it so the log line still says what was
// removed.
var redactRules = []redactRule{
	{regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{16,}"?`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), "${1}" + Redacted},
	{regexp.MustCompile(`(?i)(_authToken\s*=\s*)\S+`), "${1}" + Redacted},
	{regexp.MustCompile(`npm_[A-Za-z0-9]{36}`), Redacted},
	// telegram bot tokens: <bot id>:<secret>
	{regexp.MustCompile(`\b[0-9]{6,12}:[A-Za-z0-9_\-]{30,}\b`), Redacted},
}

var secretKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}

// Redact masks secret-looking substrings of s.
func Redact(s string) string {
	for _, r := range redactRules {
		if s == "" {
			break
		}
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// SecretKey reports whether an attribute or env key names a secret.
func SecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}
