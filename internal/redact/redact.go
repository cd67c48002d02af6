// Package redact scrubs credentials and email addresses from free text.
package redact

import (
	"regexp"
	"strings"
)

const (
	Sentinel      = "[REDACTED]"
	EmailSentinel = "[EMAIL_REDACTED]"
)

var (
	// keyValuePattern matches password/secret/api-key/token style fragments
	// written as key: value or key=value, with optional JSON-style quoting.
	keyValuePattern = regexp.MustCompile(`(?i)("?)\b(password|passwd|pwd|secret|client[_-]?secret|api[_-]?key|apikey|access[_-]?token|auth[_-]?token|refresh[_-]?token|token)("?)(\s*[:=]\s*)("[^"]*"|'[^']*'|[^\s,;&}"']+)`)

	// Provider key prefixes, JWTs and bearer credentials.
	tokenPrefixPattern = regexp.MustCompile(`(?i)\b(?:sk|pk|rk|xox[baprs]|gh[pousr]|pat)_[a-z0-9_-]{8,}\b`)
	jwtPattern         = regexp.MustCompile(`(?i)\beyj[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}\.[a-z0-9_-]{8,}`)
	bearerPattern      = regexp.MustCompile(`(?i)\b(Bearer\s+)[a-z0-9_.\-/+=]{8,}`)

	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
)

// Redact replaces secret values with [REDACTED] and email addresses with
// [EMAIL_REDACTED]. It never fails, is idempotent, and returns text that
// matches nothing unchanged.
func Redact(text string) string {
	if text == "" {
		return text
	}
	out := keyValuePattern.ReplaceAllStringFunc(text, redactKeyValue)
	out = bearerPattern.ReplaceAllString(out, "${1}"+Sentinel)
	out = jwtPattern.ReplaceAllString(out, Sentinel)
	out = tokenPrefixPattern.ReplaceAllString(out, Sentinel)
	out = emailPattern.ReplaceAllString(out, EmailSentinel)
	return out
}

// Contains reports whether Redact would change text.
func Contains(text string) bool {
	return Redact(text) != text
}

func redactKeyValue(match string) string {
	parts := keyValuePattern.FindStringSubmatch(match)
	if len(parts) != 6 {
		return match
	}
	value := parts[5]
	replacement := Sentinel
	switch {
	case strings.HasPrefix(value, `"`):
		replacement = `"` + Sentinel + `"`
	case strings.HasPrefix(value, `'`):
		replacement = `'` + Sentinel + `'`
	}
	return parts[1] + parts[2] + parts[3] + parts[4] + replacement
}
