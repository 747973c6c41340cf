package application

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

type redactionRule struct {
	name        string
	expr        *regexp.Regexp
	replacement string
}

// redactionRules run in order. Earlier rules consume the most specific
// shapes so later, broader rules do not double-mask them.
var redactionRules = []redactionRule{
	{
		name:        "url_userinfo",
		expr:        regexp.MustCompile(`(://)[^/\s:@]+:[^/\s@]+@`),
		replacement: "${1}" + redacted + "@",
	},
	{
		name:        "secret_field",
		expr:        regexp.MustCompile(`(?i)("?\b(?:client_secret|secret|password|passwd|pwd|token|access_token|refresh_token|id_token|api_?key|private_key|authorization)"?\s*[:=]\s*)("[^"]*"|(?:(?:bearer|basic)\s+)?[^\s,&;}]+)`),
		replacement: "${1}" + redacted,
	},
	{
		name:        "auth_header",
		expr:        regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9._~+/=-]{8,}`),
		replacement: "${1} " + redacted,
	},
	{
		name:        "jwt",
		expr:        regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*`),
		replacement: "[REDACTED:jwt]",
	},
	{
		name:        "token",
		expr:        regexp.MustCompile(`\b[A-Za-z0-9_\-]{32,}\b`),
		replacement: "[REDACTED:token]",
	},
}

// minKnownSecretLen keeps short values like "id" from masking unrelated text.
const minKnownSecretLen = 4

// Redact masks secret-shaped content in s: values of secret-like field names,
// Authorization schemes, JWTs, URL userinfo and long opaque tokens. Any of
// the known values are masked verbatim first. It is applied to every raw
// error before it is logged.
func Redact(s string, known ...string) string {
	for _, k := range known {
		if len(k) >= minKnownSecretLen {
			s = strings.ReplaceAll(s, k, redacted)
		}
	}
	for _, rule := range redactionRules {
		s = rule.expr.ReplaceAllString(s, rule.replacement)
	}
	return s
}
