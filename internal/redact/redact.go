// Package redact strips sensitive substrings from text before it is
// surfaced to a channel: absolute filesystem paths and bearer-token
// shaped strings of 20+ characters (§4.2, §7).
package redact

import "regexp"

var (
	absolutePathRe = regexp.MustCompile(`(?:^|[\s"'])(/[\w.\-]+(?:/[\w.\-]+)+)`)
	bearerTokenRe  = regexp.MustCompile(`\b[A-Za-z0-9_\-]{20,}\b`)
)

// Redact replaces absolute paths and bearer-like tokens in s with a
// fixed placeholder, leaving everything else untouched.
func Redact(s string) string {
	s = absolutePathRe.ReplaceAllString(s, " [redacted-path]")
	s = bearerTokenRe.ReplaceAllString(s, "[redacted-token]")
	return s
}
