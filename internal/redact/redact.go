// Package redact provides utilities for redacting sensitive information from strings
// before they are logged or shown to users. Failure reasons recorded on jobs pass
// through FailureReason so that credentials, connection strings, file paths, stack
// traces and internal hosts never reach a polling client.
package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Constants for redaction placeholders
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedHostPlaceholder       = "[REDACTED_HOST]"
	RedactedEmailPlaceholder      = "[REDACTED_EMAIL]"
	RedactedStackPlaceholder      = "[STACK_TRACE_REDACTED]"
)

// MaxReasonLength is the maximum length in runes of a failure reason.
const MaxReasonLength = 500

// UnknownReason is recorded when an error carries no message.
const UnknownReason = "unknown error"

type rule struct {
	re          *regexp.Regexp
	placeholder string
}

// Precompiled patterns, applied in order. Connection strings go first so the
// host that follows the credentials is still recognisable.
var rules = []rule{
	// Database and broker connection strings
	{regexp.MustCompile(`(?i)\b(postgres(?:ql)?|mysql|mongodb|redis|amqp|sqlite3?|db|database|connection)://[^@\s]+@`), RedactedCredentialPlaceholder},
	// Credentials and tokens
	{regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]?['"]?)[^'"&\s]{3,}`), RedactedCredentialPlaceholder},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`), "[REDACTED_JWT]"},
	{regexp.MustCompile(`(?i)(api[_-]?key|token|secret|key|access|auth)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`), RedactedKeyPlaceholder},
	{regexp.MustCompile(`(AKIA|AccessKey(Id)?)([^a-zA-Z0-9])?[A-Z0-9]{8,}`), RedactedKeyPlaceholder},
	{regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`), RedactedKeyPlaceholder},
	// Stack trace fragments
	{regexp.MustCompile(`(?:goroutine \d+|panic:)[\s\S]*?(\n\t.*)+`), RedactedStackPlaceholder},
	// Email addresses
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), RedactedEmailPlaceholder},
	// URLs are reduced to their scheme so hosts, paths and query secrets go together
	{regexp.MustCompile(`\b(https?|gs|s3)://[^\s"'<>]+`), "${1}://" + RedactedHostPlaceholder},
	// File paths
	{regexp.MustCompile(`(/[\w.-]+){2,}`), RedactedPathPlaceholder},
	{regexp.MustCompile(`[A-Za-z]:\\[^\\\s]+(\\[^\\\s]+)+`), RedactedPathPlaceholder},
	// Bare host:port pairs and IPv4 addresses
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d{1,5})?\b`), RedactedHostPlaceholder},
	{regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}:\d{1,5}\b`), RedactedHostPlaceholder},
}

// String redacts sensitive information from the input string
func String(input string) string {
	if input == "" {
		return input
	}

	result := input
	for _, r := range rules {
		result = r.re.ReplaceAllString(result, r.placeholder)
	}
	return result
}

// Error redacts sensitive information from an error's Error() output
func Error(err error) string {
	if err == nil {
		return ""
	}

	return String(err.Error())
}

// FailureReason turns err into the human-readable reason stored on a failed
// job: redacted, collapsed to a single line and truncated to MaxReasonLength.
func FailureReason(err error) string {
	reason := strings.Join(strings.Fields(Error(err)), " ")
	if reason == "" {
		return UnknownReason
	}
	return Truncate(reason, MaxReasonLength)
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	if n <= 3 {
		return string([]rune(s)[:n])
	}
	return string([]rune(s)[:n-3]) + "..."
}
