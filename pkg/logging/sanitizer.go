// Package logging contains helpers to keep credentials out of log output.
package logging

import (
	"regexp"
)

// RedactedText is the replacement text for sensitive data.
const RedactedText = "[REDACTED]"

var (
	// Bearer tokens in Authorization headers or error strings.
	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-._~+/]+=*`)

	// OAuth token fields in JSON or form-encoded payloads.
	tokenFieldPattern = regexp.MustCompile(`(?i)"?(access_token|refresh_token|client_secret|code)"?\s*[=:]\s*"?[A-Za-z0-9\-._~+/%]+"?`)

	// Connection string credentials (user:pass@host format).
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)
)

// Sanitize removes token material and credentials from a string before it
// is logged. Provider error bodies sometimes echo the request back, so
// anything that transits the connector goes through here first.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}

	sanitized := bearerPattern.ReplaceAllString(s, "Bearer "+RedactedText)
	sanitized = tokenFieldPattern.ReplaceAllString(sanitized, `$1=`+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// SanitizeError sanitizes an error message for logging.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
