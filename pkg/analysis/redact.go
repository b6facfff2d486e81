package analysis

import "regexp"

// redactionPattern mirrors the teacher's CompiledPattern shape (pkg/masking):
// a compiled regex plus the literal text that replaces each match. Unlike
// the masking package's MCP-secret pattern set, these patterns target
// general PII rather than Kubernetes/tool-call secrets.
type redactionPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// defaultRedactionPatterns is the fixed pattern set applied to conversation
// content before it is sent to the external analysis model (spec.md §4.7
// "Security pre-processing"): emails, phone numbers, credit-card-like digit
// runs, API-key prefixes, database connection URLs, and IP addresses.
var defaultRedactionPatterns = []redactionPattern{
	{
		Name:        "email",
		Regex:       regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		Replacement: "[REDACTED_EMAIL]",
	},
	{
		Name:        "phone",
		Regex:       regexp.MustCompile(`\+?\d{1,3}[-.\s]?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`),
		Replacement: "[REDACTED_PHONE]",
	},
	{
		Name:        "credit_card",
		Regex:       regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
		Replacement: "[REDACTED_CARD]",
	},
	{
		// Matches common vendor API-key prefixes (sk-, pk-, ghp_, xox*,
		// AKIA...) followed by a run of key-alphabet characters.
		Name:        "api_key",
		Regex:       regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9]{16,}\b|\bghp_[A-Za-z0-9]{20,}\b|\bxox[baprs]-[A-Za-z0-9\-]{10,}\b|\bAKIA[A-Z0-9]{12,}\b`),
		Replacement: "[REDACTED_API_KEY]",
	},
	{
		Name:        "database_url",
		Regex:       regexp.MustCompile(`(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^\s"']+`),
		Replacement: "[REDACTED_DB_URL]",
	},
	{
		Name:        "ip_address",
		Regex:       regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`),
		Replacement: "[REDACTED_IP]",
	},
}

// Redact applies the default redaction pattern set to s and returns the
// result. It never fails: an unmatched pattern simply leaves s unchanged,
// matching the fail-open posture spec.md prescribes for this pre-processing
// step (a redaction miss degrades privacy, not correctness of the analysis).
func Redact(s string) string {
	redacted := s
	for _, pattern := range defaultRedactionPatterns {
		redacted = pattern.Regex.ReplaceAllString(redacted, pattern.Replacement)
	}
	return redacted
}

// RedactMessages applies Redact to the content of every message, returning
// a new slice; the input is left untouched.
func RedactMessages(messages []TranscriptMessage) []TranscriptMessage {
	out := make([]TranscriptMessage, len(messages))
	for i, m := range messages {
		out[i] = TranscriptMessage{Role: m.Role, Content: Redact(m.Content)}
	}
	return out
}
