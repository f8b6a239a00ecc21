package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	cardRe  = regexp.MustCompile(`\b\d{4}[ \-]?\d{4}[ \-]?\d{4}[ \-]?\d{4}\b`)
)

// SetEnabled toggles redaction of transcript text in logs.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts card numbers, emails and phone numbers when enabled.
// Relayed transcripts are never redacted, only their log lines.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := cardRe.ReplaceAllString(in, "[REDACTED_CARD]")
	out = emailRe.ReplaceAllString(out, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// CallSID keeps the prefix and last four characters of a call id.
func CallSID(sid string) string {
	if !enabled.Load() || len(sid) <= 6 {
		return sid
	}
	return sid[:2] + strings.Repeat("*", len(sid)-6) + sid[len(sid)-4:]
}
