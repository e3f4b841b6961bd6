package logger

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// Redactor scrubs credentials from log messages and fields. Presigned
// URLs carry their signature in the query string, so those are masked too.
type Redactor struct {
	sensitiveKeys []string
	patterns      []*regexp.Regexp
}

// DefaultRedactor returns a redactor for tokens, passwords and signed URL
// parameters.
func DefaultRedactor() *Redactor {
	return &Redactor{
		sensitiveKeys: []string{"password", "token", "secret", "authorization", "access_key", "signature"},
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
			regexp.MustCompile(`(?i)(X-Amz-Signature|X-Amz-Credential|X-Amz-Security-Token)=[^&\s"]+`),
		},
	}
}

// Redact masks sensitive substrings in s.
func (r *Redactor) Redact(s string) string {
	for i, p := range r.patterns {
		if i == 0 {
			s = p.ReplaceAllString(s, redacted)
			continue
		}
		s = p.ReplaceAllString(s, "$1="+redacted)
	}
	return s
}

// RedactFields returns a copy of fields with sensitive keys masked and
// string values scrubbed.
func (r *Redactor) RedactFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if r.isSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = r.Redact(s)
			continue
		}
		out[k] = v
	}
	return out
}

func (r *Redactor) isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range r.sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
