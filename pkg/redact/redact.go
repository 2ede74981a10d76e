package redact

import (
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
)

// Placeholder replaces secrets in anything that reaches a log line.
const Placeholder = "[REDACTED]"

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	authRe  = regexp.MustCompile(`(?i)(authorization:?\s*(token|bearer)\s+)[^\s"',]+`)
)

// sensitiveParams are query keys whose values never reach a log line.
var sensitiveParams = []string{"token", "access_token", "api_key", "apikey", "key"}

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Secret removes every occurrence of the given secrets and any
// authorization header value from in. It is always active: credentials are
// never logged regardless of the PII toggle.
func Secret(in string, secrets ...string) string {
	out := in
	for _, s := range secrets {
		if strings.TrimSpace(s) == "" {
			continue
		}
		out = strings.ReplaceAll(out, s, Placeholder)
	}
	return authRe.ReplaceAllString(out, "${1}"+Placeholder)
}

// URL renders u with userinfo and sensitive query values replaced.
func URL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	if c.User != nil {
		c.User = url.User(Placeholder)
	}
	if c.RawQuery != "" {
		q := c.Query()
		changed := false
		for _, k := range sensitiveParams {
			for key := range q {
				if strings.EqualFold(key, k) {
					q.Set(key, Placeholder)
					changed = true
				}
			}
		}
		if changed {
			c.RawQuery = q.Encode()
		}
	}
	return c.String()
}
