// Package logging provides log hygiene helpers for the relay.
package logging

import (
	"net/url"
	"strings"
)

// MaskedValue replaces secrets in anything that reaches the log stream.
const MaskedValue = "[REDACTED]"

// sensitiveParams lists query parameter names whose values must never
// appear in logged URLs. Matching is case-insensitive and substring-based,
// so e.g. "sap-password" is covered.
var sensitiveParams = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
}

// MaskPassword fully masks a password value. Empty stays empty so a blank
// config field remains distinguishable from a masked one.
func MaskPassword(password string) string {
	if password == "" {
		return ""
	}
	return MaskedValue
}

// MaskString keeps the first and last few characters of a sensitive value
// for log correlation. Values too short to mask meaningfully are replaced
// entirely.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}
	if len(s) <= showFirst+showLast+3 {
		return MaskedValue
	}
	return s[:showFirst] + "***" + s[len(s)-showLast:]
}

// RedactURL strips credentials from a URL before it is logged: basic-auth
// userinfo loses its password and sensitive query parameter values are
// masked. Input that does not parse is masked entirely rather than leaked.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return MaskedValue
	}

	if u.User != nil {
		u.User = url.User(u.User.Username())
	}

	q := u.Query()
	changed := false
	for key := range q {
		lower := strings.ToLower(key)
		for _, sensitive := range sensitiveParams {
			if strings.Contains(lower, sensitive) {
				q.Set(key, MaskedValue)
				changed = true
				break
			}
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}

	return u.String()
}
