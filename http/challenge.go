// SPDX-License-Identifier: Apache-2.0

package http

import (
	"net/http"
	"strings"
)

// challenge is one auth-scheme from a WWW-Authenticate header (RFC 7235
// section 4.1).  A challenge has either a token68 or parameters.
type challenge struct {
	scheme string
	token  string
	params map[string]string
}

// parseAuthorization splits an Authorization header into its lower-cased
// scheme and credentials.
func parseAuthorization(h http.Header) (string, string) {
	scheme, creds, ok := strings.Cut(strings.TrimSpace(h.Get("Authorization")), " ")
	if !ok {
		return "", ""
	}
	return strings.ToLower(scheme), strings.TrimSpace(creds)
}

// schemeChallenges returns every challenge for scheme, matched without
// regard to case, across all WWW-Authenticate headers.
func schemeChallenges(h http.Header, scheme string) []challenge {
	var found []challenge
	for _, v := range h.Values("WWW-Authenticate") {
		for _, c := range parseChallenges(v) {
			if strings.EqualFold(c.scheme, scheme) {
				found = append(found, c)
			}
		}
	}
	return found
}

// parseChallenges parses one WWW-Authenticate header value.  A comma only
// separates challenges when the next item looks like an auth-scheme rather
// than an auth-param; commas inside quoted strings never do.
func parseChallenges(v string) []challenge {
	var out []challenge
	for _, item := range splitChallenges(v) {
		if c, ok := parseChallenge(item); ok {
			out = append(out, c)
		}
	}
	return out
}

func splitChallenges(v string) []string {
	var (
		items   []string
		start   int
		quoted  bool
		escaped bool
	)

	for i := 0; i < len(v); i++ {
		switch {
		case escaped:
			escaped = false
		case v[i] == '\\':
			escaped = true
		case v[i] == '"':
			quoted = !quoted
		case v[i] == ',' && !quoted && startsScheme(v[i+1:]):
			items = append(items, v[start:i])
			start = i + 1
		}
	}

	return append(items, v[start:])
}

// startsScheme reports whether s begins with an auth-scheme: its first word
// has no '='.
func startsScheme(s string) bool {
	s = strings.TrimLeft(s, " \t")
	end := strings.IndexAny(s, " \t,")
	if end < 0 {
		end = len(s)
	}
	word := s[:end]
	return word != "" && !strings.Contains(word, "=")
}

func parseChallenge(item string) (challenge, bool) {
	item = strings.Trim(item, " \t,")
	if item == "" {
		return challenge{}, false
	}

	scheme, rest, _ := strings.Cut(item, " ")
	c := challenge{scheme: scheme, params: map[string]string{}}

	rest = strings.TrimSpace(rest)
	switch {
	case rest == "":
	case isToken68(rest):
		c.token = rest
	default:
		c.params = parseParams(rest)
		if len(c.params) == 0 {
			c.token = rest
		}
	}

	return c, true
}

// isToken68 reports whether s is a token68: no '=' except as trailing
// base64 padding.
func isToken68(s string) bool {
	return !strings.Contains(strings.TrimRight(s, "="), "=")
}

func parseParams(s string) map[string]string {
	params := map[string]string{}

	var (
		start   int
		quoted  bool
		escaped bool
	)
	add := func(p string) {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return
		}
		params[strings.ToLower(k)] = unquote(strings.TrimSpace(v))
	}

	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '"':
			quoted = !quoted
		case s[i] == ',' && !quoted:
			add(s[start:i])
			start = i + 1
		}
	}
	add(s[start:])

	return params
}

func unquote(v string) string {
	if len(v) < 2 || v[0] != '"' || v[len(v)-1] != '"' {
		return v
	}

	var b strings.Builder
	escaped := false
	for _, r := range v[1 : len(v)-1] {
		if r == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}
