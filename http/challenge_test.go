// SPDX-License-Identifier: Apache-2.0

package http

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseChallenges(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   []challenge
	}{
		{
			name:   "Negotiate simple",
			header: "Negotiate",
			want:   []challenge{{scheme: "Negotiate", params: map[string]string{}}},
		},
		{
			name:   "Negotiate with token68",
			header: "Negotiate YIIBzgYJKoZIhvcSAQICAQBuggHXMIIB0wIBADCBvQYJKoZIhvcNAQcB",
			want: []challenge{{
				scheme: "Negotiate",
				token:  "YIIBzgYJKoZIhvcSAQICAQBuggHXMIIB0wIBADCBvQYJKoZIhvcNAQcB",
				params: map[string]string{},
			}},
		},
		{
			name:   "token68 with padding",
			header: "Negotiate oYG2MIGzoAMKAQA==",
			want:   []challenge{{scheme: "Negotiate", token: "oYG2MIGzoAMKAQA==", params: map[string]string{}}},
		},
		{
			name:   "Basic with realm and charset",
			header: `Basic realm="Dev", charset="UTF-8"`,
			want: []challenge{{
				scheme: "Basic",
				params: map[string]string{"realm": "Dev", "charset": "UTF-8"},
			}},
		},
		{
			name:   "several challenges",
			header: `Negotiate, Basic realm="a, b", NTLM`,
			want: []challenge{
				{scheme: "Negotiate", params: map[string]string{}},
				{scheme: "Basic", params: map[string]string{"realm": "a, b"}},
				{scheme: "NTLM", params: map[string]string{}},
			},
		},
		{
			name:   "escaped quote",
			header: `Digest realm="say \"hi\"", qop="auth,auth-int", Negotiate abc=`,
			want: []challenge{
				{scheme: "Digest", params: map[string]string{"realm": `say "hi"`, "qop": "auth,auth-int"}},
				{scheme: "Negotiate", token: "abc=", params: map[string]string{}},
			},
		},
		{
			name:   "empty",
			header: " , ",
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseChallenges(tt.header))
		})
	}
}

func TestSchemeChallenges(t *testing.T) {
	h := http.Header{}
	h.Add("WWW-Authenticate", `Basic realm="x"`)
	h.Add("WWW-Authenticate", "negotiate dG9rZW4=")

	got := schemeChallenges(h, "Negotiate")
	if assert.Len(t, got, 1) {
		assert.Equal(t, "dG9rZW4=", got[0].token)
	}
	assert.Empty(t, schemeChallenges(h, "NTLM"))
	assert.Empty(t, schemeChallenges(http.Header{}, "Negotiate"))
}

func TestParseAuthorization(t *testing.T) {
	for header, want := range map[string][2]string{
		"":                 {"", ""},
		"Negotiate":        {"", ""},
		"Negotiate abc=":   {"negotiate", "abc="},
		"NEGOTIATE  abc= ": {"negotiate", "abc="},
		"Basic dXNlcg==":   {"basic", "dXNlcg=="},
	} {
		h := http.Header{}
		if header != "" {
			h.Set("Authorization", header)
		}
		scheme, creds := parseAuthorization(h)
		assert.Equal(t, want, [2]string{scheme, creds}, "header %q", header)
	}
}

func TestNegotiateChallenge(t *testing.T) {
	resp := func(status int, values ...string) *http.Response {
		r := &http.Response{StatusCode: status, Header: http.Header{}}
		for _, v := range values {
			r.Header.Add("WWW-Authenticate", v)
		}
		return r
	}

	tok, found, err := negotiateChallenge(resp(http.StatusOK))
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, tok)

	tok, found, err = negotiateChallenge(resp(http.StatusUnauthorized, "Negotiate"))
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Nil(t, tok)

	tok, found, err = negotiateChallenge(resp(http.StatusOK, "Negotiate dG9rZW4="))
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("token"), tok)

	for name, r := range map[string]*http.Response{
		"multiple":       resp(http.StatusUnauthorized, "Negotiate", "Negotiate dG9rZW4="),
		"parameters":     resp(http.StatusUnauthorized, `Negotiate realm="x"`),
		"final no token": resp(http.StatusOK, "Negotiate"),
		"bad base64":     resp(http.StatusUnauthorized, "Negotiate !!!!"),
	} {
		_, _, err := negotiateChallenge(r)
		assert.ErrorIs(t, err, ErrBadChallenge, name)
	}
}
