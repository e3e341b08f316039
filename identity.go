// SPDX-License-Identifier: Apache-2.0

package sspi

import "strings"

// CredentialUse is the direction a credential may be used in.
type CredentialUse uint32

const (
	CredentialInbound  CredentialUse = 1 // accept security contexts
	CredentialOutbound CredentialUse = 2 // initiate security contexts
	CredentialBoth     CredentialUse = CredentialInbound | CredentialOutbound
)

// Covers reports whether u permits everything want does.
func (u CredentialUse) Covers(want CredentialUse) bool {
	return u&want == want
}

func (u CredentialUse) String() string {
	switch u {
	case CredentialInbound:
		return "inbound"
	case CredentialOutbound:
		return "outbound"
	case CredentialBoth:
		return "both"
	}

	return "none"
}

// ParseCredentialUse maps "inbound", "outbound" or "both" to a CredentialUse.
func ParseCredentialUse(s string) (CredentialUse, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inbound", "in", "accept":
		return CredentialInbound, true
	case "outbound", "out", "initiate":
		return CredentialOutbound, true
	case "both":
		return CredentialBoth, true
	}

	return 0, false
}

// AuthIdentity is an explicit user name and password to acquire a credential
// with, in place of the ambient logon session.
type AuthIdentity struct {
	User     string
	Domain   string
	Password string
}

// Principal returns the identity as user@DOMAIN, or just the user name if
// there is no domain.
func (id AuthIdentity) Principal() string {
	if id.Domain == "" {
		return id.User
	}

	return id.User + "@" + strings.ToUpper(id.Domain)
}

// String never includes the password.
func (id AuthIdentity) String() string {
	return id.Principal()
}

// ParsePrincipal splits user@DOMAIN into an identity without a password.
func ParsePrincipal(name string) AuthIdentity {
	user, domain, _ := strings.Cut(name, "@")
	return AuthIdentity{User: user, Domain: domain}
}
