// SPDX-License-Identifier: Apache-2.0

package http

import (
	"crypto/tls"
	"crypto/x509"
	"errors"

	"github.com/golang-auth/go-sspi"
)

// ChannelBindingDisposition decides whether a security context is bound to
// the TLS connection carrying it (tls-server-end-point, RFC 5929).  Both
// sides must agree: a context bound on one side only fails with
// StatusBadBindings.
type ChannelBindingDisposition int

const (
	// ChannelBindingDispositionIgnore never binds.
	ChannelBindingDispositionIgnore ChannelBindingDisposition = iota
	// ChannelBindingDispositionIfAvailable binds when the request is made
	// over TLS.
	ChannelBindingDispositionIfAvailable
	// ChannelBindingDispositionRequire binds and refuses to authenticate
	// without TLS.
	ChannelBindingDispositionRequire
)

func (d ChannelBindingDisposition) String() string {
	switch d {
	case ChannelBindingDispositionIgnore:
		return "ignore"
	case ChannelBindingDispositionIfAvailable:
		return "if-available"
	case ChannelBindingDispositionRequire:
		return "require"
	}
	return "unknown"
}

// ErrNoChannelBinding is returned when ChannelBindingDispositionRequire is
// in force but there is no TLS connection to bind to.
var ErrNoChannelBinding = errors.New("http: channel binding required but the connection is not TLS")

// channelBinding returns the binding for state under disposition d, or nil
// when the context should not be bound.  Servers pass their own certificate;
// clients pass nil.
func channelBinding(d ChannelBindingDisposition, state *tls.ConnectionState, serverCert *x509.Certificate) (*sspi.ChannelBinding, error) {
	switch d {
	case ChannelBindingDispositionIgnore:
		return nil, nil
	case ChannelBindingDispositionIfAvailable:
		if state == nil {
			return nil, nil
		}
	case ChannelBindingDispositionRequire:
		if state == nil {
			return nil, ErrNoChannelBinding
		}
	}

	return sspi.TLSChannelBinding(state, serverCert)
}
