// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"

	cb "github.com/golang-auth/go-channelbinding"
)

// ChannelBinding ties a security context to the channel that carries it.
// Both peers must supply identical bindings or the handshake fails with
// StatusBadBindings.
type ChannelBinding struct {
	InitiatorAddr net.Addr
	AcceptorAddr  net.Addr
	Data          []byte
}

// TLSChannelBinding builds a tls-server-end-point binding (RFC 5929) for a
// TLS connection.  The server passes its own certificate; clients pass nil
// and the first peer certificate is used.
func TLSChannelBinding(state *tls.ConnectionState, serverCert *x509.Certificate) (*ChannelBinding, error) {
	if state == nil {
		return nil, fmt.Errorf("channel binding: no TLS connection state")
	}
	if serverCert == nil {
		if len(state.PeerCertificates) == 0 {
			return nil, fmt.Errorf("channel binding: no server certificate in TLS connection state")
		}
		serverCert = state.PeerCertificates[0]
	}

	data, err := cb.MakeTLSChannelBinding(*state, serverCert, cb.TLSChannelBindingEndpoint)
	if err != nil {
		return nil, fmt.Errorf("channel binding: %w", err)
	}

	return &ChannelBinding{Data: data}, nil
}
