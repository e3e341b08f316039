// SPDX-License-Identifier: Apache-2.0

package http

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/golang-auth/go-sspi/test"
)

// newTestCertificate creates a self-signed certificate for 127.0.0.1.
func newTestCertificate(t *testing.T) (tls.Certificate, *x509.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"Test Org"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}, cert
}

func TestChannelBinding(t *testing.T) {
	assert := test.NewAssert(t)
	_, cert := newTestCertificate(t)

	clientState := &tls.ConnectionState{
		Version:          tls.VersionTLS13,
		PeerCertificates: []*x509.Certificate{cert},
	}
	serverState := &tls.ConnectionState{Version: tls.VersionTLS13}

	cb, err := channelBinding(ChannelBindingDispositionIgnore, clientState, nil)
	assert.NoError(err)
	assert.Nil(cb)

	cb, err = channelBinding(ChannelBindingDispositionIfAvailable, nil, nil)
	assert.NoError(err)
	assert.Nil(cb)

	_, err = channelBinding(ChannelBindingDispositionRequire, nil, nil)
	assert.ErrorIs(err, ErrNoChannelBinding)

	client, err := channelBinding(ChannelBindingDispositionIfAvailable, clientState, nil)
	assert.NoErrorFatal(err)
	server, err := channelBinding(ChannelBindingDispositionRequire, serverState, cert)
	assert.NoErrorFatal(err)
	assert.NotEmpty(client.Data)
	assert.Equal(client.Data, server.Data)

	// a client without the peer certificate cannot bind
	_, err = channelBinding(ChannelBindingDispositionRequire, serverState, nil)
	assert.Error(err)
}

func TestChannelBindingDispositionString(t *testing.T) {
	assert := test.NewAssert(t)
	assert.Equal("ignore", ChannelBindingDispositionIgnore.String())
	assert.Equal("if-available", ChannelBindingDispositionIfAvailable.String())
	assert.Equal("require", ChannelBindingDispositionRequire.String())
	assert.Equal("unknown", ChannelBindingDisposition(9).String())
}
