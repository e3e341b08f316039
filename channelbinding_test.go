// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestCertificate(t *testing.T) *x509.Certificate {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			Locality:     []string{"Test City"},
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)

	return cert
}

func TestTLSChannelBinding(t *testing.T) {
	tests := []struct {
		name       string
		tlsState   *tls.ConnectionState
		serverCert *x509.Certificate
		errorMsg   string
	}{
		{
			name:       "server cert provided",
			tlsState:   &tls.ConnectionState{Version: tls.VersionTLS13},
			serverCert: createTestCertificate(t),
		},
		{
			name: "peer certificate in TLS state",
			tlsState: &tls.ConnectionState{
				Version:          tls.VersionTLS13,
				PeerCertificates: []*x509.Certificate{createTestCertificate(t)},
			},
		},
		{
			name:     "nil TLS state",
			errorMsg: "no TLS connection state",
		},
		{
			name:     "no peer certificates",
			tlsState: &tls.ConnectionState{Version: tls.VersionTLS13},
			errorMsg: "no server certificate in TLS connection state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			binding, err := TLSChannelBinding(tt.tlsState, tt.serverCert)

			if tt.errorMsg != "" {
				assert.ErrorContains(t, err, tt.errorMsg)
				assert.Nil(t, binding)
				return
			}

			assert.NoError(t, err)
			assert.NotEmpty(t, binding.Data)
			assert.Nil(t, binding.InitiatorAddr)
		})
	}
}

func TestTLSChannelBindingServerCertPriority(t *testing.T) {
	cert1 := createTestCertificate(t)
	cert2 := createTestCertificate(t)

	state := &tls.ConnectionState{
		Version:          tls.VersionTLS13,
		PeerCertificates: []*x509.Certificate{cert2},
	}

	explicit, err := TLSChannelBinding(state, cert1)
	require.NoError(t, err)
	fromPeer, err := TLSChannelBinding(state, nil)
	require.NoError(t, err)
	peerOnly, err := TLSChannelBinding(&tls.ConnectionState{}, cert2)
	require.NoError(t, err)

	assert.NotEqual(t, explicit.Data, fromPeer.Data)
	assert.Equal(t, peerOnly.Data, fromPeer.Data)
}
