// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCredentialAcquire(t *testing.T) {
	assert := NewAssert(t)

	p := newFakeProvider("Fake")
	cred := NewCredential(NewCatalog(WithProviders(p)), "fake", CredentialOutbound)
	assert.False(cred.Acquired())
	assert.True(cred.Expiry().IsZero())

	assert.NoErrorFatal(cred.AcquireWithIdentity(AuthIdentity{User: "alice", Domain: "example.com"}))
	assert.True(cred.Acquired())
	assert.Equal("Fake", cred.Info().Name)
	assert.Equal(CredentialOutbound, cred.Use())
	assert.Equal("fake", cred.ProviderName())
	assert.Equal(MaxExpiry, cred.Expiry())

	err := cred.Acquire()
	assert.ErrorIs(err, ErrInvalidHandle)

	assert.NoError(cred.Release())
	assert.Equal(1, p.freed)
}

func TestCredentialProviderNotFound(t *testing.T) {
	assert := assert.New(t)

	p := newFakeProvider("Fake")
	cred := NewCredential(NewCatalog(WithProviders(p)), "NoSuchProvider", CredentialBoth)

	err := cred.Acquire()
	assert.ErrorIs(err, ErrProviderNotFound)
	assert.False(cred.Acquired())
	assert.Equal(0, p.calls)
}

func TestCredentialAcquireFailure(t *testing.T) {
	assert := assert.New(t)

	p := newFakeProvider("Fake")
	p.acquireErr = Errorf(StatusNoAuthenticatingAuthority, "KDC unreachable")
	cred := NewCredential(NewCatalog(WithProviders(p)), "Fake", CredentialOutbound)

	err := cred.Acquire()
	assert.ErrorIs(err, ErrNoAuthenticatingAuthority)
	assert.ErrorContains(err, "KDC unreachable")
	assert.False(cred.Acquired())

	// releasing a credential that never acquired a handle does nothing
	assert.NoError(cred.Release())
	assert.Equal(0, p.freed)
}

func TestCredentialPrincipalNameCached(t *testing.T) {
	assert := NewAssert(t)

	p := newFakeProvider("Fake")
	cred := NewCredential(NewCatalog(WithProviders(p)), "Fake", CredentialOutbound)
	assert.NoErrorFatal(cred.AcquireWithIdentity(AuthIdentity{User: "alice", Domain: "example.com"}))

	name, err := cred.PrincipalName()
	assert.NoErrorFatal(err)
	assert.Equal("alice@EXAMPLE.COM", name)

	_, _ = cred.PrincipalName()
	assert.Equal(1, p.calls)
}

func TestCredentialPrincipalNameEmpty(t *testing.T) {
	assert := NewAssert(t)

	p := newFakeProvider("Fake")
	cred := NewCredential(NewCatalog(WithProviders(p)), "Fake", CredentialInbound)
	assert.NoErrorFatal(cred.Acquire())

	name, err := cred.PrincipalName()
	assert.NoError(err)
	assert.Equal("", name)
}

func TestCredentialPrincipalNameUnacquired(t *testing.T) {
	cred := NewCredential(NewCatalog(WithProviders(newFakeProvider("Fake"))), "Fake", CredentialInbound)

	_, err := cred.PrincipalName()
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestCredentialReleaseIdempotent(t *testing.T) {
	assert := NewAssert(t)

	p := newFakeProvider("Fake")
	cred := NewCredential(NewCatalog(WithProviders(p)), "Fake", CredentialBoth)
	assert.NoError(cred.Release())

	assert.NoErrorFatal(cred.Acquire())
	assert.NoError(cred.Release())
	assert.NoError(cred.Release())
	assert.Equal(1, p.freed)
	assert.False(cred.Acquired())

	_, err := cred.PrincipalName()
	assert.ErrorIs(err, ErrInvalidHandle)

	// a released credential can be acquired again
	assert.NoError(cred.Acquire())
	assert.True(cred.Acquired())
}
