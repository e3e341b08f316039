// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"log/slog"
	"sync"
	"time"
)

// Credential is a provider credential used to initiate or accept security
// contexts.  It is created unacquired; Acquire binds it to the provider.
// Security contexts borrow the credential and pin its handle for every call
// they make with it, so Release may be called at any time.
type Credential struct {
	catalog *Catalog
	name    string
	use     CredentialUse
	logger  *slog.Logger

	mu        sync.Mutex
	info      ProviderInfo
	h         *handle[CredentialHandle]
	expiry    time.Time
	principal *string
}

// NewCredential returns an unacquired credential for the named provider.
func NewCredential(catalog *Catalog, providerName string, use CredentialUse) *Credential {
	return &Credential{
		catalog: catalog,
		name:    providerName,
		use:     use,
		logger:  catalog.Logger().With("provider", providerName, "use", use.String()),
	}
}

// Acquire binds the credential using the ambient logon session.
func (c *Credential) Acquire() error {
	return c.acquire(nil)
}

// AcquireWithIdentity binds the credential for an explicit user and
// password.
func (c *Credential) AcquireWithIdentity(id AuthIdentity) error {
	return c.acquire(&id)
}

func (c *Credential) acquire(id *AuthIdentity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.h != nil && !c.h.disposed() {
		return Errorf(StatusInvalidHandle, "credential is already acquired")
	}

	e, err := c.catalog.lookup(c.name)
	if err != nil {
		return err
	}

	ch, expiry, err := e.provider.AcquireCredentials(c.use, id)
	if err != nil {
		c.h = nil
		c.logger.Debug("acquire credentials failed", statusAttr(err))
		return wrapStatus(err, "failed to acquire credentials")
	}

	c.info = e.info
	c.h = newHandle(ch, CredentialHandle.Free)
	c.expiry = expiry.Time()
	c.principal = nil

	c.logger.Debug("credentials acquired", "expiry", c.expiry)
	return nil
}

// Acquired reports whether the credential holds a live handle.
func (c *Credential) Acquired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.h != nil && !c.h.disposed()
}

// PrincipalName returns the principal the credential was acquired for, or
// "" if the provider does not report one.  The name is looked up once.
func (c *Credential) PrincipalName() (string, error) {
	c.mu.Lock()
	if c.principal != nil {
		defer c.mu.Unlock()
		return *c.principal, nil
	}
	h := c.h
	c.mu.Unlock()

	var name string
	err := h.use(func(ch CredentialHandle) (err error) {
		name, err = ch.PrincipalName()
		return err
	})
	if err != nil {
		return "", wrapStatus(err, "failed to query credential name")
	}

	c.mu.Lock()
	if c.h == h {
		c.principal = &name
	}
	c.mu.Unlock()

	return name, nil
}

// ProviderName returns the name the credential was created with.
func (c *Credential) ProviderName() string {
	return c.name
}

// Info returns the provider description recorded at acquisition.
func (c *Credential) Info() ProviderInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.info
}

// Use returns the direction the credential was created for.
func (c *Credential) Use() CredentialUse {
	return c.use
}

// Expiry returns when the credential expires.  It is the zero time until the
// credential is acquired.
func (c *Credential) Expiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.expiry
}

// Release frees the provider credential once every in-flight call using it
// has returned.  Releasing a credential that was never acquired, or was
// already released, does nothing.
func (c *Credential) Release() error {
	c.mu.Lock()
	h := c.h
	c.mu.Unlock()

	if h == nil {
		return nil
	}

	if err := h.dispose(); err != nil {
		return wrapStatus(err, "failed to free credentials")
	}

	c.logger.Debug("credentials released")
	return nil
}

// current returns the credential handle and provider description.
func (c *Credential) current() (*handle[CredentialHandle], ProviderInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.h, c.info
}
