// SPDX-License-Identifier: Apache-2.0

package test

import (
	"github.com/golang-auth/go-sspi"
)

// EndlessProvider is a provider whose handshake never completes: every leg,
// on either side, returns a token and StatusContinueNeeded.  Callers use it
// to check that they bound the number of legs they drive.
type EndlessProvider struct {
	Name string
}

func (p EndlessProvider) Info() sspi.ProviderInfo {
	return sspi.ProviderInfo{
		Name:         p.Name,
		Comment:      "never finishes a handshake",
		Version:      1,
		Capabilities: sspi.CapConnection,
		MaxTokenSize: 16,
	}
}

func (p EndlessProvider) AcquireCredentials(sspi.CredentialUse, *sspi.AuthIdentity) (sspi.CredentialHandle, sspi.TimeStamp, error) {
	return endlessCredential{}, sspi.TimeStampNever, nil
}

// Catalog returns a catalog holding only p.
func (p EndlessProvider) Catalog() *sspi.Catalog {
	return sspi.NewCatalog(sspi.WithProviders(p))
}

type endlessCredential struct{}

func (endlessCredential) PrincipalName() (string, error) { return "", nil }
func (endlessCredential) Free() error                    { return nil }

func (c endlessCredential) InitializeContext(req *sspi.InitializeRequest) (sspi.Round, error) {
	return c.leg(req.Context, req.Output, req.Flags)
}

func (c endlessCredential) AcceptContext(req *sspi.AcceptRequest) (sspi.Round, error) {
	return c.leg(req.Context, req.Output, req.Flags)
}

func (endlessCredential) leg(ctx sspi.ContextHandle, out *sspi.BufferSet, flags sspi.ContextFlag) (sspi.Round, error) {
	if err := out.At(0).Set([]byte("more")); err != nil {
		return sspi.Round{}, err
	}

	r := sspi.Round{Flags: flags, Expiry: sspi.TimeStampNever, Status: sspi.StatusContinueNeeded}
	if ctx == nil {
		r.Context = &endlessContext{}
	}
	return r, nil
}

// endlessContext is never established, so the protection calls are never
// reached.
type endlessContext struct{}

func (*endlessContext) Sizes() (sspi.ContextSizes, error) {
	return sspi.ContextSizes{}, sspi.ErrNotEstablished
}

func (*endlessContext) Attribute(sspi.ContextAttribute) (string, error) {
	return "", sspi.ErrNotEstablished
}

func (*endlessContext) Encrypt(*sspi.BufferSet) error         { return sspi.ErrNotEstablished }
func (*endlessContext) Decrypt(*sspi.BufferSet) error         { return sspi.ErrNotEstablished }
func (*endlessContext) MakeSignature(*sspi.BufferSet) error   { return sspi.ErrNotEstablished }
func (*endlessContext) VerifySignature(*sspi.BufferSet) error { return sspi.ErrNotEstablished }
func (*endlessContext) Delete() error                         { return nil }
