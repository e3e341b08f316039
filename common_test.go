// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// Local version of testify/assert  with some extensions
type myassert struct {
	*assert.Assertions

	t *testing.T
}

// Fail the test immediately on error
func (a *myassert) NoErrorFatal(err error) {
	a.NoError(err)
	if err != nil {
		a.t.Logf("Stopping test %s due to fatal error", a.t.Name())
		a.t.FailNow()
	}
}

func NewAssert(t *testing.T) *myassert {
	a := assert.New(t)
	return &myassert{a, t}
}

// fakeProvider is a provider whose handshake finishes after a fixed number
// of legs and whose protection calls echo their input.  It records every
// call so tests can check what reached the provider.
type fakeProvider struct {
	name       string
	acquireErr error
	legs       int
	freed      int
	deleted    int
	calls      int
	block      chan struct{}
	entered    chan struct{}
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, legs: 2}
}

func (p *fakeProvider) Info() ProviderInfo {
	return ProviderInfo{
		Name:         p.name,
		Comment:      "test provider",
		Version:      1,
		RPCID:        99,
		Capabilities: CapIntegrity | CapPrivacy | CapConnection,
		MaxTokenSize: 64,
	}
}

func (p *fakeProvider) AcquireCredentials(use CredentialUse, identity *AuthIdentity) (CredentialHandle, TimeStamp, error) {
	if p.acquireErr != nil {
		return nil, 0, p.acquireErr
	}

	name := ""
	if identity != nil {
		name = identity.Principal()
	}

	return &fakeCredential{p: p, name: name}, TimeStampNever, nil
}

type fakeCredential struct {
	p    *fakeProvider
	name string
}

func (c *fakeCredential) PrincipalName() (string, error) {
	c.p.calls++
	return c.name, nil
}

func (c *fakeCredential) Free() error {
	c.p.freed++
	return nil
}

func (c *fakeCredential) leg(ctx ContextHandle, out *BufferSet, flags ContextFlag) (Round, error) {
	c.p.calls++

	fc, _ := ctx.(*fakeContext)
	if fc == nil {
		fc = &fakeContext{p: c.p}
	}
	fc.legs++

	if err := out.At(0).Set([]byte{byte(fc.legs)}); err != nil {
		return Round{}, err
	}

	r := Round{Flags: flags &^ FlagDelegate, Expiry: TimeStampIn(time.Hour), Status: StatusContinueNeeded}
	if ctx == nil {
		r.Context = fc
	}
	if fc.legs >= c.p.legs {
		r.Status = StatusOK
	}

	return r, nil
}

func (c *fakeCredential) InitializeContext(req *InitializeRequest) (Round, error) {
	if req.Target == "bad" {
		return Round{}, Errorf(StatusTargetUnknown, "no such target")
	}
	return c.leg(req.Context, req.Output, req.Flags)
}

func (c *fakeCredential) AcceptContext(req *AcceptRequest) (Round, error) {
	return c.leg(req.Context, req.Output, req.Flags)
}

type fakeContext struct {
	p    *fakeProvider
	legs int
}

func (c *fakeContext) Sizes() (ContextSizes, error) {
	c.p.calls++
	return ContextSizes{MaxToken: 64, MaxSignature: 4, BlockSize: 0, SecurityTrailer: 4}, nil
}

func (c *fakeContext) Attribute(attr ContextAttribute) (string, error) {
	c.p.calls++
	if attr == AttributeNames {
		return "alice@EXAMPLE.COM", nil
	}
	return "EXAMPLE.COM", nil
}

func (c *fakeContext) Encrypt(msg *BufferSet) error {
	if c.p.entered != nil {
		c.p.entered <- struct{}{}
	}
	if c.p.block != nil {
		<-c.p.block
	}
	return msg.At(0).Set([]byte("SEAL"))
}

func (c *fakeContext) Decrypt(msg *BufferSet) error {
	return msg.At(1).SetLen(0)
}

func (c *fakeContext) MakeSignature(msg *BufferSet) error {
	return msg.At(0).Set([]byte("SIGN"))
}

func (c *fakeContext) VerifySignature(msg *BufferSet) error {
	if string(msg.At(0).Bytes()) != "SIGN" {
		return Errorf(StatusMessageAltered, "bad signature")
	}
	if string(msg.At(1).Bytes()) == "replayed" {
		return Errorf(StatusOutOfSequence, "replayed")
	}
	if string(msg.At(1).Bytes()) == "broken" {
		return Errorf(StatusInternalError, "broken")
	}
	return msg.At(0).SetLen(0)
}

func (c *fakeContext) Delete() error {
	c.p.deleted++
	return nil
}
