// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Role is the side of the handshake a security context plays.
type Role int

const (
	RoleInitiator Role = iota + 1
	RoleAcceptor
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleAcceptor:
		return "acceptor"
	}

	return "unknown"
}

// State is the handshake state of a security context.
type State int

const (
	StateUninitialized State = iota
	StateNegotiating
	StateEstablished
	StateFailed
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNegotiating:
		return "negotiating"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	case StateReleased:
		return "released"
	}

	return "unknown"
}

// Errors returned for calls that are not valid in the context's current
// state or role.  No provider call is made.
var (
	ErrNotEstablished     = errors.New("security context is not established")
	ErrAlreadyEstablished = errors.New("security context is already established")
	ErrWrongRole          = errors.New("operation is not valid for this security context role")
	ErrContextFailed      = errors.New("security context negotiation has failed")
)

// ContextOption configures a SecurityContext.
type ContextOption func(*contextOptions)

type contextOptions struct {
	channelBinding *ChannelBinding
	cacheSizes     bool
}

// WithChannelBinding binds the context to the channel that carries it.
func WithChannelBinding(cb *ChannelBinding) ContextOption {
	return func(o *contextOptions) {
		o.channelBinding = cb
	}
}

// WithSizeCaching makes the context query the provider's buffer sizes once,
// on first use, instead of before every protection call.  Only use it with
// providers whose sizes are fixed once the context is established.
func WithSizeCaching() ContextOption {
	return func(o *contextOptions) {
		o.cacheSizes = true
	}
}

// SecurityContext is one side of an authentication handshake and, once
// established, the session used to protect messages.
//
// The caller drives the handshake: the initiator calls Initialize with no
// input, sends the output to the acceptor, which calls Accept, and the two
// keep exchanging tokens until both report Established.  A side can finish
// while still producing a token, which must be delivered to its peer.
//
// A context borrows its credential, which must not be released until the
// context is.  Handshake calls must not be made concurrently; Release may be
// called concurrently with protection calls and waits for them.
type SecurityContext struct {
	cred      *Credential
	credH     *handle[CredentialHandle]
	info      ProviderInfo
	role      Role
	requested ContextFlag
	maxToken  int
	opts      contextOptions
	logger    *slog.Logger
	metrics   *Metrics

	mu         sync.Mutex
	state      State
	h          *handle[ContextHandle]
	negotiated ContextFlag
	expiry     time.Time
	user       *string
	authority  *string
	sizes      *ContextSizes
}

// NewInitiator returns a context for the client side of a handshake.  The
// credential must be acquired for outbound use.
func NewInitiator(cred *Credential, flags ContextFlag, opts ...ContextOption) (*SecurityContext, error) {
	return newSecurityContext(cred, RoleInitiator, flags, opts)
}

// NewAcceptor returns a context for the server side of a handshake.  The
// credential must be acquired for inbound use.
func NewAcceptor(cred *Credential, flags ContextFlag, opts ...ContextOption) (*SecurityContext, error) {
	return newSecurityContext(cred, RoleAcceptor, flags, opts)
}

func newSecurityContext(cred *Credential, role Role, flags ContextFlag, opts []ContextOption) (*SecurityContext, error) {
	if cred == nil {
		return nil, Errorf(StatusInvalidHandle, "no credential supplied")
	}

	credH, _ := cred.current()
	if credH == nil || credH.disposed() {
		return nil, Errorf(StatusInvalidHandle, "credential is not acquired")
	}

	want := CredentialOutbound
	if role == RoleAcceptor {
		want = CredentialInbound
	}
	if !cred.Use().Covers(want) {
		return nil, fmt.Errorf("%w: %s credential cannot be used by an %s", ErrWrongRole, cred.Use(), role)
	}

	info, err := cred.catalog.Query(cred.ProviderName())
	if err != nil {
		return nil, err
	}

	c := &SecurityContext{
		cred:      cred,
		credH:     credH,
		info:      info,
		role:      role,
		requested: flags,
		maxToken:  int(info.MaxTokenSize),
		logger:    cred.catalog.Logger().With("provider", info.Name, "role", role.String()),
		metrics:   cred.catalog.Metrics(),
	}
	for _, o := range opts {
		o(&c.opts)
	}

	return c, nil
}

// Initialize runs one initiator leg.  The first call passes no input; later
// calls pass the token most recently received from the acceptor.  The
// returned token, if not empty, must be sent to the acceptor, even when the
// context has become established.
func (c *SecurityContext) Initialize(target string, input []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleInitiator {
		return nil, ErrWrongRole
	}
	if err := c.checkNegotiable(); err != nil {
		return nil, err
	}

	return c.round(input, func(ctx ContextHandle, cred CredentialHandle, in, out *BufferSet) (Round, error) {
		return cred.InitializeContext(&InitializeRequest{
			Context:        ctx,
			Target:         target,
			Flags:          c.requested,
			Input:          in,
			Output:         out,
			ChannelBinding: c.opts.channelBinding,
		})
	})
}

// Accept runs one acceptor leg with the token most recently received from
// the initiator.  The returned token, if not empty, must be sent back.
func (c *SecurityContext) Accept(input []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role != RoleAcceptor {
		return nil, ErrWrongRole
	}
	if err := c.checkNegotiable(); err != nil {
		return nil, err
	}
	if len(input) == 0 {
		return nil, Errorf(StatusInvalidToken, "acceptor requires a token from the initiator")
	}

	return c.round(input, func(ctx ContextHandle, cred CredentialHandle, in, out *BufferSet) (Round, error) {
		return cred.AcceptContext(&AcceptRequest{
			Context:        ctx,
			Flags:          c.requested,
			Input:          in,
			Output:         out,
			ChannelBinding: c.opts.channelBinding,
		})
	})
}

func (c *SecurityContext) checkNegotiable() error {
	switch c.state {
	case StateEstablished:
		return ErrAlreadyEstablished
	case StateFailed:
		return ErrContextFailed
	case StateReleased:
		return Errorf(StatusInvalidHandle, "security context has been released")
	}

	return nil
}

type legFunc func(ctx ContextHandle, cred CredentialHandle, in, out *BufferSet) (Round, error)

// round performs one handshake leg with c.mu held.
func (c *SecurityContext) round(input []byte, leg legFunc) ([]byte, error) {
	out := NewBufferSet(BufferSpec{Kind: BufferToken, Size: c.maxToken})
	defer out.Free() //nolint:errcheck
	c.metrics.bufferSet()

	var in *BufferSet
	if len(input) > 0 {
		in = NewTokenBuffer(input)
		defer in.Free() //nolint:errcheck
		c.metrics.bufferSet()
	}

	var r Round
	err := c.credH.use(func(cred CredentialHandle) (err error) {
		if c.h == nil {
			r, err = leg(nil, cred, in, out)
			return err
		}

		return c.h.use(func(ctx ContextHandle) (err error) {
			r, err = leg(ctx, cred, in, out)
			return err
		})
	})
	if err == nil && r.Status != StatusOK && r.Status != StatusContinueNeeded {
		err = NewStatusError(r.Status, "unexpected status from provider")
	}
	if err == nil && c.h == nil && r.Context == nil {
		err = Errorf(StatusInternalError, "provider returned no security context")
	}

	c.metrics.round(c.info.Name, c.role, outcomeOf(r.Status, err))

	if err != nil {
		c.state = StateFailed
		c.logger.Debug("handshake failed", statusAttr(err), "error", err)
		return nil, wrapStatus(err, "security context negotiation failed")
	}

	if c.h == nil {
		c.h = newHandle(r.Context, ContextHandle.Delete)
	}
	c.negotiated = r.Flags
	c.expiry = r.Expiry.Time()

	if r.Status == StatusOK {
		c.state = StateEstablished
	} else {
		c.state = StateNegotiating
	}

	token, err := out.ToBytes()
	if err != nil {
		return nil, err
	}

	c.logger.Debug("handshake round", "state", c.state.String(), "flags", uint32(c.negotiated), "output", len(token))
	return token, nil
}

// State returns the handshake state.
func (c *SecurityContext) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Established reports whether the handshake has completed on this side.
func (c *SecurityContext) Established() bool {
	return c.State() == StateEstablished
}

func (c *SecurityContext) Role() Role {
	return c.role
}

// RequestedFlags returns the flags the context was created with.
func (c *SecurityContext) RequestedFlags() ContextFlag {
	return c.requested
}

// NegotiatedFlags returns the flags the provider granted in the most recent
// round.  They are only final once the context is established.
func (c *SecurityContext) NegotiatedFlags() ContextFlag {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.negotiated
}

// Expiry returns when the context expires, as reported by the provider in
// the most recent round.
func (c *SecurityContext) Expiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.expiry
}

// Provider returns the description of the context's provider.
func (c *SecurityContext) Provider() ProviderInfo {
	return c.info
}

// Credential returns the credential the context borrows.
func (c *SecurityContext) Credential() *Credential {
	return c.cred
}

// UserName returns the authenticated client principal.
func (c *SecurityContext) UserName() (string, error) {
	return c.attribute(AttributeNames, &c.user)
}

// Authority returns the name of the authority that authenticated the client.
func (c *SecurityContext) Authority() (string, error) {
	return c.attribute(AttributeAuthority, &c.authority)
}

func (c *SecurityContext) attribute(attr ContextAttribute, cache **string) (string, error) {
	c.mu.Lock()
	if *cache != nil {
		defer c.mu.Unlock()
		return **cache, nil
	}
	h, err := c.establishedHandle()
	c.mu.Unlock()
	if err != nil {
		return "", err
	}

	var value string
	err = h.use(func(ctx ContextHandle) (err error) {
		value, err = ctx.Attribute(attr)
		return err
	})
	if err != nil {
		return "", wrapStatus(err, "failed to query context attribute")
	}

	c.mu.Lock()
	*cache = &value
	c.mu.Unlock()

	return value, nil
}

// Sizes returns the buffer sizes the provider needs for message protection.
func (c *SecurityContext) Sizes() (ContextSizes, error) {
	c.mu.Lock()
	h, err := c.establishedHandle()
	cached := c.sizes
	c.mu.Unlock()
	if err != nil {
		return ContextSizes{}, err
	}

	return c.sizesOf(h, cached)
}

func (c *SecurityContext) sizesOf(h *handle[ContextHandle], cached *ContextSizes) (ContextSizes, error) {
	if cached != nil {
		return *cached, nil
	}

	var sizes ContextSizes
	err := h.use(func(ctx ContextHandle) (err error) {
		sizes, err = ctx.Sizes()
		return err
	})
	if err != nil {
		return ContextSizes{}, wrapStatus(err, "failed to query context sizes")
	}

	if c.opts.cacheSizes {
		c.mu.Lock()
		c.sizes = &sizes
		c.mu.Unlock()
	}

	return sizes, nil
}

// establishedHandle returns the context handle for use outside c.mu.  A
// released context returns its disposed handle so that the pinned call
// reports an invalid handle.
func (c *SecurityContext) establishedHandle() (*handle[ContextHandle], error) {
	switch c.state {
	case StateEstablished:
		return c.h, nil
	case StateReleased:
		if c.h != nil {
			return c.h, nil
		}
		return nil, Errorf(StatusInvalidHandle, "security context has been released")
	}

	return nil, ErrNotEstablished
}

// Release deletes the provider context once every in-flight call using it
// has returned.  Further calls do nothing.
func (c *SecurityContext) Release() error {
	c.mu.Lock()
	if c.state == StateReleased {
		c.mu.Unlock()
		return nil
	}
	c.state = StateReleased
	h := c.h
	c.mu.Unlock()

	if h == nil {
		return nil
	}

	if err := h.dispose(); err != nil {
		return wrapStatus(err, "failed to delete security context")
	}

	c.logger.Debug("security context released")
	return nil
}
