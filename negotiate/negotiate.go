// SPDX-License-Identifier: Apache-2.0

// Package negotiate is an in-process authentication provider registered as
// "Negotiate".  Principals and their long-term keys are held in a
// [Directory] shared by both peers, playing the part of a domain controller.
//
// The handshake is three legs, NEGOTIATE, CHALLENGE and AUTHENTICATE,
// carrying X25519 key shares.  Each side proves knowledge of its long-term
// key over the handshake transcript, so the context is mutually
// authenticated after two round trips.  Messages are sealed with
// ChaCha20-Poly1305 and signed with truncated HMAC-SHA256, with per
// direction sequence numbers.
package negotiate

import (
	"log/slog"
	"time"

	"github.com/golang-auth/go-sspi"
)

// Name is the provider name the package registers.
const Name = "Negotiate"

const (
	rpcID   = 9
	version = 1

	// DefaultContextLifetime is how long an established context is valid.
	DefaultContextLifetime = 10 * time.Hour
)

// supportedFlags are the context flags the provider can grant.
const supportedFlags = sspi.FlagMutualAuth | sspi.FlagReplayDetect | sspi.FlagSequenceDetect |
	sspi.FlagConfidentiality | sspi.FlagIntegrity | sspi.FlagConnection | sspi.FlagExtendedError

var capabilities = sspi.CapIntegrity | sspi.CapPrivacy | sspi.CapConnection | sspi.CapMultiRequired |
	sspi.CapExtendedError | sspi.CapNegotiable | sspi.CapMutualAuth | sspi.CapLogon

func init() {
	sspi.RegisterProvider(Name, func(logger *slog.Logger) sspi.Provider {
		return New(WithLogger(logger))
	})
}

// Option configures a Provider.
type Option func(*Provider)

// WithDirectory sets the directory principals are looked up in.  The
// default is the process-wide DefaultDirectory.
func WithDirectory(d *Directory) Option {
	return func(p *Provider) {
		p.dir = d
	}
}

// WithLogger sets the provider's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithContextLifetime sets how long established contexts remain valid.  A
// zero or negative lifetime means contexts never expire.
func WithContextLifetime(d time.Duration) Option {
	return func(p *Provider) {
		p.lifetime = d
	}
}

// Provider implements sspi.Provider.
type Provider struct {
	dir      *Directory
	logger   *slog.Logger
	lifetime time.Duration
}

var _ sspi.Provider = (*Provider)(nil)

// New returns a provider configured by opts.
func New(opts ...Option) *Provider {
	p := &Provider{
		dir:      defaultDirectory,
		lifetime: DefaultContextLifetime,
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	p.logger = p.logger.With("provider", Name)

	return p
}

func (p *Provider) Info() sspi.ProviderInfo {
	return sspi.ProviderInfo{
		Name:         Name,
		Comment:      "In-process X25519 key agreement provider",
		Version:      version,
		RPCID:        rpcID,
		Capabilities: capabilities,
		MaxTokenSize: sspi.MaxTokenSize,
	}
}

// Directory returns the directory the provider authenticates against.
func (p *Provider) Directory() *Directory {
	return p.dir
}

// AcquireCredentials binds a credential for an explicit identity, or for the
// operating system user when identity is nil.  Credentials do not expire.
func (p *Provider) AcquireCredentials(use sspi.CredentialUse, identity *sspi.AuthIdentity) (sspi.CredentialHandle, sspi.TimeStamp, error) {
	var (
		principal string
		key       []byte
		err       error
	)

	if identity == nil {
		principal, key, err = p.dir.logonCurrentUser()
	} else {
		principal, key, err = p.dir.logon(*identity)
	}
	if err != nil {
		return nil, 0, err
	}

	p.logger.Debug("credentials acquired", "principal", principal, "use", use.String())

	return &credential{
		p:         p,
		principal: principal,
		key:       key,
		use:       use,
	}, sspi.TimeStampNever, nil
}

// credential implements sspi.CredentialHandle.
type credential struct {
	p         *Provider
	principal string
	key       []byte
	use       sspi.CredentialUse
}

func (c *credential) PrincipalName() (string, error) {
	return c.principal, nil
}

func (c *credential) Free() error {
	clear(c.key)
	return nil
}
