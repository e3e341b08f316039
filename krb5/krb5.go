// SPDX-License-Identifier: Apache-2.0

/*
Package krb5 is the Kerberos V5 provider (RFC 4121), registered as
"Kerberos".  It is built on the pure-Go gokrb5 library and does not need a
system Kerberos installation.

Outbound credentials come from the user's credentials cache, or from a
password or keytab login when an explicit identity is supplied.  Inbound
credentials are the service keys in a keytab.  File locations default to the
usual MIT environment variables:

	KRB5_CONFIG          krb5.conf, default /etc/krb5.conf
	KRB5CCNAME           credentials cache, default /tmp/krb5cc_<uid>
	KRB5_KTNAME          service keytab, default /etc/krb5.keytab
	KRB5_CLIENT_KTNAME   client keytab, default /var/kerberos/krb5/user/<uid>/client.keytab

Importing the package registers the provider with its defaults:

	import _ "github.com/golang-auth/go-sspi/krb5"
*/
package krb5

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/golang-auth/go-sspi"
)

// Name is the provider name the package registers.
const Name = "Kerberos"

const (
	rpcID    = 16
	version  = 1
	maxToken = 48000

	// DefaultClockSkew is the largest tolerated difference between the
	// clocks of the two peers.
	DefaultClockSkew = 10 * time.Second
)

// supportedFlags are the context flags the provider can grant.
const supportedFlags = sspi.FlagMutualAuth | sspi.FlagReplayDetect | sspi.FlagSequenceDetect |
	sspi.FlagConfidentiality | sspi.FlagIntegrity

var capabilities = sspi.CapIntegrity | sspi.CapPrivacy | sspi.CapTokenOnly | sspi.CapConnection |
	sspi.CapExtendedError | sspi.CapGssCompatible | sspi.CapLogon | sspi.CapMutualAuth

func init() {
	sspi.RegisterProvider(Name, func(logger *slog.Logger) sspi.Provider {
		return New(WithLogger(logger))
	})
}

// AcceptorISN selects the acceptor's initial sequence number on contexts
// without mutual authentication, where the acceptor has no way to send its
// own.
type AcceptorISN int

const (
	// AcceptorISNInitiator reuses the initiator's sequence number, as MIT
	// Kerberos and Windows do.
	AcceptorISNInitiator AcceptorISN = iota

	// AcceptorISNZero starts at zero, as Heimdal does.
	AcceptorISNZero
)

// Option configures a Provider.
type Option func(*Provider)

// WithConfig uses cfg instead of loading krb5.conf.
func WithConfig(cfg *config.Config) Option {
	return func(p *Provider) {
		p.cfg = cfg
	}
}

// WithConfigFile sets the krb5.conf location.
func WithConfigFile(path string) Option {
	return func(p *Provider) {
		p.cfgFile = path
	}
}

// WithCCacheFile sets the credentials cache used for ambient outbound
// credentials.
func WithCCacheFile(path string) Option {
	return func(p *Provider) {
		p.ccFile = strings.TrimPrefix(path, "FILE:")
	}
}

// WithKeytab sets the service keys used for inbound credentials.
func WithKeytab(kt *keytab.Keytab) Option {
	return func(p *Provider) {
		p.kt = kt
	}
}

// WithKeytabFile sets the service keytab location.
func WithKeytabFile(path string) Option {
	return func(p *Provider) {
		p.ktFile = strings.TrimPrefix(path, "FILE:")
	}
}

// WithClient makes ambient outbound credentials use an existing, logged in
// gokrb5 client.  The provider does not destroy it.
func WithClient(cl *client.Client) Option {
	return func(p *Provider) {
		p.login = &login{
			tickets: cl,
			cname:   cl.Credentials.CName(),
			realm:   cl.Credentials.Domain(),
			expiry:  sspi.TimeStampNever,
		}
	}
}

// WithClockSkew sets the tolerated clock difference between peers.
func WithClockSkew(d time.Duration) Option {
	return func(p *Provider) {
		p.skew = d
	}
}

// WithAcceptorISN sets the acceptor initial sequence number policy.
func WithAcceptorISN(isn AcceptorISN) Option {
	return func(p *Provider) {
		p.isn = isn
	}
}

// WithLogger sets the provider's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// Provider implements sspi.Provider.
type Provider struct {
	logger *slog.Logger

	cfg     *config.Config
	cfgFile string
	ccFile  string
	ktFile  string
	kt      *keytab.Keytab
	login   *login

	skew time.Duration
	isn  AcceptorISN
}

var _ sspi.Provider = (*Provider)(nil)

// New returns a provider configured by opts.
func New(opts ...Option) *Provider {
	p := &Provider{
		cfgFile: krbConfFile(),
		ccFile:  krbCCFile(),
		ktFile:  krbKtFile(),
		skew:    DefaultClockSkew,
		isn:     AcceptorISNInitiator,
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
		Comment:      "Kerberos V5 (RFC 4121)",
		Version:      version,
		RPCID:        rpcID,
		Capabilities: capabilities,
		MaxTokenSize: maxToken,
	}
}

// AcquireCredentials logs on for outbound use and loads the service keytab
// for inbound use.  With a nil identity the outbound credential is the
// ticket-granting ticket in the credentials cache.  An identity with a
// password logs on to the KDC; one without a password logs on with the
// client keytab.  For inbound-only credentials the identity instead names
// the one service principal contexts may be accepted for.
func (p *Provider) AcquireCredentials(use sspi.CredentialUse, identity *sspi.AuthIdentity) (sspi.CredentialHandle, sspi.TimeStamp, error) {
	c := &credential{p: p, use: use}
	expiry := sspi.TimeStampNever

	if use.Covers(sspi.CredentialOutbound) {
		l, err := p.logon(identity)
		if err != nil {
			return nil, 0, err
		}
		c.login = l
		expiry = l.expiry
	}

	if use.Covers(sspi.CredentialInbound) {
		kt, err := p.keytab()
		if err != nil {
			c.free()
			return nil, 0, err
		}
		c.kt = kt

		if identity != nil && !use.Covers(sspi.CredentialOutbound) {
			c.service = identity.Principal()
		}
	}

	p.logger.Debug("credentials acquired", "use", use.String(), "principal", c.principal())

	return c, expiry, nil
}

func (p *Provider) config() (*config.Config, error) {
	if p.cfg != nil {
		return p.cfg, nil
	}

	cfg, err := config.Load(p.cfgFile)
	if err != nil {
		return nil, sspi.Errorf(sspi.StatusNoAuthenticatingAuthority, "loading %s: %w", p.cfgFile, err)
	}

	return cfg, nil
}

func (p *Provider) keytab() (*keytab.Keytab, error) {
	if p.kt != nil {
		return p.kt, nil
	}

	kt, err := keytab.Load(p.ktFile)
	if err != nil {
		return nil, sspi.Errorf(sspi.StatusNoCredentials, "loading keytab %s: %w", p.ktFile, err)
	}

	return kt, nil
}

func (p *Provider) logon(identity *sspi.AuthIdentity) (*login, error) {
	if identity == nil && p.login != nil {
		return p.login, nil
	}

	cfg, err := p.config()
	if err != nil {
		return nil, err
	}

	if identity == nil {
		return p.logonFromCCache(cfg)
	}

	realm := strings.ToUpper(identity.Domain)
	if realm == "" {
		realm = cfg.LibDefaults.DefaultRealm
	}

	var cl *client.Client
	if identity.Password != "" {
		cl = client.NewWithPassword(identity.User, realm, identity.Password, cfg)
	} else {
		ktFile := krbClientKtFile()
		kt, err := keytab.Load(ktFile)
		if err != nil {
			return nil, sspi.Errorf(sspi.StatusNoCredentials, "loading client keytab %s: %w", ktFile, err)
		}
		cl = client.NewWithKeytab(identity.User, realm, kt, cfg)
	}

	if err := cl.Login(); err != nil {
		cl.Destroy()
		return nil, loginError(identity.Principal(), err)
	}

	return &login{
		tickets: cl,
		cname:   cl.Credentials.CName(),
		realm:   cl.Credentials.Domain(),
		expiry:  sspi.TimeStampIn(cfg.LibDefaults.TicketLifetime),
		destroy: cl.Destroy,
	}, nil
}

func (p *Provider) logonFromCCache(cfg *config.Config) (*login, error) {
	cc, err := credentials.LoadCCache(p.ccFile)
	if err != nil {
		return nil, sspi.Errorf(sspi.StatusNoCredentials, "loading credentials cache %s: %w", p.ccFile, err)
	}

	cl, err := client.NewFromCCache(cc, cfg)
	if err != nil {
		return nil, sspi.Errorf(sspi.StatusNoCredentials, "using credentials cache %s: %w", p.ccFile, err)
	}

	if err := cl.AffirmLogin(); err != nil {
		cl.Destroy()
		return nil, sspi.Errorf(sspi.StatusNoCredentials, "checking TGT: %w", err)
	}

	return &login{
		tickets: cl,
		cname:   cc.GetClientPrincipalName(),
		realm:   cc.GetClientRealm(),
		expiry:  tgtExpiry(cc),
		destroy: cl.Destroy,
	}, nil
}

// tgtExpiry is the end time of the ticket-granting ticket in cc.
func tgtExpiry(cc *credentials.CCache) sspi.TimeStamp {
	for _, e := range cc.GetEntries() {
		name := e.Server.PrincipalName.NameString
		if len(name) > 0 && name[0] == "krbtgt" {
			return sspi.TimeStampFromTime(e.EndTime)
		}
	}

	return sspi.TimeStampNever
}

// ticketSource obtains service tickets.  *client.Client implements it.
type ticketSource interface {
	GetServiceTicket(spn string) (messages.Ticket, types.EncryptionKey, error)
}

// login is an outbound logon session.
type login struct {
	tickets ticketSource
	cname   types.PrincipalName
	realm   string
	expiry  sspi.TimeStamp
	destroy func()
}

func (l *login) principal() string {
	return fmt.Sprintf("%s@%s", l.cname.PrincipalNameString(), l.realm)
}

// credential implements sspi.CredentialHandle.
type credential struct {
	p   *Provider
	use sspi.CredentialUse

	login *login

	kt      *keytab.Keytab
	service string
}

func (c *credential) principal() string {
	if c.login != nil {
		return c.login.principal()
	}
	return c.service
}

func (c *credential) PrincipalName() (string, error) {
	return c.principal(), nil
}

func (c *credential) Free() error {
	c.free()
	return nil
}

func (c *credential) free() {
	if c.login != nil && c.login.destroy != nil {
		c.login.destroy()
	}
	c.login = nil
	c.kt = nil
}

func krbConfFile() string {
	cfgFile, ok := os.LookupEnv("KRB5_CONFIG")
	if !ok {
		cfgFile = "/etc/krb5.conf"
	}

	return cfgFile
}

func krbCCFile() string {
	ccFile, ok := os.LookupEnv("KRB5CCNAME")
	if !ok {
		ccFile = fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
	}

	return strings.TrimPrefix(ccFile, "FILE:")
}

func krbKtFile() string {
	ktFile, ok := os.LookupEnv("KRB5_KTNAME")
	if !ok {
		ktFile = "/etc/krb5.keytab"
	}

	return strings.TrimPrefix(ktFile, "FILE:")
}

func krbClientKtFile() string {
	ktFile, ok := os.LookupEnv("KRB5_CLIENT_KTNAME")
	if !ok {
		ktFile = fmt.Sprintf("/var/kerberos/krb5/user/%d/client.keytab", os.Getuid())
	}

	return strings.TrimPrefix(ktFile, "FILE:")
}
