// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// MaxTokenSize is the default largest token a provider produces in one leg.
const MaxTokenSize = 12288

// ProviderInfo is the static description of a provider, as returned by the
// catalog.
type ProviderInfo struct {
	Name         string            `yaml:"name"`
	Comment      string            `yaml:"comment"`
	Version      uint16            `yaml:"version"`
	RPCID        uint16            `yaml:"rpcid"`
	Capabilities PackageCapability `yaml:"capabilities"`
	MaxTokenSize uint32            `yaml:"maxTokenSize"`
}

// ContextSizes are the buffer sizes a provider needs for message protection
// on an established context.
type ContextSizes struct {
	MaxToken        uint32
	MaxSignature    uint32
	BlockSize       uint32
	SecurityTrailer uint32
}

// ContextAttribute selects what ContextHandle.Attribute reports.
type ContextAttribute uint32

const (
	AttributeNames     ContextAttribute = 1 // the authenticated client principal
	AttributeAuthority ContextAttribute = 6 // the authority that authenticated it
)

// Provider is implemented by authentication mechanisms.  Providers make
// themselves available by calling RegisterProvider from an init function.
type Provider interface {
	Info() ProviderInfo

	// AcquireCredentials binds a credential for the given use.  A nil
	// identity selects the ambient logon session.
	AcquireCredentials(use CredentialUse, identity *AuthIdentity) (CredentialHandle, TimeStamp, error)
}

// CredentialHandle is a provider credential.
type CredentialHandle interface {
	// PrincipalName returns the principal the credential belongs to, or "".
	PrincipalName() (string, error)

	InitializeContext(req *InitializeRequest) (Round, error)
	AcceptContext(req *AcceptRequest) (Round, error)

	Free() error
}

// InitializeRequest carries one initiator leg to a provider.  Context is nil
// on the first leg.  The provider writes its reply into the single Token
// buffer of Output and sets its length.
type InitializeRequest struct {
	Context        ContextHandle
	Target         string
	Flags          ContextFlag
	Input          *BufferSet
	Output         *BufferSet
	ChannelBinding *ChannelBinding
}

// AcceptRequest carries one acceptor leg to a provider.
type AcceptRequest struct {
	Context        ContextHandle
	Flags          ContextFlag
	Input          *BufferSet
	Output         *BufferSet
	ChannelBinding *ChannelBinding
}

// Round is what a provider reports for a successful leg.  Status is
// StatusOK once the context is complete and StatusContinueNeeded when more
// legs are needed; failures are reported through the error return instead.
// Context must be set on the first leg and is ignored afterwards.
type Round struct {
	Context ContextHandle
	Flags   ContextFlag
	Expiry  TimeStamp
	Status  Status
}

// ContextHandle is a provider security context.  The protection methods work
// in place on buffer sets laid out as described on SecurityContext.
type ContextHandle interface {
	Sizes() (ContextSizes, error)
	Attribute(attr ContextAttribute) (string, error)

	Encrypt(msg *BufferSet) error
	Decrypt(msg *BufferSet) error
	MakeSignature(msg *BufferSet) error
	VerifySignature(msg *BufferSet) error

	Delete() error
}

// ProviderFactory builds a provider.  It receives the catalog's logger.
type ProviderFactory func(logger *slog.Logger) Provider

var registry = struct {
	sync.Mutex
	factories map[string]ProviderFactory
}{factories: map[string]ProviderFactory{}}

// RegisterProvider makes a provider available by name.  It panics if the
// name is already taken.
func RegisterProvider(name string, f ProviderFactory) {
	registry.Lock()
	defer registry.Unlock()

	key := strings.ToLower(name)
	if _, ok := registry.factories[key]; ok {
		panic("sspi: provider " + name + " registered twice")
	}

	registry.factories[key] = f
}

// IsRegistered reports whether a provider of that name is registered.
func IsRegistered(name string) bool {
	registry.Lock()
	defer registry.Unlock()

	_, ok := registry.factories[strings.ToLower(name)]
	return ok
}

// NewProvider builds the named provider with a discarding logger.
func NewProvider(name string) (Provider, error) {
	return newProvider(name, discardLogger())
}

// MustNewProvider is like NewProvider but panics on error.
func MustNewProvider(name string) Provider {
	p, err := NewProvider(name)
	if err != nil {
		panic(err)
	}

	return p
}

func newProvider(name string, logger *slog.Logger) (Provider, error) {
	registry.Lock()
	f, ok := registry.factories[strings.ToLower(name)]
	registry.Unlock()

	if !ok {
		return nil, Errorf(StatusProviderNotFound, "provider %q is not registered", name)
	}

	return f(logger), nil
}

// registeredProviders returns the registered names in sorted order.
func registeredProviders() []string {
	registry.Lock()
	defer registry.Unlock()

	names := make([]string, 0, len(registry.factories))
	for name := range registry.factories {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func (i ProviderInfo) String() string {
	return fmt.Sprintf("%s v%d (rpcid %d, max token %d): %s", i.Name, i.Version, i.RPCID, i.MaxTokenSize, i.Capabilities)
}
