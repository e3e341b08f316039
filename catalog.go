// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// CatalogOption configures a Catalog.
type CatalogOption func(*catalogOptions)

type catalogOptions struct {
	logger    *slog.Logger
	metrics   *Metrics
	providers []Provider
}

// WithLogger sets the logger used by the catalog and everything created
// through it.  The default discards all output.
func WithLogger(logger *slog.Logger) CatalogOption {
	return func(o *catalogOptions) {
		o.logger = logger
	}
}

// WithMetrics attaches counters to the catalog and everything created
// through it.
func WithMetrics(m *Metrics) CatalogOption {
	return func(o *catalogOptions) {
		o.metrics = m
	}
}

// WithProviders restricts the catalog to the given providers instead of
// every registered one.
func WithProviders(providers ...Provider) CatalogOption {
	return func(o *catalogOptions) {
		o.providers = append(o.providers, providers...)
	}
}

// Catalog resolves provider names to providers and their descriptions.  The
// provider list is built the first time the catalog is used and stays fixed
// for the life of the catalog.  A Catalog is safe for concurrent use.
type Catalog struct {
	opts catalogOptions

	once      sync.Once
	initErr   error
	providers map[string]catalogEntry
	infos     []ProviderInfo
}

type catalogEntry struct {
	provider Provider
	info     ProviderInfo
}

// NewCatalog returns a catalog configured by opts.  No provider is
// instantiated until the first query.
func NewCatalog(opts ...CatalogOption) *Catalog {
	c := &Catalog{}
	for _, o := range opts {
		o(&c.opts)
	}
	if c.opts.logger == nil {
		c.opts.logger = discardLogger()
	}

	return c
}

func (c *Catalog) init() error {
	c.once.Do(func() {
		providers := c.opts.providers
		if providers == nil {
			for _, name := range registeredProviders() {
				p, err := newProvider(name, c.opts.logger)
				if err != nil {
					c.initErr = err
					return
				}
				providers = append(providers, p)
			}
		}

		c.providers = make(map[string]catalogEntry, len(providers))
		for _, p := range providers {
			info := p.Info()
			key := strings.ToLower(info.Name)
			if _, ok := c.providers[key]; ok {
				c.initErr = fmt.Errorf("sspi: duplicate provider %q in catalog", info.Name)
				return
			}
			c.providers[key] = catalogEntry{provider: p, info: info}
			c.infos = append(c.infos, info)
		}

		c.opts.logger.Debug("provider catalog loaded", "providers", len(c.infos))
	})

	return c.initErr
}

// Enumerate returns the descriptions of every provider in the catalog.
func (c *Catalog) Enumerate() ([]ProviderInfo, error) {
	if err := c.init(); err != nil {
		return nil, err
	}

	return append([]ProviderInfo(nil), c.infos...), nil
}

// Query returns the description of the named provider.  Names are matched
// without regard to case.
func (c *Catalog) Query(name string) (ProviderInfo, error) {
	e, err := c.lookup(name)
	return e.info, err
}

func (c *Catalog) lookup(name string) (catalogEntry, error) {
	if err := c.init(); err != nil {
		return catalogEntry{}, err
	}

	e, ok := c.providers[strings.ToLower(name)]
	if !ok {
		return catalogEntry{}, Errorf(StatusProviderNotFound, "no provider named %q", name)
	}

	return e, nil
}

// Logger returns the catalog's logger.
func (c *Catalog) Logger() *slog.Logger {
	return c.opts.logger
}

// Metrics returns the catalog's counters, or nil.
func (c *Catalog) Metrics() *Metrics {
	return c.opts.metrics
}
