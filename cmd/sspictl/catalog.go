// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"

	"github.com/golang-auth/go-sspi"
	"github.com/golang-auth/go-sspi/internal/config"
	"github.com/golang-auth/go-sspi/krb5"
	"github.com/golang-auth/go-sspi/negotiate"
)

// newCatalog builds a catalog of both providers, configured from cfg.
func newCatalog(cfg *config.Config, logger *slog.Logger, metrics *sspi.Metrics) (*sspi.Catalog, error) {
	dir := negotiate.NewDirectory(cfg.Negotiate.Realm)
	for name, password := range cfg.Negotiate.Principals {
		dir.AddPrincipal(name, password)
	}

	krbOpts := []krb5.Option{krb5.WithLogger(logger)}
	k := cfg.Kerberos
	if k.Config != "" {
		krbOpts = append(krbOpts, krb5.WithConfigFile(k.Config))
	}
	if k.CCache != "" {
		krbOpts = append(krbOpts, krb5.WithCCacheFile(k.CCache))
	}
	if k.Keytab != "" {
		krbOpts = append(krbOpts, krb5.WithKeytabFile(k.Keytab))
	}
	if k.ClockSkew > 0 {
		krbOpts = append(krbOpts, krb5.WithClockSkew(k.ClockSkew))
	}
	if k.AcceptorISN == "zero" {
		krbOpts = append(krbOpts, krb5.WithAcceptorISN(krb5.AcceptorISNZero))
	}

	catalog := sspi.NewCatalog(
		sspi.WithLogger(logger),
		sspi.WithMetrics(metrics),
		sspi.WithProviders(
			negotiate.New(negotiate.WithDirectory(dir), negotiate.WithLogger(logger)),
			krb5.New(krbOpts...),
		),
	)

	// surface a bad provider name before any handshake starts
	if _, err := catalog.Query(cfg.Provider); err != nil {
		return nil, err
	}

	return catalog, nil
}

// acquire binds a credential of the configured provider.  id nil means the
// ambient logon session.
func acquire(catalog *sspi.Catalog, provider string, use sspi.CredentialUse, id *sspi.AuthIdentity) (*sspi.Credential, error) {
	cred := sspi.NewCredential(catalog, provider, use)

	var err error
	if id != nil {
		err = cred.AcquireWithIdentity(*id)
	} else {
		err = cred.Acquire()
	}
	if err != nil {
		return nil, err
	}

	return cred, nil
}
