// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/golang-auth/go-sspi"
	"github.com/golang-auth/go-sspi/internal/config"
)

// app is the state shared by every subcommand, set up in PersistentPreRunE.
type app struct {
	// global flags
	cfgFile  string
	output   string
	provider string
	logLevel string
	flags    []string

	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *sspi.Metrics
	catalog  *sspi.Catalog
	out      io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "sspictl",
		Short: "Inspect and exercise security providers",
		Long: `sspictl lists the registered security providers, runs an in-process
handshake and message protection self test against one of them, and runs
authenticated echo sessions between "sspictl serve" and "sspictl connect".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default ~/.sspictl/config.yaml)")
	pf.StringVarP(&a.output, "output", "o", "table", "output format: table or yaml")
	pf.StringVarP(&a.provider, "provider", "p", "", "provider name, overrides the config file")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringSliceVar(&a.flags, "flags", nil, "context flags, e.g. mutual,confidentiality,integrity")

	root.AddCommand(
		newPackagesCmd(a),
		newQueryCmd(a),
		newSelftestCmd(a),
		newServeCmd(a),
		newConnectCmd(a),
	)

	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	a.out = cmd.OutOrStdout()

	path := a.cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// flags override the file
	if a.provider != "" {
		cfg.Provider = a.provider
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if len(a.flags) > 0 {
		cfg.Flags = a.flags
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	level, _ := cfg.Level()
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	a.registry = prometheus.NewRegistry()
	if a.metrics, err = sspi.NewMetrics(a.registry); err != nil {
		return err
	}

	a.catalog, err = newCatalog(cfg, a.logger, a.metrics)
	return err
}
