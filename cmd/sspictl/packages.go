// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/spf13/cobra"
)

func newPackagesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "packages",
		Aliases: []string{"list"},
		Short:   "List the security providers in the catalog",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := a.catalog.Enumerate()
			if err != nil {
				return err
			}
			return providerTable(infos...).write(a.out, a.output)
		},
	}
}

func newQueryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "query NAME",
		Short: "Show one security provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := a.catalog.Query(args[0])
			if err != nil {
				return err
			}
			return providerTable(info).write(a.out, a.output)
		},
	}
}
