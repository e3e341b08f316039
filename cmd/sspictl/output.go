// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/golang-auth/go-sspi"
)

// table is rows of cells with a header row, rendered as an aligned table or
// as a YAML list of maps keyed by the lower-cased headers.
type table struct {
	headers []string
	rows    [][]string
}

func (t *table) add(cells ...any) {
	row := make([]string, len(cells))
	for i, c := range cells {
		row[i] = fmt.Sprint(c)
	}
	t.rows = append(t.rows, row)
}

func (t *table) write(w io.Writer, format string) error {
	switch strings.ToLower(format) {
	case "yaml":
		items := make([]map[string]string, 0, len(t.rows))
		for _, row := range t.rows {
			item := make(map[string]string, len(row))
			for i, h := range t.headers {
				item[strings.ToLower(h)] = row[i]
			}
			items = append(items, item)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(items); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	if len(t.rows) == 0 {
		_, err := fmt.Fprintln(w, "No resources found.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(t.headers, "\t")))
	for _, row := range t.rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func providerTable(infos ...sspi.ProviderInfo) *table {
	t := &table{headers: []string{"Name", "Version", "RPCID", "MaxToken", "Capabilities", "Comment"}}
	for _, i := range infos {
		t.add(i.Name, i.Version, i.RPCID, i.MaxTokenSize, i.Capabilities, i.Comment)
	}
	return t
}
