// SPDX-License-Identifier: Apache-2.0

// Command sspictl lists the security providers, runs an in-process self
// test of one, and runs authenticated echo sessions between a client and a
// server over TCP.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
