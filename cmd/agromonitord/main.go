// Copyright 2025 Agromonitor Authors
// SPDX-License-Identifier: Apache-2.0

// agromonitord runs the agromonitor fieldstore server: the remote document
// and binary store that field devices sync against.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
