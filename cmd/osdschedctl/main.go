// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

// osdschedctl is a small debug CLI over the op scheduler and scrub
// scheduler packages: it builds a standalone in-memory demo node, seeds it
// with a handful of placement groups and work items, and lets a caller dump
// its queues or force one scheduling tick, mirroring the dump/debug
// commands pkg/cli exposes for a running cockroach node.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
