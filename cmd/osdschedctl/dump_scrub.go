// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package main

import (
	"github.com/spf13/cobra"
)

var dumpScrubCmd = &cobra.Command{
	Use:   "dump-scrub",
	Short: "print the scrub queue's registered jobs, to_scrub and penalized lanes",
	RunE: func(cmd *cobra.Command, args []string) error {
		node, err := newDemoNode()
		if err != nil {
			return err
		}
		return printJSON(node.queue.DumpScrubs())
	},
}
