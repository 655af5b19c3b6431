// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var dumpSchedulerCmd = &cobra.Command{
	Use:   "dump-scheduler",
	Short: "print the op scheduler's per-class queue depths",
	RunE: func(cmd *cobra.Command, args []string) error {
		node, err := newDemoNode()
		if err != nil {
			return err
		}
		return printJSON(node.opScheduler.Dump())
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
