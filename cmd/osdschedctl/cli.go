// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "osdschedctl [command]",
	Short: "debug CLI for the op scheduler and scrub scheduler",
	Long:  `osdschedctl builds a demo node in-process and inspects or drives it.`,
}

func init() {
	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		dumpSchedulerCmd,
		dumpScrubCmd,
		dumpMetricsCmd,
		tickCmd,
	)
}

// Run executes the command named by args against rootCmd, mirroring
// pkg/cli.Run's shape.
func Run(args []string) error {
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}
