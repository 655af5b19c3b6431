// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stormstore/osdsched/pkg/scrub"
)

var (
	tickRecovery   bool
	tickRepairOnly bool
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "force one initiate_scrub tick against a freshly seeded demo node",
	RunE: func(cmd *cobra.Command, args []string) error {
		node, err := newDemoNode()
		if err != nil {
			return err
		}
		outcome, pgid := node.osdScrub.InitiateScrub(context.Background(), tickRecovery, tickRepairOnly)
		fmt.Printf("outcome: %s\n", outcomeNames[outcome])
		if pgid != "" {
			fmt.Printf("pg: %s\n", pgid)
		}
		return nil
	},
}

func init() {
	tickCmd.Flags().BoolVar(&tickRecovery, "recovery-active", false, "simulate recovery being active this tick")
	tickCmd.Flags().BoolVar(&tickRepairOnly, "repair-only", false, "request a repair-only scrub")
}

var outcomeNames = map[scrub.InitiateOutcome]string{
	scrub.OutcomeSkippedBackoff:    "skipped_backoff",
	scrub.OutcomeRestricted:        "restricted",
	scrub.OutcomeNoEligiblePG:      "no_eligible_pg",
	scrub.OutcomeNoTargetAvailable: "no_target_available",
	scrub.OutcomeInitiated:         "initiated",
}
