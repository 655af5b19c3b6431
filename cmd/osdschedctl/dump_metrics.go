// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dumpMetricsCmd = &cobra.Command{
	Use:   "dump-metrics",
	Short: "print the node's gauges (queue depths, blocked scrubs, resource counters)",
	RunE: func(cmd *cobra.Command, args []string) error {
		node, err := newDemoNode()
		if err != nil {
			return err
		}
		node.refreshMetrics()
		families, err := node.metrics.Gatherer().Gather()
		if err != nil {
			return err
		}
		for _, family := range families {
			for _, m := range family.GetMetric() {
				fmt.Printf("%s %g\n", family.GetName(), m.GetGauge().GetValue())
			}
		}
		return nil
	},
}
