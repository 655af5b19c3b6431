// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stormstore/osdsched/pkg/settings"
)

func TestScaledCost(t *testing.T) {
	conf := settings.NewInMemoryConfig()
	conf.SetFloat64(settings.MClockMaxCapacityIopsHDD, 1000)
	conf.SetFloat64(settings.MClockMaxSequentialBandwidthHDD, 500_000_000)

	cm := NewCostModel(conf, Rotational, 1)
	require.Equal(t, float64(500_000), cm.bandwidthCostPerIO)

	got := cm.ScaledCost(Cost{SizeBytes: 4096, IOPS: 1})
	require.Equal(t, uint32(504_096), got)
}

func TestScaledCostClampsToOne(t *testing.T) {
	conf := settings.NewInMemoryConfig()
	conf.SetFloat64(settings.MClockMaxCapacityIopsHDD, 1000)
	conf.SetFloat64(settings.MClockMaxSequentialBandwidthHDD, 500_000_000)
	cm := NewCostModel(conf, Rotational, 1)

	require.Equal(t, uint32(1), cm.ScaledCost(Cost{}))
}

func TestCapacityPerShardThread(t *testing.T) {
	conf := settings.NewInMemoryConfig()
	conf.SetFloat64(settings.MClockMaxSequentialBandwidthHDD, 1000)
	cm := NewCostModel(conf, Rotational, 5)
	require.Equal(t, float64(200), cm.CapacityPerShardThread())
}
