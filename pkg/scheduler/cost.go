// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scheduler

import (
	"github.com/stormstore/osdsched/pkg/settings"
)

// DeviceClass selects which pair of capacity/bandwidth settings a
// CostModel resolves against.
type DeviceClass int

const (
	Rotational DeviceClass = iota
	SolidState
)

// CostModel converts a WorkItem's raw Cost into the scaled, 32-bit cost
// unit the mClock lane reasons about, per spec.md §3/§4.1:
//
//	scaled_cost = size_bytes + bandwidth_cost_per_io * iops
//	bandwidth_cost_per_io = max_sequential_bandwidth / max_capacity_iops
//
// capacityPerShard (max_sequential_bandwidth / num_op_shard_threads) is the
// per-shard-thread share of device bandwidth; ClientRegistry resolves
// reservation/weight/limit ratios against it.
type CostModel struct {
	maxCapacityIOPS          float64
	maxSequentialBandwidth   float64
	bandwidthCostPerIO       float64
	capacityPerShardThread   float64
}

// NewCostModel resolves device-class capacity settings from conf.
func NewCostModel(conf settings.ConfigProvider, class DeviceClass, numShardThreads int64) *CostModel {
	cm := &CostModel{}
	cm.update(conf, class, numShardThreads)
	return cm
}

func (cm *CostModel) update(conf settings.ConfigProvider, class DeviceClass, numShardThreads int64) {
	switch class {
	case SolidState:
		cm.maxCapacityIOPS = conf.GetFloat64(settings.MClockMaxCapacityIopsSSD)
		cm.maxSequentialBandwidth = conf.GetFloat64(settings.MClockMaxSequentialBandwidthSSD)
	default:
		cm.maxCapacityIOPS = conf.GetFloat64(settings.MClockMaxCapacityIopsHDD)
		cm.maxSequentialBandwidth = conf.GetFloat64(settings.MClockMaxSequentialBandwidthHDD)
	}
	if cm.maxCapacityIOPS <= 0 {
		cm.maxCapacityIOPS = 1
	}
	cm.bandwidthCostPerIO = cm.maxSequentialBandwidth / cm.maxCapacityIOPS
	threads := numShardThreads
	if threads <= 0 {
		threads = 1
	}
	cm.capacityPerShardThread = cm.maxSequentialBandwidth / float64(threads)
}

// CapacityPerShardThread returns the per-shard-thread share of bandwidth
// that reservation/limit config ratios are resolved against.
func (cm *CostModel) CapacityPerShardThread() float64 { return cm.capacityPerShardThread }

// ScaledCost implements calc_scaled_cost: clamps to a minimum of 1 and
// returns a value safe to narrow to 32 bits, per spec.md §4.1's boundary
// behavior ("scaled_cost = 0 inputs are clamped to 1").
func (cm *CostModel) ScaledCost(c Cost) uint32 {
	scaled := float64(c.SizeBytes) + cm.bandwidthCostPerIO*float64(c.IOPS)
	if scaled < 1 {
		scaled = 1
	}
	if scaled > float64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(scaled)
}
