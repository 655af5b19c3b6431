// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scheduler

import (
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/stormstore/osdsched/pkg/settings"
)

// Priority levels bracketing the high/low cutoff choices, mirroring the
// original's fixed client-op priority constants.
const (
	PriorityLow  int32 = 63
	PriorityHigh int32 = 127
)

// CutoffPolicy resolves the priority boundary above which an op enters the
// high-priority lane regardless of class, per spec.md §4.1: a "high" cutoff
// only exempts ordinary client ops, a "low" cutoff exempts only genuinely
// immediate traffic, and "debug_random" picks one of the two when the
// policy is constructed. OpScheduler constructs a new policy on every
// UpdateConfiguration, so a debug_random pick is drawn again there.
type CutoffPolicy struct {
	cutoff int32
}

// NewCutoffPolicy resolves osd_op_queue_cut_off from conf.
func NewCutoffPolicy(conf settings.ConfigProvider) (*CutoffPolicy, error) {
	switch conf.GetString(settings.OpQueueCutOff) {
	case "high":
		return &CutoffPolicy{cutoff: PriorityHigh}, nil
	case "low":
		return &CutoffPolicy{cutoff: PriorityLow}, nil
	case "debug_random":
		if rand.Intn(2) == 0 {
			return &CutoffPolicy{cutoff: PriorityHigh}, nil
		}
		return &CutoffPolicy{cutoff: PriorityLow}, nil
	default:
		return nil, errors.Newf("osd_op_queue_cut_off: unknown value %q", conf.GetString(settings.OpQueueCutOff))
	}
}

// Cutoff returns the current priority boundary.
func (c *CutoffPolicy) Cutoff() int32 { return c.cutoff }

// BypassesMClock reports whether item must enter the high-priority lane:
// genuinely immediate work always does, and so does anything above the
// configured cutoff.
func (c *CutoffPolicy) BypassesMClock(item WorkItem) bool {
	return item.Class == Immediate || item.Priority > c.cutoff
}
