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

func TestCutoffPolicyHigh(t *testing.T) {
	conf := settings.NewInMemoryConfig()
	conf.SetString(settings.OpQueueCutOff, "high")
	c, err := NewCutoffPolicy(conf)
	require.NoError(t, err)
	require.Equal(t, PriorityHigh, c.Cutoff())

	require.True(t, c.BypassesMClock(WorkItem{Class: Client, Priority: PriorityHigh + 1}))
	require.False(t, c.BypassesMClock(WorkItem{Class: Client, Priority: PriorityLow}))
	require.True(t, c.BypassesMClock(WorkItem{Class: Immediate, Priority: 0}))
}

func TestCutoffPolicyLow(t *testing.T) {
	conf := settings.NewInMemoryConfig()
	conf.SetString(settings.OpQueueCutOff, "low")
	c, err := NewCutoffPolicy(conf)
	require.NoError(t, err)

	require.True(t, c.BypassesMClock(WorkItem{Class: Client, Priority: PriorityLow + 1}))
	require.False(t, c.BypassesMClock(WorkItem{Class: Client, Priority: PriorityLow}))
}

func TestCutoffPolicyUnknownValue(t *testing.T) {
	conf := settings.NewInMemoryConfig()
	conf.SetString(settings.OpQueueCutOff, "garbage")
	_, err := NewCutoffPolicy(conf)
	require.Error(t, err)
}
