// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package osd

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stormstore/osdsched/pkg/scrub"
	"github.com/stormstore/osdsched/pkg/scrub/scrubfsm"
	"github.com/stormstore/osdsched/pkg/settings"
)

func TestRegistryStartScrubReachesNewChunk(t *testing.T) {
	conf := settings.NewInMemoryConfig()
	clock := time.Unix(0, 0)
	queue := scrub.NewScrubQueue(conf, fixedClock{clock})
	res := scrub.NewScrubResources(conf)
	job := scrub.NewScrubJob("1.0")
	queue.RegisterWithOSD(job, scrub.ScheduleParams{ProposedTime: clock, Mandate: scrub.Mandatory}, scrub.PoolConfig{})

	reg := NewRegistry()
	m := reg.Register("1.0", job, queue, res, zeroSleepScheduler{}, fixedClock{clock}, []scrubfsm.ReplicaID{"b", "c"})

	ctx := context.Background()
	guard, ok := reg.GetLockedPG(ctx, "1.0")
	require.True(t, ok)
	require.False(t, guard.IsScrubbing())
	require.False(t, guard.RequestedRepairOnlyConflict(false))
	require.NoError(t, guard.StartScrub(false))
	require.Equal(t, scrubfsm.ReservingReplicas, m.State())
	guard.Release()

	// The loopback listener's self-grants are posted via the timer, not
	// inline, so they land asynchronously relative to StartScrub returning.
	// With no sleep configured, PendingTimer's entry action advances the
	// machine straight through to NewChunk once both replicas have granted.
	require.Eventually(t, func() bool {
		return m.State() == scrubfsm.NewChunk
	}, time.Second, time.Millisecond)

	guard2, ok := reg.GetLockedPG(ctx, "1.0")
	require.True(t, ok)
	require.True(t, guard2.IsScrubbing())
	guard2.Release()
}

func TestRegistryLockUnavailableWhileHeld(t *testing.T) {
	conf := settings.NewInMemoryConfig()
	clock := time.Unix(0, 0)
	queue := scrub.NewScrubQueue(conf, fixedClock{clock})
	res := scrub.NewScrubResources(conf)
	job := scrub.NewScrubJob("1.0")
	queue.RegisterWithOSD(job, scrub.ScheduleParams{ProposedTime: clock, Mandate: scrub.Mandatory}, scrub.PoolConfig{})

	reg := NewRegistry()
	reg.Register("1.0", job, queue, res, zeroSleepScheduler{}, fixedClock{clock}, nil)

	ctx := context.Background()
	guard, ok := reg.GetLockedPG(ctx, "1.0")
	require.True(t, ok)
	defer guard.Release()

	_, ok = reg.GetLockedPG(ctx, "1.0")
	require.False(t, ok)

	_, ok = reg.GetLockedPG(ctx, "unknown")
	require.False(t, ok)
}

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

// zeroSleepScheduler always returns no sleep, so a Machine's PendingTimer
// advances straight through to NewChunk without arming a timer.
type zeroSleepScheduler struct{}

func (zeroSleepScheduler) ScrubSleepTime(t time.Time, highPriority bool) time.Duration { return 0 }
