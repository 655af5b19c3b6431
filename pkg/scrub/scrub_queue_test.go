// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scrub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stormstore/osdsched/pkg/settings"
	"github.com/stormstore/osdsched/pkg/util/timeutil"
)

func newTestQueue(t *testing.T) (*ScrubQueue, *settings.InMemoryConfig, *timeutil.ManualTime) {
	t.Helper()
	conf := settings.NewInMemoryConfig()
	clock := timeutil.NewManualTime(time.Unix(0, 0))
	return NewScrubQueue(conf, clock), conf, clock
}

func TestRegisterWithOSDLifecycle(t *testing.T) {
	q, _, clock := newTestQueue(t)
	job := NewScrubJob("1.0")
	require.Equal(t, NotRegistered, job.State())

	q.RegisterWithOSD(job, ScheduleParams{ProposedTime: clock.Now(), Mandate: Mandatory}, PoolConfig{})
	require.Equal(t, Registered, job.State())
	require.True(t, job.InQueues())
	require.Equal(t, []PGID{"1.0"}, q.ListRegisteredJobs())

	ok := q.RemoveFromOSDQueue(job)
	require.True(t, ok)
	require.Equal(t, Unregistering, job.State())

	// The lazy erase happens during the next ReadyToScrub sweep.
	q.ReadyToScrub(OSDRestrictions{}, clock.Now())
	require.Equal(t, NotRegistered, job.State())
	require.False(t, job.InQueues())
	require.Empty(t, q.ListRegisteredJobs())
}

func TestRegisterWithOSDIdempotent(t *testing.T) {
	q, _, clock := newTestQueue(t)
	job := NewScrubJob("1.0")
	params := ScheduleParams{ProposedTime: clock.Now().Add(time.Hour), Mandate: Mandatory}

	q.RegisterWithOSD(job, params, PoolConfig{})
	first := job.Schedule()

	q.RegisterWithOSD(job, params, PoolConfig{})
	second := job.Schedule()

	require.Equal(t, first, second)
	require.Equal(t, Registered, job.State())
}

// TestPenaltyCycle exercises scenario 2 in spec.md §8.
func TestPenaltyCycle(t *testing.T) {
	q, conf, clock := newTestQueue(t)
	conf.SetDuration(settings.ScrubSleep, 5*time.Second)
	clock.Set(time.Unix(100, 0))

	job := NewScrubJob("1.0")
	q.RegisterWithOSD(job, ScheduleParams{ProposedTime: clock.Now(), Mandate: Mandatory}, PoolConfig{})
	job.SetResourcesFailure(true)

	q.ReadyToScrub(OSDRestrictions{}, clock.Now())
	require.False(t, job.ResourcesFailure())
	require.Equal(t, time.Unix(410, 0), job.PenaltyTimeout())

	clock.Set(time.Unix(409, 0))
	q.ReadyToScrub(OSDRestrictions{}, clock.Now())
	require.Contains(t, q.ListRegisteredJobs(), PGID("1.0"))
	// still penalized: scheduled_at is in the past (must_stamp==100) but
	// penalty_timeout (410) hasn't elapsed yet, so it stays out of the
	// ready_to_scrub result.
	ready := q.ReadyToScrub(OSDRestrictions{}, clock.Now())
	require.NotContains(t, ready, PGID("1.0"))

	clock.Set(time.Unix(410, 0))
	ready = q.ReadyToScrub(OSDRestrictions{}, clock.Now())
	require.Contains(t, ready, PGID("1.0"))
}

// TestMustVsNonMust exercises scenario 3 in spec.md §8.
func TestMustVsNonMust(t *testing.T) {
	q, conf, _ := newTestQueue(t)
	conf.SetDuration(settings.ScrubMinInterval, 60*time.Second)
	conf.SetFloat64(settings.ScrubIntervalRandomizeRatio, 0.5)

	mustStamp := time.Unix(12345, 0)
	params := q.DetermineScrubTime(ScrubFlags{MustScrub: true}, PGInfo{}, mustStamp)
	require.Equal(t, Mandatory, params.Mandate)
	require.Equal(t, mustStamp, params.ProposedTime)

	sched := q.AdjustTargetTime(params, PoolConfig{})
	require.Equal(t, mustStamp, sched.ScheduledAt)
	require.Equal(t, mustStamp, sched.Deadline)

	nonMust := ScheduleParams{ProposedTime: time.Unix(1000, 0), Mandate: NotMandatory}

	q.SetRandFloat(func() float64 { return 0 })
	sched = q.AdjustTargetTime(nonMust, PoolConfig{})
	require.Equal(t, time.Unix(1060, 0), sched.ScheduledAt)

	q.SetRandFloat(func() float64 { return 1 })
	sched = q.AdjustTargetTime(nonMust, PoolConfig{})
	require.Equal(t, time.Unix(1090, 0), sched.ScheduledAt)
}

func TestReadyToScrubSortedAndOnlyPastDue(t *testing.T) {
	q, _, clock := newTestQueue(t)
	clock.Set(time.Unix(1000, 0))

	late := NewScrubJob("1.1")
	q.RegisterWithOSD(late, ScheduleParams{ProposedTime: time.Unix(999, 0), Mandate: Mandatory}, PoolConfig{})
	early := NewScrubJob("1.0")
	q.RegisterWithOSD(early, ScheduleParams{ProposedTime: time.Unix(500, 0), Mandate: Mandatory}, PoolConfig{})
	future := NewScrubJob("1.2")
	q.RegisterWithOSD(future, ScheduleParams{ProposedTime: time.Unix(2000, 0), Mandate: Mandatory}, PoolConfig{})

	ready := q.ReadyToScrub(OSDRestrictions{}, clock.Now())
	require.Equal(t, []PGID{"1.0", "1.1"}, ready)
}

func TestSetClearReservingNow(t *testing.T) {
	q, _, clock := newTestQueue(t)
	require.True(t, q.SetReservingNow("1.0", clock.Now()))
	require.False(t, q.SetReservingNow("1.1", clock.Now()))

	held, ok := q.IsReservingNow()
	require.True(t, ok)
	require.Equal(t, PGID("1.0"), held)

	q.ClearReservingNow("1.1") // wrong id, no-op
	_, ok = q.IsReservingNow()
	require.True(t, ok)

	q.ClearReservingNow("1.0")
	_, ok = q.IsReservingNow()
	require.False(t, ok)

	require.True(t, q.SetReservingNow("1.1", clock.Now()))
}

func TestBlockedScrubsCounter(t *testing.T) {
	q, _, _ := newTestQueue(t)
	require.Zero(t, q.BlockedScrubsCount())
	q.MarkPGScrubBlocked()
	q.MarkPGScrubBlocked()
	require.Equal(t, int32(2), q.BlockedScrubsCount())
	q.ClearPGScrubBlocked()
	require.Equal(t, int32(1), q.BlockedScrubsCount())
}
