// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scrub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stormstore/osdsched/pkg/settings"
	"github.com/stormstore/osdsched/pkg/util/timeutil"
)

type fakeLoadTracker struct {
	avg  float64
	have bool
}

func (f *fakeLoadTracker) Average() (float64, bool) { return f.avg, f.have }

type fakeGuard struct {
	scrubbing bool
	conflict  bool
	startErr  error
	started   bool
	released  bool
}

func (g *fakeGuard) IsScrubbing() bool { return g.scrubbing }
func (g *fakeGuard) RequestedRepairOnlyConflict(allowRepairOnly bool) bool {
	return g.conflict
}
func (g *fakeGuard) StartScrub(allowRepairOnly bool) error {
	g.started = true
	return g.startErr
}
func (g *fakeGuard) Release() { g.released = true }

type fakeLocker struct {
	guards map[PGID]*fakeGuard
}

func (l *fakeLocker) GetLockedPG(ctx context.Context, pgid PGID) (PGGuard, bool) {
	g, ok := l.guards[pgid]
	if !ok {
		return nil, false
	}
	return g, true
}

func newTestOsdScrub(t *testing.T) (*OsdScrub, *settings.InMemoryConfig, *timeutil.ManualTime, *ScrubQueue, *ScrubResources, *fakeLoadTracker, *fakeLocker) {
	t.Helper()
	conf := settings.NewInMemoryConfig()
	clock := timeutil.NewManualTime(time.Unix(0, 0))
	queue := NewScrubQueue(conf, clock)
	resources := NewScrubResources(conf)
	load := &fakeLoadTracker{}
	locker := &fakeLocker{guards: map[PGID]*fakeGuard{}}
	o := NewOsdScrub(conf, clock, queue, resources, load, locker)
	o.SetRandFloat(func() float64 { return 0 }) // always clears scrub_random_backoff
	return o, conf, clock, queue, resources, load, locker
}

func TestScrubTimePermitHalfOpenWindow(t *testing.T) {
	o, conf, _, _, _, _, _ := newTestOsdScrub(t)
	conf.SetInt(settings.ScrubBeginHour, 1)
	conf.SetInt(settings.ScrubEndHour, 5)

	mkTime := func(hour int) time.Time {
		return time.Date(2026, 1, 5, hour, 0, 0, 0, time.UTC) // a Monday
	}
	require.True(t, o.ScrubTimePermit(mkTime(1)))
	require.True(t, o.ScrubTimePermit(mkTime(4)))
	require.False(t, o.ScrubTimePermit(mkTime(5)))
	require.False(t, o.ScrubTimePermit(mkTime(0)))
}

func TestScrubTimePermitMidnightWrap(t *testing.T) {
	o, conf, _, _, _, _, _ := newTestOsdScrub(t)
	conf.SetInt(settings.ScrubBeginHour, 22)
	conf.SetInt(settings.ScrubEndHour, 4)

	mkTime := func(hour int) time.Time {
		return time.Date(2026, 1, 5, hour, 0, 0, 0, time.UTC)
	}
	require.True(t, o.ScrubTimePermit(mkTime(23)))
	require.True(t, o.ScrubTimePermit(mkTime(0)))
	require.True(t, o.ScrubTimePermit(mkTime(3)))
	require.False(t, o.ScrubTimePermit(mkTime(4)))
	require.False(t, o.ScrubTimePermit(mkTime(12)))
}

func TestScrubTimePermitAlwaysWhenBeginEqualsEnd(t *testing.T) {
	o, conf, _, _, _, _, _ := newTestOsdScrub(t)
	conf.SetInt(settings.ScrubBeginHour, 3)
	conf.SetInt(settings.ScrubEndHour, 3)
	require.True(t, o.ScrubTimePermit(time.Date(2026, 1, 5, 17, 0, 0, 0, time.UTC)))
}

func TestScrubRandomBackoff(t *testing.T) {
	o, conf, _, _, _, _, _ := newTestOsdScrub(t)
	conf.SetFloat64(settings.ScrubBackoffRatio, 0.3)

	o.SetRandFloat(func() float64 { return 0.1 })
	require.True(t, o.scrubRandomBackoff())

	o.SetRandFloat(func() float64 { return 0.3 })
	require.False(t, o.scrubRandomBackoff())

	o.SetRandFloat(func() float64 { return 0.9 })
	require.False(t, o.scrubRandomBackoff())
}

func TestInitiateScrubSkippedBackoff(t *testing.T) {
	o, conf, _, _, _, _, _ := newTestOsdScrub(t)
	conf.SetFloat64(settings.ScrubBackoffRatio, 0)
	o.SetRandFloat(func() float64 { return 0.5 })

	outcome, pgid := o.InitiateScrub(context.Background(), false, false)
	require.Equal(t, OutcomeSkippedBackoff, outcome)
	require.Equal(t, PGID(""), pgid)
}

func TestInitiateScrubRestrictedOnSaturatedLocal(t *testing.T) {
	o, conf, _, _, resources, _, _ := newTestOsdScrub(t)
	conf.SetInt(settings.MaxScrubsLocal, 1)
	require.True(t, resources.IncScrubsLocal())

	outcome, _ := o.InitiateScrub(context.Background(), false, false)
	require.Equal(t, OutcomeRestricted, outcome)
}

func TestInitiateScrubRestrictedOnReservingInFlight(t *testing.T) {
	o, _, clock, queue, _, _, _ := newTestOsdScrub(t)
	require.True(t, queue.SetReservingNow("2.0", clock.Now()))

	outcome, _ := o.InitiateScrub(context.Background(), false, false)
	require.Equal(t, OutcomeRestricted, outcome)
}

func TestInitiateScrubRestrictedDuringRecovery(t *testing.T) {
	o, conf, _, _, _, _, _ := newTestOsdScrub(t)
	conf.SetBool(settings.ScrubDuringRecovery, false)

	outcome, _ := o.InitiateScrub(context.Background(), true, false)
	require.Equal(t, OutcomeRestricted, outcome)
}

func TestInitiateScrubNoEligiblePG(t *testing.T) {
	o, _, _, _, _, _, _ := newTestOsdScrub(t)
	outcome, _ := o.InitiateScrub(context.Background(), false, false)
	require.Equal(t, OutcomeNoEligiblePG, outcome)
}

func TestInitiateScrubSucceeds(t *testing.T) {
	o, _, clock, queue, _, _, locker := newTestOsdScrub(t)
	queue.RegisterWithOSD(NewScrubJob("3.0"), ScheduleParams{ProposedTime: clock.Now(), Mandate: Mandatory}, PoolConfig{})
	guard := &fakeGuard{}
	locker.guards["3.0"] = guard

	outcome, pgid := o.InitiateScrub(context.Background(), false, false)
	require.Equal(t, OutcomeInitiated, outcome)
	require.Equal(t, PGID("3.0"), pgid)
	require.True(t, guard.started)
	require.True(t, guard.released)
}

func TestInitiateScrubSkipsAlreadyScrubbingCandidate(t *testing.T) {
	o, _, clock, queue, _, _, locker := newTestOsdScrub(t)
	queue.RegisterWithOSD(NewScrubJob("4.0"), ScheduleParams{ProposedTime: clock.Now(), Mandate: Mandatory}, PoolConfig{})
	locker.guards["4.0"] = &fakeGuard{scrubbing: true}

	outcome, _ := o.InitiateScrub(context.Background(), false, false)
	require.Equal(t, OutcomeNoTargetAvailable, outcome)
}

func TestRestrictionsOnlyDeadlinedOutsideWindow(t *testing.T) {
	o, conf, clock, _, _, _, _ := newTestOsdScrub(t)
	conf.SetInt(settings.ScrubBeginHour, 1)
	conf.SetInt(settings.ScrubEndHour, 2)
	clock.Set(time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC))

	restrictions, ok := o.restrictionsOnScrubbing(false, clock.Now())
	require.True(t, ok)
	require.True(t, restrictions.OnlyDeadlined)
}

func TestRestrictionsOnlyHighPriorityUnderLoad(t *testing.T) {
	o, conf, clock, _, _, load, _ := newTestOsdScrub(t)
	conf.SetFloat64(settings.ScrubLoadThreshold, 0.5)
	load.have = true
	load.avg = 0.9

	restrictions, ok := o.restrictionsOnScrubbing(false, clock.Now())
	require.True(t, ok)
	require.True(t, restrictions.OnlyHighPriority)
}

func TestScrubSleepTimeUsesExtendedInsideWindow(t *testing.T) {
	o, conf, _, _, _, _, _ := newTestOsdScrub(t)
	conf.SetDuration(settings.ScrubSleep, time.Second)
	conf.SetDuration(settings.ScrubExtendedSleep, 10*time.Second)
	conf.SetInt(settings.ScrubBeginHour, 1)
	conf.SetInt(settings.ScrubEndHour, 2)

	outside := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	require.Equal(t, time.Second, o.ScrubSleepTime(outside, false))

	inside := time.Date(2026, 1, 5, 1, 30, 0, 0, time.UTC)
	require.Equal(t, 10*time.Second, o.ScrubSleepTime(inside, false))

	require.Equal(t, time.Second, o.ScrubSleepTime(outside, true))
}
