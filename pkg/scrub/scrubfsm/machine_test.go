// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scrubfsm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stormstore/osdsched/pkg/scrub"
	"github.com/stormstore/osdsched/pkg/settings"
	"github.com/stormstore/osdsched/pkg/util/timeutil"
)

type fakeTimerScheduler struct {
	scheduled []func()
}

func (f *fakeTimerScheduler) ScheduleAfter(d time.Duration, fn func()) func() {
	f.scheduled = append(f.scheduled, fn)
	idx := len(f.scheduled) - 1
	canceled := false
	return func() {
		canceled = true
		_ = canceled
		f.scheduled[idx] = nil
	}
}

func (f *fakeTimerScheduler) fireAll() {
	pending := f.scheduled
	f.scheduled = nil
	for _, fn := range pending {
		if fn != nil {
			fn()
		}
	}
}

// live counts scheduled callbacks that have not been canceled; cancel
// leaves a nil slot behind rather than shrinking scheduled.
func (f *fakeTimerScheduler) live() int {
	n := 0
	for _, fn := range f.scheduled {
		if fn != nil {
			n++
		}
	}
	return n
}

type recordingListener struct {
	timer     *fakeTimerScheduler
	released  []ReplicaID
	requested []ReplicaID
	responses map[ReplicaID]bool
	mapReplies []string
}

func newRecordingListener() *recordingListener {
	return &recordingListener{timer: &fakeTimerScheduler{}, responses: map[ReplicaID]bool{}}
}

func (l *recordingListener) SendReservationRequest(ctx context.Context, id ReplicaID) {
	l.requested = append(l.requested, id)
}
func (l *recordingListener) SendReservationRelease(ctx context.Context, id ReplicaID) {
	l.released = append(l.released, id)
}
func (l *recordingListener) SendReservationResponse(ctx context.Context, id ReplicaID, grant bool) {
	l.responses[id] = grant
}
func (l *recordingListener) SendMapRequest(ctx context.Context, id ReplicaID, rng string) {}
func (l *recordingListener) SendMapReply(ctx context.Context, rng string) {
	l.mapReplies = append(l.mapReplies, rng)
}
func (l *recordingListener) Timer() TimerScheduler { return l.timer }

type fakeReplicaResources struct {
	available int
}

func (r *fakeReplicaResources) TryReserve() bool {
	if r.available <= 0 {
		return false
	}
	r.available--
	return true
}
func (r *fakeReplicaResources) Release() { r.available++ }

// fakeSleepScheduler stands in for *scrub.OsdScrub.ScrubSleepTime: tests
// that don't care about the sleep duration use the zero value (no sleep, so
// PendingTimer advances straight through), and TestPendingTimerArmsSleep
// sets d to exercise the timer-arming branch.
type fakeSleepScheduler struct {
	d time.Duration
}

func (f fakeSleepScheduler) ScrubSleepTime(t time.Time, highPriority bool) time.Duration {
	return f.d
}

func newTestMachine(t *testing.T) (*Machine, *scrub.ScrubQueue, *recordingListener) {
	t.Helper()
	m, queue, listener, _ := newTestMachineWithSleep(t, fakeSleepScheduler{})
	return m, queue, listener
}

func newTestMachineWithSleep(t *testing.T, sleep SleepScheduler) (*Machine, *scrub.ScrubQueue, *recordingListener, *timeutil.ManualTime) {
	t.Helper()
	conf := settings.NewInMemoryConfig()
	clock := timeutil.NewManualTime(time.Unix(0, 0))
	queue := NewTestQueue(conf, clock)
	job := scrub.NewScrubJob("1.0")
	queue.RegisterWithOSD(job, scrub.ScheduleParams{ProposedTime: clock.Now(), Mandate: scrub.Mandatory}, scrub.PoolConfig{})
	listener := newRecordingListener()
	m := NewMachine("1.0", job, queue, &fakeReplicaResources{available: 1}, listener, sleep, clock)
	return m, queue, listener, clock
}

// NewTestQueue is a thin alias kept local to this test file to avoid a
// second import alias; scrub.NewScrubQueue's signature is exercised
// directly here.
func NewTestQueue(conf settings.ConfigProvider, clock timeutil.TimeSource) *scrub.ScrubQueue {
	return scrub.NewScrubQueue(conf, clock)
}

// TestReservationRejectPenalizesPG exercises scenario 5 in spec.md §8.
func TestReservationRejectPenalizesPG(t *testing.T) {
	m, queue, listener := newTestMachine(t)
	ctx := context.Background()

	m.Apply(ctx, EvStartScrub, Args{Replicas: []ReplicaID{"a", "b", "c"}})
	require.Equal(t, ReservingReplicas, m.State())
	require.ElementsMatch(t, []ReplicaID{"a", "b", "c"}, listener.requested)

	m.Apply(ctx, EvReplicaGrant, Args{ReplicaID: "a"})
	m.Apply(ctx, EvReplicaGrant, Args{ReplicaID: "b"})
	require.Equal(t, ReservingReplicas, m.State())

	m.Apply(ctx, EvReplicaReject, Args{ReplicaID: "c"})
	require.Equal(t, NotActive, m.State())
	require.True(t, m.job.ResourcesFailure())

	// The failure runs through FullReset, which sends releases to the
	// replicas that did grant (a and b) but not to c.
	require.ElementsMatch(t, []ReplicaID{"a", "b"}, listener.released)

	ready := queue.ReadyToScrub(scrub.OSDRestrictions{}, timeutil.NewManualTime(time.Unix(1, 0)).Now())
	require.Empty(t, ready) // freshly penalized, penalty_timeout in the future
	require.Contains(t, queue.ListRegisteredJobs(), scrub.PGID("1.0"))
}

// TestIntervalChangeDuringBuildMap exercises scenario 6 in spec.md §8.
func TestIntervalChangeDuringBuildMap(t *testing.T) {
	m, _, listener := newTestMachine(t)
	ctx := context.Background()

	m.Apply(ctx, EvStartScrub, Args{Replicas: []ReplicaID{"a"}})
	m.Apply(ctx, EvReplicaGrant, Args{ReplicaID: "a"})
	// No sleep configured, so PendingTimer's entry action posts
	// InternalSchedScrub itself and lands directly on NewChunk.
	require.Equal(t, NewChunk, m.State())
	m.Apply(ctx, EvSelectedChunkFree, Args{})
	require.Equal(t, WaitPushes, m.State())
	m.Apply(ctx, EvActivePushesUpd, Args{PushesRemaining: 0})
	require.Equal(t, WaitLastUpdate, m.State())
	m.Apply(ctx, EvInternalAllUpdates, Args{})
	require.Equal(t, BuildMap, m.State())

	m.Apply(ctx, EvIntervalChanged, Args{})
	require.Equal(t, NotActive, m.State())
	require.False(t, m.job.ResourcesFailure())
	require.Empty(t, listener.released) // abandoned, not released
}

func TestReplicaReserveGrantAndRelease(t *testing.T) {
	conf := settings.NewInMemoryConfig()
	clock := timeutil.NewManualTime(time.Unix(0, 0))
	queue := NewTestQueue(conf, clock)
	job := scrub.NewScrubJob("2.0")
	listener := newRecordingListener()
	res := &fakeReplicaResources{available: 1}
	m := NewMachine("2.0", job, queue, res, listener, fakeSleepScheduler{}, clock)
	ctx := context.Background()

	m.Apply(ctx, EvReplicaActivate, Args{})
	require.Equal(t, ReplicaIdle, m.State())

	m.Apply(ctx, EvReplicaReserveReq, Args{ReplicaID: "primary"})
	require.True(t, listener.responses["primary"])
	require.True(t, m.reservedByMyPrimary)

	m.Apply(ctx, EvReplicaRelease, Args{ReplicaID: "primary"})
	require.False(t, m.reservedByMyPrimary)
	require.Equal(t, 1, res.available)
}

func TestReplicaBuildMapCycle(t *testing.T) {
	m, _, listener := newTestMachine(t)
	ctx := context.Background()
	m.Apply(ctx, EvReplicaActivate, Args{})

	m.Apply(ctx, EvStartReplica, Args{Range: "obj-000..obj-100"})
	require.Equal(t, ReplicaWaitUpdates, m.State())

	m.Apply(ctx, EvReplicaPushesUpd, Args{PushesRemaining: 2})
	require.Equal(t, ReplicaWaitUpdates, m.State())
	m.Apply(ctx, EvReplicaPushesUpd, Args{PushesRemaining: 0})
	require.Equal(t, ReplicaBuildingMap, m.State())

	m.Apply(ctx, EvSchedReplica, Args{})
	require.Equal(t, ReplicaIdle, m.State())
	require.Equal(t, []string{"obj-000..obj-100"}, listener.mapReplies)
}

func TestReplicaProtocolViolationAbandonsPrevious(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()
	m.Apply(ctx, EvReplicaActivate, Args{})
	m.Apply(ctx, EvStartReplica, Args{Range: "first"})
	require.Equal(t, ReplicaWaitUpdates, m.State())

	m.Apply(ctx, EvStartReplica, Args{Range: "second"})
	require.Equal(t, ReplicaWaitUpdates, m.State())
	require.Equal(t, "second", m.session.ChunkRange)
}

func TestRangeBlockedAlarmTriggersReset(t *testing.T) {
	m, queue, _ := newTestMachine(t)
	ctx := context.Background()

	m.Apply(ctx, EvStartScrub, Args{Replicas: nil})
	require.Equal(t, ReservingReplicas, m.State())
	m.Apply(ctx, EvRemotesReserved, Args{})
	// No sleep configured, so PendingTimer's entry action posts
	// InternalSchedScrub itself and lands directly on NewChunk.
	require.Equal(t, NewChunk, m.State())

	m.Apply(ctx, EvChunkIsBusy, Args{})
	require.Equal(t, RangeBlocked, m.State())
	require.Equal(t, int32(1), queue.BlockedScrubsCount())

	m.Apply(ctx, EvRangeBlockedAlarm, Args{})
	require.Equal(t, NotActive, m.State())
	require.Equal(t, int32(0), queue.BlockedScrubsCount())
}

// TestRangeBlockedUnblockReturnsToPendingTimer exercises RangeBlocked's
// Unblocked edge into PendingTimer, the second of the three entry points
// that must arm (or skip) the sleep.
func TestRangeBlockedUnblockReturnsToPendingTimer(t *testing.T) {
	m, queue, _ := newTestMachine(t)
	ctx := context.Background()

	m.Apply(ctx, EvStartScrub, Args{Replicas: nil})
	m.Apply(ctx, EvRemotesReserved, Args{})
	require.Equal(t, NewChunk, m.State())

	m.Apply(ctx, EvChunkIsBusy, Args{})
	require.Equal(t, RangeBlocked, m.State())
	require.Equal(t, int32(1), queue.BlockedScrubsCount())

	m.Apply(ctx, EvUnblocked, Args{})
	require.Equal(t, NewChunk, m.State())
	require.Equal(t, int32(0), queue.BlockedScrubsCount())
}

// TestNextChunkLoopsBackThroughPendingTimer exercises WaitReplicas's
// NextChunk edge, the third PendingTimer entry point.
func TestNextChunkLoopsBackThroughPendingTimer(t *testing.T) {
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	m.Apply(ctx, EvStartScrub, Args{Replicas: []ReplicaID{"a"}})
	m.Apply(ctx, EvReplicaGrant, Args{ReplicaID: "a"})
	require.Equal(t, NewChunk, m.State())
	m.Apply(ctx, EvSelectedChunkFree, Args{})
	m.Apply(ctx, EvActivePushesUpd, Args{PushesRemaining: 0})
	m.Apply(ctx, EvInternalAllUpdates, Args{})
	require.Equal(t, BuildMap, m.State())
	m.Apply(ctx, EvIntLocalMapDone, Args{})
	require.Equal(t, WaitReplicas, m.State())

	m.Apply(ctx, EvNextChunk, Args{})
	require.Equal(t, NewChunk, m.State())
}

// TestPendingTimerArmsSleep exercises the nonzero-sleep branch: the entry
// action arms a timer rather than posting InternalSchedScrub immediately,
// and firing that timer moves the machine on to NewChunk.
func TestPendingTimerArmsSleep(t *testing.T) {
	m, _, listener, clock := newTestMachineWithSleep(t, fakeSleepScheduler{d: 5 * time.Second})
	ctx := context.Background()

	m.Apply(ctx, EvStartScrub, Args{Replicas: nil})
	m.Apply(ctx, EvRemotesReserved, Args{})
	require.Equal(t, PendingTimer, m.State())
	require.Equal(t, 1, listener.timer.live())

	clock.Advance(5 * time.Second)
	listener.timer.fireAll()
	require.Equal(t, NewChunk, m.State())
}
