// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stormstore/osdsched/pkg/settings"
	"github.com/stormstore/osdsched/pkg/util/timeutil"
)

func newTestScheduler(t *testing.T) (*OpScheduler, *settings.InMemoryConfig, *timeutil.ManualTime) {
	t.Helper()
	conf := settings.NewInMemoryConfig()
	conf.SetString(settings.OpQueueCutOff, "low")
	clock := timeutil.NewManualTime(time.Unix(1_700_000_000, 0))
	s, err := New(conf, clock, Rotational)
	require.NoError(t, err)
	return s, conf, clock
}

func TestDequeueEmpty(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	require.True(t, s.Empty())
	_, err := s.Dequeue()
	require.ErrorIs(t, err, ErrEmpty)
}

// TestStrictPriorityBypass exercises scenario 4 in spec.md §8: a
// below-cutoff client-class op enqueued first is overtaken by a
// subsequently-enqueued Immediate op.
func TestStrictPriorityBypass(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	a := WorkItem{Class: Client, Priority: PriorityLow - 1, Payload: "A"}
	b := WorkItem{Class: Immediate, Priority: PriorityLow, Payload: "B"}

	s.Enqueue(a)
	s.Enqueue(b)

	first, err := s.Dequeue()
	require.NoError(t, err)
	require.Equal(t, DequeueReady, first.Outcome)
	require.Equal(t, "B", first.Item.Payload)

	second, err := s.Dequeue()
	require.NoError(t, err)
	require.Equal(t, "A", second.Item.Payload)
}

func TestEnqueueFrontJumpsBucketHead(t *testing.T) {
	s, _, _ := newTestScheduler(t)

	s.Enqueue(WorkItem{Class: Immediate, Priority: PriorityHigh, Payload: "first"})
	s.EnqueueFront(WorkItem{Class: Immediate, Priority: PriorityHigh, Payload: "requeued"})

	r, err := s.Dequeue()
	require.NoError(t, err)
	require.Equal(t, "requeued", r.Item.Payload)
}

func TestMClockReservationPreventsStarvation(t *testing.T) {
	s, conf, clock := newTestScheduler(t)
	// Give background_recovery a real reservation and client class none, so
	// a recovery op queued behind a burst of client ops still gets served
	// once its reservation tag comes due.
	conf.SetFloat64(settings.ClientRes, 0)
	conf.SetFloat64(settings.BackgroundRecoveryRes, 0.5)
	conf.SetFloat64(settings.MClockMaxSequentialBandwidthHDD, 1_000_000)
	require.NoError(t, s.UpdateConfiguration())

	for i := 0; i < 5; i++ {
		s.Enqueue(WorkItem{Class: Client, Priority: PriorityLow - 1, Cost: Cost{SizeBytes: 10}})
	}
	s.Enqueue(WorkItem{Class: BackgroundRecovery, Priority: PriorityLow - 1, Cost: Cost{SizeBytes: 10}, Payload: "recovery"})
	clock.Advance(time.Millisecond)

	var gotRecovery bool
	for i := 0; i < 6; i++ {
		r, err := s.Dequeue()
		require.NoError(t, err)
		require.Equal(t, DequeueReady, r.Outcome)
		if r.Item.Payload == "recovery" {
			gotRecovery = true
		}
	}
	require.True(t, gotRecovery)
}

func TestMClockFutureWhenOverLimit(t *testing.T) {
	s, conf, clock := newTestScheduler(t)
	conf.SetFloat64(settings.ClientRes, 0)
	conf.SetFloat64(settings.ClientLim, 0.001)
	conf.SetFloat64(settings.MClockMaxSequentialBandwidthHDD, 1_000_000)
	conf.SetInt(settings.NumOpShardThreads, 1)
	require.NoError(t, s.UpdateConfiguration())

	// Limit resolves to 0.001 * 1_000_000 = 1000 cost units/sec; a 500-cost
	// item therefore needs 0.5s of "limit time" before it is eligible.
	s.Enqueue(WorkItem{Class: Client, Priority: PriorityLow - 1, Cost: Cost{SizeBytes: 500}})
	clock.Advance(500 * time.Millisecond)

	r, err := s.Dequeue()
	require.NoError(t, err)
	require.Equal(t, DequeueReady, r.Outcome)

	// A second item enqueued at the same instant the first was serviced
	// starts its own 0.5s limit window and is not yet eligible.
	s.Enqueue(WorkItem{Class: Client, Priority: PriorityLow - 1, Cost: Cost{SizeBytes: 500}})
	r2, err := s.Dequeue()
	require.NoError(t, err)
	require.Equal(t, DequeueFuture, r2.Outcome)
	require.True(t, r2.RetryAt.After(clock.Now()))
}
