// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scrubfsm

import (
	"context"
	"time"
)

// Listener is the messaging and scheduling surface a Machine drives, per
// spec.md §1's "PG locking service", "replica messaging", and "callback
// scheduler" external collaborators, and §6's replica wire message shapes.
// A Machine never touches the network or a timer queue directly; every
// side effect an Action performs goes through this interface, so that the
// FSM itself stays a pure function of (State, Event) plus Session.
type Listener interface {
	// SendReservationRequest asks id to reserve local scrub resources on
	// behalf of this PG.
	SendReservationRequest(ctx context.Context, id ReplicaID)
	// SendReservationRelease tells id it may release a reservation it
	// granted earlier for this PG.
	SendReservationRelease(ctx context.Context, id ReplicaID)
	// SendReservationResponse answers a ReplicaReserveReq with grant or
	// reject.
	SendReservationResponse(ctx context.Context, id ReplicaID, grant bool)
	// SendMapRequest asks a replica to build its chunk map over rng.
	SendMapRequest(ctx context.Context, id ReplicaID, rng string)
	// SendMapReply answers a map request with this replica's chunk map.
	SendMapReply(ctx context.Context, rng string)

	// Timer is the scheduler used to arm every TimerEventToken this Machine
	// owns (ReservationTimeout, RangeBlockedAlarm, SleepComplete).
	Timer() TimerScheduler
}

// ReplicaResources is the local admission counter the Replica region
// consults on ReplicaReserveReq, per spec.md §4.5.3. It is the same shape
// as pkg/scrub.ScrubResources's remote-grant counter, kept as its own
// narrow interface here so scrubfsm does not need a concrete
// *scrub.ScrubResources to run its unit tests against a fake.
type ReplicaResources interface {
	// TryReserve attempts to admit one more remote-reservation grant.
	TryReserve() bool
	// Release returns a previously admitted grant.
	Release()
}

// SleepScheduler supplies PendingTimer's entry action with the duration to
// wait before starting the next chunk, per spec.md §4.4's scrub_sleep_time
// and §4.5's "PendingTimer arms a sleep". *scrub.OsdScrub already has
// exactly this method signature; scrubfsm takes it as an interface so it
// doesn't need to import pkg/scrub's orchestrator type.
type SleepScheduler interface {
	ScrubSleepTime(t time.Time, highPriority bool) time.Duration
}
