// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scrubfsm

import (
	"context"
	"time"

	"github.com/stormstore/osdsched/pkg/scrub"
	"github.com/stormstore/osdsched/pkg/util/log"
	"github.com/stormstore/osdsched/pkg/util/timeutil"
)

// Args carries an event's payload. Only the fields relevant to the event
// being applied are populated; the rest are zero.
type Args struct {
	Replicas        []ReplicaID // StartScrub/AfterRepairScrub: replicas to reserve
	ReplicaID       ReplicaID   // Grant/Reject/ReserveReq/Release/SchedReplica: sender
	PushesRemaining int         // ActivePushesUpd/ReplicaPushesUpd
	Range           string      // StartReplica/NewChunk
}

// Action runs a transition's side effect and may pick the next state by
// returning a non-nil override. Returning nil leaves the table's static
// Next in force, unless the action itself drove the machine onward via a
// nested Apply call (e.g. posting an internally-generated follow-on event),
// in which case that already-applied state wins.
type Action func(m *Machine, ctx context.Context, args Args) *State

// Transition is one (State, Event) table entry, mirroring the teacher's
// fsm.Transition shape (Next plus Action). Next is a *State, not a bare
// State, so that "no static transition" (absorb in-state, the real next
// state decided entirely by Action) is distinguishable from a legitimate
// transition to NotActive.
type Transition struct {
	Next   *State
	Action Action
}

// Pattern is the (State, Event) -> Transition table.
type Pattern map[State]map[Event]Transition

// Machine drives one PG's scrub session, per spec.md §4.5. It holds no
// network or timer code directly: every side effect goes through Listener,
// and lifecycle flags that ScrubQueue reads (resources_failure) are written
// straight onto the ScrubJob so a ready_to_scrub sweep sees them without
// pkg/scrub depending on scrubfsm (avoiding the import cycle pkg/scrub
// sidesteps with its PGGuard/PGLocker interfaces).
type Machine struct {
	PGID scrub.PGID

	job     *scrub.ScrubJob
	queue   *scrub.ScrubQueue
	res     ReplicaResources
	listen  Listener
	sleep   SleepScheduler
	clock   timeutil.TimeSource
	pattern Pattern

	state   State
	session *Session

	reservedByMyPrimary bool
}

// NewMachine constructs a Machine in NotActive for pgid. sleep and clock
// supply PendingTimer's entry action with scrub_sleep_time's inputs.
func NewMachine(pgid scrub.PGID, job *scrub.ScrubJob, queue *scrub.ScrubQueue, res ReplicaResources, listen Listener, sleep SleepScheduler, clock timeutil.TimeSource) *Machine {
	m := &Machine{
		PGID:   pgid,
		job:    job,
		queue:  queue,
		res:    res,
		listen: listen,
		sleep:  sleep,
		clock:  clock,
		state:  NotActive,
	}
	m.pattern = buildPattern()
	return m
}

// State returns the machine's current state.
func (m *Machine) State() State { return m.state }

// Apply processes one event, running its Action (if any) and moving to the
// resulting Next state. Events with no table entry for the current state
// are ignored, matching spec.md's "absorb in-state" language for updates
// that don't change control flow (e.g. UpdatesApplied while accumulating).
func (m *Machine) Apply(ctx context.Context, ev Event, args Args) {
	byEvent, ok := m.pattern[m.state]
	if !ok {
		log.VInfof(ctx, 10, "scrubfsm: pg %s: no transitions from %s, dropping %s", m.PGID, m.state, ev)
		return
	}
	t, ok := byEvent[ev]
	if !ok {
		log.VInfof(ctx, 20, "scrubfsm: pg %s: %s has no handler for %s, absorbing", m.PGID, m.state, ev)
		return
	}

	from := m.state
	if t.Action != nil {
		if override := t.Action(m, ctx, args); override != nil {
			m.setState(ctx, ev, from, *override)
			return
		}
		if m.state != from {
			// The action already drove the machine further via a nested
			// Apply call (e.g. RemotesReserved/FullReset posted
			// internally); that already-applied state wins.
			return
		}
	}
	if t.Next != nil {
		m.setState(ctx, ev, from, *t.Next)
	}
}

func (m *Machine) setState(ctx context.Context, ev Event, from, next State) {
	if next == from {
		return
	}
	log.VInfof(ctx, 10, "scrubfsm: pg %s: %s -> %s on %s", m.PGID, from, next, ev)
	m.state = next
}

// enterPendingTimer is PendingTimer's entry action, run from every edge that
// leads there (EvRemotesReserved, EvUnblocked, EvNextChunk): it moves the
// state to PendingTimer itself (so a same-tick nested Apply resolves
// transitions against PendingTimer, not the stale caller state), then arms
// the sleep computed from scrub_sleep_time, per spec.md §4.5's "PendingTimer
// arms a sleep" / "schedule SleepComplete then transition to NewChunk on
// InternalSchedScrub". A zero sleep skips the timer and posts
// InternalSchedScrub directly, matching "if a nonzero sleep is configured,
// schedule SleepComplete...".
func (m *Machine) enterPendingTimer(ctx context.Context, ev Event) *State {
	m.setState(ctx, ev, m.state, PendingTimer)

	highPriority := m.job.Schedule().IsMust()
	sleep := m.sleep.ScrubSleepTime(m.clock.Now(), highPriority)
	if sleep <= 0 {
		m.Apply(ctx, EvInternalSchedScrub, Args{})
		return nil
	}
	token := ScheduleTimerEvent(m.listen.Timer(), sleep, func() {
		m.Apply(context.Background(), EvSleepComplete, Args{})
	})
	m.session.armTimer(token)
	return nil
}

func statePtr(s State) *State { return &s }

// buildPattern assembles the full transition table for both regions.
func buildPattern() Pattern {
	p := Pattern{}
	addPrimary(p)
	addActiveScrubbing(p)
	addReplica(p)
	return p
}

func addPrimary(p Pattern) {
	p[NotActive] = map[Event]Transition{
		EvStartScrub:       {Action: actionStartScrub(false)},
		EvAfterRepairScrub: {Action: actionStartScrub(true)},
		EvReplicaActivate:  {Next: statePtr(ReplicaIdle)},
	}

	p[ReservingReplicas] = map[Event]Transition{
		EvReplicaGrant: {Action: func(m *Machine, ctx context.Context, args Args) *State {
			m.session.Reservations.Grant(args.ReplicaID)
			if m.session.Reservations.AllGranted() {
				m.Apply(ctx, EvRemotesReserved, Args{})
			}
			return nil
		}},
		EvReplicaReject:      {Action: actionReservationFailed},
		EvReservationTimeout: {Action: actionReservationFailed},
		EvRemotesReserved: {Action: func(m *Machine, ctx context.Context, args Args) *State {
			m.session.cancelTimer()
			return m.enterPendingTimer(ctx, EvRemotesReserved)
		}},
		EvIntervalChanged: {Action: actionAbandonSession},
		EvFullReset:       {Action: actionReleaseSession},
	}
}

// actionStartScrub returns the NotActive->ReservingReplicas action for
// StartScrub (allowRepairOnly==false) and AfterRepairScrub (true).
func actionStartScrub(allowRepairOnly bool) Action {
	return func(m *Machine, ctx context.Context, args Args) *State {
		m.session = &Session{
			Reservations:    NewReplicaReservations(args.Replicas),
			AllowRepairOnly: allowRepairOnly,
		}
		for _, id := range args.Replicas {
			m.listen.SendReservationRequest(ctx, id)
		}
		token := ScheduleTimerEvent(m.listen.Timer(), reservationTimeout, func() {
			m.Apply(context.Background(), EvReservationTimeout, Args{})
		})
		m.session.armTimer(token)
		return statePtr(ReservingReplicas)
	}
}

// reservationTimeout is how long ReservingReplicas waits for every replica
// to grant before giving up. spec.md leaves the concrete duration
// unspecified; a fixed constant keeps the state's entry action
// self-contained without adding another config key not named in spec.md §6.
const reservationTimeout = 30 * time.Second

func actionReservationFailed(m *Machine, ctx context.Context, args Args) *State {
	m.job.SetResourcesFailure(true)
	m.Apply(ctx, EvFullReset, Args{})
	return nil
}

// actionAbandonSession implements IntervalChanged at the Session level:
// drop the session without sending release messages, per spec.md §4.5.2
// and scenario 6 in §8.
func actionAbandonSession(m *Machine, ctx context.Context, args Args) *State {
	if m.session != nil {
		m.session.cancelTimer()
	}
	if m.queue != nil && m.state == RangeBlocked {
		m.queue.ClearPGScrubBlocked()
	}
	m.session = nil
	return statePtr(NotActive)
}

// actionReleaseSession implements FullReset: send release messages for
// every replica that granted, then return to NotActive.
func actionReleaseSession(m *Machine, ctx context.Context, args Args) *State {
	if m.session != nil {
		m.session.cancelTimer()
		if m.session.Reservations != nil {
			for _, id := range m.session.Reservations.Granted() {
				m.listen.SendReservationRelease(ctx, id)
			}
		}
	}
	if m.queue != nil && m.state == RangeBlocked {
		m.queue.ClearPGScrubBlocked()
	}
	m.session = nil
	return statePtr(NotActive)
}

func addActiveScrubbing(p Pattern) {
	// IntervalChanged/FullReset/InternalError are honored uniformly across
	// every ActiveScrubbing substate, per spec.md §4.5.2's "on any
	// InternalError inside ActiveScrubbing" and the Session-level exits.
	common := map[Event]Transition{
		EvIntervalChanged: {Action: actionAbandonSession},
		EvFullReset:       {Action: actionReleaseSession},
		EvInternalError: {Action: func(m *Machine, ctx context.Context, args Args) *State {
			log.Warningf(ctx, "scrubfsm: pg %s: internal error in %s, resetting", m.PGID, m.state)
			m.Apply(ctx, EvFullReset, Args{})
			return nil
		}},
	}
	merge := func(specific map[Event]Transition) map[Event]Transition {
		out := make(map[Event]Transition, len(common)+len(specific))
		for e, t := range common {
			out[e] = t
		}
		for e, t := range specific {
			out[e] = t
		}
		return out
	}

	p[PendingTimer] = merge(map[Event]Transition{
		EvSleepComplete: {Action: func(m *Machine, ctx context.Context, args Args) *State {
			m.Apply(ctx, EvInternalSchedScrub, Args{})
			return nil
		}},
		EvInternalSchedScrub: {Next: statePtr(NewChunk)},
	})

	p[NewChunk] = merge(map[Event]Transition{
		EvChunkIsBusy:       {Action: actionEnterRangeBlocked},
		EvSelectedChunkFree: {Next: statePtr(WaitPushes)},
	})

	p[RangeBlocked] = merge(map[Event]Transition{
		EvUnblocked: {Action: func(m *Machine, ctx context.Context, args Args) *State {
			m.session.cancelTimer()
			m.queue.ClearPGScrubBlocked()
			return m.enterPendingTimer(ctx, EvUnblocked)
		}},
		EvRangeBlockedAlarm: {Action: func(m *Machine, ctx context.Context, args Args) *State {
			m.Apply(ctx, EvInternalError, Args{})
			return nil
		}},
	})

	p[WaitPushes] = merge(map[Event]Transition{
		EvActivePushesUpd: {Action: func(m *Machine, ctx context.Context, args Args) *State {
			if args.PushesRemaining == 0 {
				return statePtr(WaitLastUpdate)
			}
			return nil
		}},
	})

	p[WaitLastUpdate] = merge(map[Event]Transition{
		EvUpdatesApplied:     {}, // absorbed in-state
		EvInternalAllUpdates: {Next: statePtr(BuildMap)},
	})

	p[BuildMap] = merge(map[Event]Transition{
		EvIntLocalMapDone: {Next: statePtr(WaitReplicas)},
		EvIntBmPreempted:  {Next: statePtr(DrainReplMaps)},
	})

	p[DrainReplMaps] = merge(map[Event]Transition{
		EvGotReplicas: {Next: statePtr(WaitReplicas)},
	})

	p[WaitReplicas] = merge(map[Event]Transition{
		EvGotReplicas:   {}, // accumulate additional replica maps in-state
		EvDigestUpdate:  {}, // reconcile digest in-state; completion signaled separately
		EvScrubFinished: {Next: statePtr(WaitDigestUpdate)},
		EvNextChunk: {Action: func(m *Machine, ctx context.Context, args Args) *State {
			return m.enterPendingTimer(ctx, EvNextChunk)
		}},
	})

	p[WaitDigestUpdate] = merge(map[Event]Transition{
		EvScrubFinished: {Action: func(m *Machine, ctx context.Context, args Args) *State {
			m.Apply(ctx, EvFullReset, Args{})
			return nil
		}},
	})
}

func actionEnterRangeBlocked(m *Machine, ctx context.Context, args Args) *State {
	m.queue.MarkPGScrubBlocked()
	token := ScheduleTimerEvent(m.listen.Timer(), rangeBlockedAlarmTimeout, func() {
		m.Apply(context.Background(), EvRangeBlockedAlarm, Args{})
	})
	m.session.armTimer(token)
	return statePtr(RangeBlocked)
}

// rangeBlockedAlarmTimeout bounds how long NewChunk waits on a busy range
// before treating it as an internal error, mirroring reservationTimeout's
// role as a fixed, undocumented-by-config safety valve.
const rangeBlockedAlarmTimeout = 60 * time.Second

func addReplica(p Pattern) {
	replicaCommon := map[Event]Transition{
		EvReplicaReserveReq: {Action: func(m *Machine, ctx context.Context, args Args) *State {
			grant := m.res.TryReserve()
			if grant {
				m.reservedByMyPrimary = true
			}
			m.listen.SendReservationResponse(ctx, args.ReplicaID, grant)
			return nil
		}},
		EvReplicaRelease: {Action: func(m *Machine, ctx context.Context, args Args) *State {
			if m.reservedByMyPrimary {
				m.res.Release()
				m.reservedByMyPrimary = false
			}
			return nil
		}},
		EvIntervalChanged: {Action: func(m *Machine, ctx context.Context, args Args) *State {
			if m.reservedByMyPrimary {
				m.res.Release()
				m.reservedByMyPrimary = false
			}
			return statePtr(NotActive)
		}},
	}
	merge := func(specific map[Event]Transition) map[Event]Transition {
		out := make(map[Event]Transition, len(replicaCommon)+len(specific))
		for e, t := range replicaCommon {
			out[e] = t
		}
		for e, t := range specific {
			out[e] = t
		}
		return out
	}

	p[ReplicaIdle] = merge(map[Event]Transition{
		EvStartReplica: {Action: func(m *Machine, ctx context.Context, args Args) *State {
			m.session = &Session{ChunkRange: args.Range}
			return statePtr(ReplicaWaitUpdates)
		}},
	})

	p[ReplicaWaitUpdates] = merge(map[Event]Transition{
		EvReplicaPushesUpd: {Action: func(m *Machine, ctx context.Context, args Args) *State {
			if args.PushesRemaining == 0 {
				return statePtr(ReplicaBuildingMap)
			}
			return nil
		}},
		EvStartReplica: {Action: actionReplicaProtocolViolation},
	})

	p[ReplicaBuildingMap] = merge(map[Event]Transition{
		EvSchedReplica: {Action: func(m *Machine, ctx context.Context, args Args) *State {
			m.listen.SendMapReply(ctx, m.session.ChunkRange)
			m.session = nil
			return statePtr(ReplicaIdle)
		}},
		EvStartReplica: {Action: actionReplicaProtocolViolation},
	})
}

// actionReplicaProtocolViolation implements spec.md §4.5.3's "StartReplica
// received while already in ReplicaActiveOp": log prominently, answer the
// new request, abandon the previous one.
func actionReplicaProtocolViolation(m *Machine, ctx context.Context, args Args) *State {
	log.Warningf(ctx, "scrubfsm: pg %s: StartReplica while a replica op is already in progress, abandoning it", m.PGID)
	m.session = &Session{ChunkRange: args.Range}
	return statePtr(ReplicaWaitUpdates)
}
