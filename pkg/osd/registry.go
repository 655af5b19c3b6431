// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package osd

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/stormstore/osdsched/pkg/scrub"
	"github.com/stormstore/osdsched/pkg/scrub/scrubfsm"
	"github.com/stormstore/osdsched/pkg/util/log"
	"github.com/stormstore/osdsched/pkg/util/timeutil"
)

// pgEntry pairs one PG's scrubfsm.Machine with the lock initiate_a_scrub
// takes out via GetLockedPG, and the replica set StartScrub reserves
// against.
type pgEntry struct {
	mu       sync.Mutex
	machine  *scrubfsm.Machine
	replicas []scrubfsm.ReplicaID
}

// Registry is the pkg/scrub.PGLocker implementation this package supplies:
// a fixed-membership map of PGID to pgEntry, standing in for the real
// PG map / peering layer named as an external collaborator in spec.md §1.
type Registry struct {
	mu      sync.Mutex
	entries map[scrub.PGID]*pgEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[scrub.PGID]*pgEntry{}}
}

// Register creates pgid's Machine, wired to res for replica-reservation
// admission and to a LoopbackListener that self-grants reservations, since
// this node has no real remote peers. replicas is the (possibly empty) set
// of other OSDs StartScrub will request reservations from. sleep and clock
// feed the Machine's PendingTimer entry action (scrub_sleep_time); a node
// wires its own *scrub.OsdScrub and clock through here.
func (r *Registry) Register(pgid scrub.PGID, job *scrub.ScrubJob, queue *scrub.ScrubQueue, res *scrub.ScrubResources, sleep scrubfsm.SleepScheduler, clock timeutil.TimeSource, replicas []scrubfsm.ReplicaID) *scrubfsm.Machine {
	listener := &LoopbackListener{timer: RealTimer{}}
	m := scrubfsm.NewMachine(pgid, job, queue, replicaResources{res: res}, listener, sleep, clock)
	listener.target = m

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[pgid] = &pgEntry{machine: m, replicas: replicas}
	return m
}

// GetLockedPG implements scrub.PGLocker.
func (r *Registry) GetLockedPG(ctx context.Context, pgid scrub.PGID) (scrub.PGGuard, bool) {
	r.mu.Lock()
	e, ok := r.entries[pgid]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	if !e.mu.TryLock() {
		log.VInfof(ctx, 10, "osd: pg %s already locked", pgid)
		return nil, false
	}
	return &Guard{ctx: ctx, entry: e}, true
}

// Guard is the scrub.PGGuard this package hands back from GetLockedPG: it
// drives the locked PG's Machine and releases the entry's lock on Release.
type Guard struct {
	ctx   context.Context
	entry *pgEntry
}

// IsScrubbing implements scrub.PGGuard.
func (g *Guard) IsScrubbing() bool {
	s := g.entry.machine.State()
	return s == scrubfsm.ReservingReplicas || s.InActiveScrubbing()
}

// RequestedRepairOnlyConflict implements scrub.PGGuard. This excerpt tracks
// no independent "under repair" signal beyond a Machine's own scrub
// session, which IsScrubbing already gates on, so no additional conflict
// is possible here.
func (g *Guard) RequestedRepairOnlyConflict(allowRepairOnly bool) bool {
	return false
}

// StartScrub implements scrub.PGGuard.
func (g *Guard) StartScrub(allowRepairOnly bool) error {
	if g.entry.machine.State() != scrubfsm.NotActive {
		return errors.Newf("pg %s: machine not idle", g.entry.machine.PGID)
	}
	ev := scrubfsm.EvStartScrub
	if allowRepairOnly {
		ev = scrubfsm.EvAfterRepairScrub
	}
	g.entry.machine.Apply(g.ctx, ev, scrubfsm.Args{Replicas: g.entry.replicas})
	return nil
}

// Release implements scrub.PGGuard.
func (g *Guard) Release() {
	g.entry.mu.Unlock()
}

// LoopbackListener implements scrubfsm.Listener for a node with no real
// replica network: every reservation request is granted to itself
// immediately, since target and the requested replica are, in this demo,
// the same Machine. Map requests/replies and reservation releases are
// logged only. A production node would replace this with one that speaks
// the wire messages of spec.md §6 to actual remote OSDs.
type LoopbackListener struct {
	timer  RealTimer
	target *scrubfsm.Machine
}

// SendReservationRequest grants id's reservation immediately, since this
// node has no real replica to ask. The grant is posted via the timer
// (rather than inline) so it lands after StartScrub's own Apply call has
// finished moving the Machine into ReservingReplicas; posting inline would
// race the Machine's not-yet-updated state and silently drop the event,
// mirroring the precedent every other timer-fired event in scrubfsm sets
// with context.Background().
func (l *LoopbackListener) SendReservationRequest(ctx context.Context, id scrubfsm.ReplicaID) {
	l.timer.ScheduleAfter(0, func() {
		l.target.Apply(context.Background(), scrubfsm.EvReplicaGrant, scrubfsm.Args{ReplicaID: id})
	})
}

func (l *LoopbackListener) SendReservationRelease(ctx context.Context, id scrubfsm.ReplicaID) {
	log.VInfof(ctx, 10, "osd: pg %s released replica %s", l.target.PGID, id)
}

func (l *LoopbackListener) SendReservationResponse(ctx context.Context, id scrubfsm.ReplicaID, grant bool) {
	log.VInfof(ctx, 10, "osd: pg %s answered replica %s reserve request: %v", l.target.PGID, id, grant)
}

func (l *LoopbackListener) SendMapRequest(ctx context.Context, id scrubfsm.ReplicaID, rng string) {
	log.VInfof(ctx, 10, "osd: pg %s requested map over %s from %s", l.target.PGID, rng, id)
}

func (l *LoopbackListener) SendMapReply(ctx context.Context, rng string) {
	log.VInfof(ctx, 10, "osd: pg %s replied with map over %s", l.target.PGID, rng)
}

func (l *LoopbackListener) Timer() scrubfsm.TimerScheduler { return l.timer }
