// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scrub

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"golang.org/x/exp/rand"

	"github.com/stormstore/osdsched/pkg/settings"
	"github.com/stormstore/osdsched/pkg/util/log"
	"github.com/stormstore/osdsched/pkg/util/syncutil"
	"github.com/stormstore/osdsched/pkg/util/timeutil"
)

// JobDump is one row of the dump_scrubs debug surface (spec.md §6).
type JobDump struct {
	PGID             PGID      `json:"pgid"`
	State            string    `json:"state"`
	ScheduledAt      time.Time `json:"scheduled_at"`
	Deadline         time.Time `json:"deadline"`
	ResourcesFailure bool      `json:"resources_failure"`
	PenaltyTimeout   time.Time `json:"penalty_timeout"`
}

// ScrubQueue owns the two scrub lanes (to_scrub and penalized) and the
// reserving-PG admission slot, per spec.md §4.3.
type ScrubQueue struct {
	conf  settings.ConfigProvider
	clock timeutil.TimeSource

	// randFloat supplies AdjustTargetTime's U[0,1) draw; overridden in tests
	// for the exact scenarios in spec.md §8.
	randFloat func() float64

	jobsLock         syncutil.Mutex
	toScrub          []*ScrubJob
	penalized        []*ScrubJob
	restorePenalized bool

	reservingLock  syncutil.Mutex
	reservingPG    *PGID
	reservingSince time.Time

	blockedScrubsCnt int32
}

// NewScrubQueue returns an empty ScrubQueue.
func NewScrubQueue(conf settings.ConfigProvider, clock timeutil.TimeSource) *ScrubQueue {
	// Seeded per-node, per spec.md §9, so adjust_target_time's
	// randomize-ratio draw is reproducible given a fixed clock; tests
	// override it entirely via SetRandFloat.
	src := rand.New(rand.NewSource(uint64(clock.Now().UnixNano())))
	return &ScrubQueue{
		conf:      conf,
		clock:     clock,
		randFloat: src.Float64,
	}
}

// SetRandFloat overrides the U[0,1) source AdjustTargetTime draws from.
func (q *ScrubQueue) SetRandFloat(f func() float64) { q.randFloat = f }

// RegisterWithOSD implements register_with_osd, dispatching on the job's
// current lifecycle state, per spec.md §4.3.
func (q *ScrubQueue) RegisterWithOSD(job *ScrubJob, suggested ScheduleParams, poolConf PoolConfig) {
	switch job.State() {
	case Registered:
		q.UpdateJob(job, suggested, poolConf)
	case Unregistering:
		q.jobsLock.Lock()
		q.UpdateJob(job, suggested, poolConf)
		if job.State() == NotRegistered {
			// The lazy sweep already dropped it from its lane; reinsert.
			q.toScrub = append(q.toScrub, job)
			job.setInQueues(true)
		}
		job.setState(Registered)
		q.jobsLock.Unlock()
	default: // NotRegistered
		q.jobsLock.Lock()
		if job.State() != NotRegistered {
			// Lost a race to a concurrent register/sweep; just refresh the
			// schedule, the winner already inserted it.
			q.UpdateJob(job, suggested, poolConf)
			q.jobsLock.Unlock()
			return
		}
		q.UpdateJob(job, suggested, poolConf)
		q.toScrub = append(q.toScrub, job)
		job.setInQueues(true)
		job.setState(Registered)
		q.jobsLock.Unlock()
	}
}

// RemoveFromOSDQueue implements remove_from_osd_queue: a CAS from Registered
// to Unregistering. The actual erase happens lazily during the next
// ReadyToScrub sweep.
func (q *ScrubQueue) RemoveFromOSDQueue(job *ScrubJob) bool {
	return job.casState(Registered, Unregistering)
}

// UpdateJob implements update_job: computes the job's new schedule via
// AdjustTargetTime and stores it without taking jobsLock, since ScrubJob
// synchronizes its own fields.
func (q *ScrubQueue) UpdateJob(job *ScrubJob, suggested ScheduleParams, poolConf PoolConfig) {
	job.setSchedule(q.AdjustTargetTime(suggested, poolConf))
	job.MarkUpdated()
}

// AdjustTargetTime implements adjust_target_time, per spec.md §4.3.
func (q *ScrubQueue) AdjustTargetTime(params ScheduleParams, poolConf PoolConfig) Schedule {
	if params.Mandate == Mandatory {
		return Schedule{ScheduledAt: params.ProposedTime, Deadline: params.ProposedTime}
	}

	minInterval := poolConf.MinInterval
	if minInterval <= 0 {
		minInterval = q.conf.GetDuration(settings.ScrubMinInterval)
	}
	maxInterval := poolConf.MaxInterval
	if maxInterval <= 0 {
		maxInterval = q.conf.GetDuration(settings.ScrubMaxInterval)
	}
	randomizeRatio := poolConf.IntervalRandomize
	if randomizeRatio <= 0 {
		randomizeRatio = q.conf.GetFloat64(settings.ScrubIntervalRandomizeRatio)
	}

	u := q.randFloat()
	delay := time.Duration(float64(minInterval) * (1 + randomizeRatio*u))
	scheduledAt := params.ProposedTime.Add(delay)

	var deadline time.Time
	if maxInterval > 0 {
		deadline = params.ProposedTime.Add(maxInterval)
	}
	return Schedule{ScheduledAt: scheduledAt, Deadline: deadline}
}

// DetermineScrubTime implements determine_scrub_time, per spec.md §4.3.
func (q *ScrubQueue) DetermineScrubTime(flags ScrubFlags, pgInfo PGInfo, now time.Time) ScheduleParams {
	if flags.MustScrub || flags.NeedAuto {
		return ScheduleParams{ProposedTime: now, Mandate: Mandatory}
	}
	if pgInfo.StatsInvalid && q.conf.GetBool(settings.ScrubInvalidStats) {
		return ScheduleParams{ProposedTime: now, Mandate: Mandatory}
	}
	return ScheduleParams{ProposedTime: pgInfo.LastScrubStamp, Mandate: NotMandatory}
}

// ReadyToScrub implements the ready_to_scrub pipeline, per spec.md §4.3.
func (q *ScrubQueue) ReadyToScrub(restrictions OSDRestrictions, now time.Time) []PGID {
	q.jobsLock.Lock()

	restore := q.restorePenalized
	q.restorePenalized = false
	q.scanPenalizedLocked(restore, now)
	q.clearUpdatedLocked()
	q.moveFailedPGsLocked(now)

	toScrubRipe := q.collectRipeLocked(&q.toScrub, restrictions, now, false)
	penalizedRipe := q.collectRipeLocked(&q.penalized, restrictions, now, true)

	q.jobsLock.Unlock()

	out := make([]PGID, 0, len(toScrubRipe)+len(penalizedRipe))
	for _, j := range toScrubRipe {
		out = append(out, j.PGID)
	}
	for _, j := range penalizedRipe {
		out = append(out, j.PGID)
	}
	return out
}

// RestoreAllPenalized arranges for the next ReadyToScrub call to forgive
// every penalized job unconditionally (e.g. following an administrative
// override of osd_scrub_sleep).
func (q *ScrubQueue) RestoreAllPenalized() {
	q.jobsLock.Lock()
	q.restorePenalized = true
	q.jobsLock.Unlock()
}

func (q *ScrubQueue) scanPenalizedLocked(forgiveAll bool, now time.Time) {
	if forgiveAll {
		q.toScrub = append(q.toScrub, q.penalized...)
		q.penalized = nil
		return
	}
	stay := q.penalized[:0:0]
	for _, job := range q.penalized {
		if job.State() != Registered {
			job.setState(NotRegistered)
			job.setInQueues(false)
			continue
		}
		if job.Updated() || !job.PenaltyTimeout().After(now) {
			q.toScrub = append(q.toScrub, job)
			continue
		}
		stay = append(stay, job)
	}
	q.penalized = stay
}

func (q *ScrubQueue) clearUpdatedLocked() {
	for _, j := range q.toScrub {
		j.setUpdated(false)
	}
	for _, j := range q.penalized {
		j.setUpdated(false)
	}
}

func (q *ScrubQueue) moveFailedPGsLocked(now time.Time) {
	sleep := q.conf.GetDuration(settings.ScrubSleep)
	stay := q.toScrub[:0:0]
	for _, job := range q.toScrub {
		if job.State() == Registered && job.ResourcesFailure() {
			job.setPenaltyTimeout(now.Add(2*sleep + 300*time.Second))
			job.SetResourcesFailure(false)
			job.setUpdated(false)
			q.penalized = append(q.penalized, job)
			continue
		}
		stay = append(stay, job)
	}
	q.toScrub = stay
}

// collectRipeLocked drops unregistering/not_registered entries from *lane
// (flipping them to NotRegistered / in_queues=false), then returns the
// subset of the surviving jobs that are ripe, sorted by scheduled_at
// ascending, per spec.md §4.3's collect_ripe_jobs step. A job that landed in
// the penalized lane this same tick (moveFailedPGsLocked runs before this)
// still owes its penalty; penalized additionally gates ripeness on
// penalty_timeout so such a job cannot be handed back out before
// scan_penalized would have pardoned it.
func (q *ScrubQueue) collectRipeLocked(lane *[]*ScrubJob, restrictions OSDRestrictions, now time.Time, penalized bool) []*ScrubJob {
	kept := (*lane)[:0:0]
	var ripe []*ScrubJob
	for _, job := range *lane {
		if job.State() != Registered {
			job.setState(NotRegistered)
			job.setInQueues(false)
			continue
		}
		kept = append(kept, job)

		if penalized && job.PenaltyTimeout().After(now) {
			continue
		}

		sched := job.Schedule()
		ready := !sched.ScheduledAt.After(now)
		if restrictions.OnlyDeadlined {
			ready = ready && !sched.Deadline.IsZero() && !sched.Deadline.After(now)
		}
		if restrictions.OnlyHighPriority {
			ready = ready && sched.IsMust()
		}
		if ready {
			ripe = append(ripe, job)
		}
	}
	*lane = kept

	// Order by scheduled_at via a btree rather than sort.Slice: the ready
	// set is rebuilt every tick, and a btree index ties the ordering in
	// naturally with a future incremental ready-set (rather than a linear
	// scan re-sorted from scratch each time), per spec.md §4.3's
	// collect_ripe_jobs step. Equal timestamps tie-break by pgid so the
	// order is deterministic regardless of lane iteration order.
	bt := btree.NewG[*ScrubJob](32, func(a, b *ScrubJob) bool {
		as, bs := a.Schedule().ScheduledAt, b.Schedule().ScheduledAt
		if as.Equal(bs) {
			return a.PGID < b.PGID
		}
		return as.Before(bs)
	})
	for _, j := range ripe {
		bt.ReplaceOrInsert(j)
	}
	ordered := make([]*ScrubJob, 0, len(ripe))
	bt.Ascend(func(j *ScrubJob) bool {
		ordered = append(ordered, j)
		return true
	})
	return ordered
}

// SetReservingNow admits pgid to the replica-reservation phase, returning
// false if another PG already holds the slot.
func (q *ScrubQueue) SetReservingNow(pgid PGID, now time.Time) bool {
	q.reservingLock.Lock()
	defer q.reservingLock.Unlock()
	if q.reservingPG != nil {
		if *q.reservingPG == pgid {
			log.Fatalf(context.Background(), "reserving_pg set twice by the same pg %s", pgid)
		}
		return false
	}
	p := pgid
	q.reservingPG = &p
	q.reservingSince = now
	return true
}

// ClearReservingNow releases the reserving slot if pgid currently holds it.
func (q *ScrubQueue) ClearReservingNow(pgid PGID) {
	q.reservingLock.Lock()
	defer q.reservingLock.Unlock()
	if q.reservingPG != nil && *q.reservingPG == pgid {
		q.reservingPG = nil
	}
}

// IsReservingNow reports the PG currently admitted to the reservation
// phase, if any.
func (q *ScrubQueue) IsReservingNow() (PGID, bool) {
	q.reservingLock.Lock()
	defer q.reservingLock.Unlock()
	if q.reservingPG == nil {
		return "", false
	}
	return *q.reservingPG, true
}

// MarkPGScrubBlocked records that a PG reported being blocked on a locked
// object.
func (q *ScrubQueue) MarkPGScrubBlocked() {
	atomic.AddInt32(&q.blockedScrubsCnt, 1)
}

// ClearPGScrubBlocked records that a previously blocked PG has cleared.
func (q *ScrubQueue) ClearPGScrubBlocked() {
	if atomic.AddInt32(&q.blockedScrubsCnt, -1) < 0 {
		log.Fatalf(context.Background(), "blocked_scrubs_cnt went negative")
	}
}

// BlockedScrubsCount returns the number of PGs currently blocked on a
// locked object.
func (q *ScrubQueue) BlockedScrubsCount() int32 {
	return atomic.LoadInt32(&q.blockedScrubsCnt)
}

// DumpScrubs implements the dump_scrubs debug surface (spec.md §6).
func (q *ScrubQueue) DumpScrubs() []JobDump {
	q.jobsLock.Lock()
	defer q.jobsLock.Unlock()
	out := make([]JobDump, 0, len(q.toScrub)+len(q.penalized))
	for _, lane := range [][]*ScrubJob{q.toScrub, q.penalized} {
		for _, j := range lane {
			sched := j.Schedule()
			out = append(out, JobDump{
				PGID:             j.PGID,
				State:            j.State().String(),
				ScheduledAt:      sched.ScheduledAt,
				Deadline:         sched.Deadline,
				ResourcesFailure: j.ResourcesFailure(),
				PenaltyTimeout:   j.PenaltyTimeout(),
			})
		}
	}
	return out
}

// ListRegisteredJobs returns the pgids of every job currently in either
// lane, per SPEC_FULL.md §C's supplemented accessor.
func (q *ScrubQueue) ListRegisteredJobs() []PGID {
	q.jobsLock.Lock()
	defer q.jobsLock.Unlock()
	out := make([]PGID, 0, len(q.toScrub)+len(q.penalized))
	for _, lane := range [][]*ScrubJob{q.toScrub, q.penalized} {
		for _, j := range lane {
			out = append(out, j.PGID)
		}
	}
	return out
}
