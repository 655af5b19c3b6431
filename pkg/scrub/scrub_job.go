// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scrub

import (
	"sync/atomic"
	"time"

	"github.com/stormstore/osdsched/pkg/util/syncutil"
)

// JobState is a ScrubJob's membership state, transitioned under CAS so that
// register_with_osd and remove_from_osd_queue can race safely against each
// other and against the queue's own sweeps, per spec.md §3/§4.3.
type JobState int32

const (
	NotRegistered JobState = iota
	Registered
	Unregistering
)

func (s JobState) String() string {
	switch s {
	case NotRegistered:
		return "not_registered"
	case Registered:
		return "registered"
	case Unregistering:
		return "unregistering"
	default:
		return "unknown"
	}
}

// ScrubJob is the per-PG scheduling record described in spec.md §3: a
// lifecycle state shared with ScrubQueue via atomic CAS, and a set of
// fields (schedule, resources_failure, penalty_timeout, updated) that the
// job synchronizes itself so ScrubQueue.update_job never needs jobs_lock.
type ScrubJob struct {
	PGID PGID

	state    int32 // JobState, accessed via atomic
	inQueues int32 // 0/1, accessed via atomic

	mu               syncutil.Mutex
	schedule         Schedule
	resourcesFailure bool
	penaltyTimeout   time.Time
	updated          bool
}

// NewScrubJob returns a job in the not_registered state for pgid.
func NewScrubJob(pgid PGID) *ScrubJob {
	return &ScrubJob{PGID: pgid}
}

// State returns the job's current lifecycle state.
func (j *ScrubJob) State() JobState {
	return JobState(atomic.LoadInt32(&j.state))
}

// casState attempts to move the job from 'from' to 'to', returning whether
// it succeeded.
func (j *ScrubJob) casState(from, to JobState) bool {
	return atomic.CompareAndSwapInt32(&j.state, int32(from), int32(to))
}

func (j *ScrubJob) setState(to JobState) {
	atomic.StoreInt32(&j.state, int32(to))
}

// InQueues reports whether the job currently mirrors lane membership. Per
// spec.md §3's invariant, this equals State() != NotRegistered whenever the
// job's bookkeeping is consistent; it is tracked separately because it is
// updated at a slightly different point in register/remove than state is.
func (j *ScrubJob) InQueues() bool {
	return atomic.LoadInt32(&j.inQueues) != 0
}

func (j *ScrubJob) setInQueues(v bool) {
	i := int32(0)
	if v {
		i = 1
	}
	atomic.StoreInt32(&j.inQueues, i)
}

// Schedule returns the job's current schedule.
func (j *ScrubJob) Schedule() Schedule {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.schedule
}

func (j *ScrubJob) setSchedule(s Schedule) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.schedule = s
}

// ResourcesFailure reports whether the FSM flagged a replica reservation
// failure for this job's most recent session.
func (j *ScrubJob) ResourcesFailure() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resourcesFailure
}

// SetResourcesFailure is called by the FSM (ReservingReplicas, on reject or
// timeout) to flag that the next ready_to_scrub sweep should penalize this
// job.
func (j *ScrubJob) SetResourcesFailure(v bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.resourcesFailure = v
}

// PenaltyTimeout returns the instant at which a penalized job is pardoned.
func (j *ScrubJob) PenaltyTimeout() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.penaltyTimeout
}

func (j *ScrubJob) setPenaltyTimeout(t time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.penaltyTimeout = t
}

// Updated reports the job's pardon signal: set whenever something about the
// job's priority changed since the last ready_to_scrub sweep, so that
// scan_penalized can release it early regardless of penalty_timeout.
func (j *ScrubJob) Updated() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.updated
}

func (j *ScrubJob) setUpdated(v bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.updated = v
}

// MarkUpdated records that the job's target time or priority changed,
// pardoning it from a pending penalty on the next sweep.
func (j *ScrubJob) MarkUpdated() { j.setUpdated(true) }
