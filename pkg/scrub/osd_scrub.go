// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scrub

import (
	"context"
	"time"

	"golang.org/x/exp/rand"

	"github.com/stormstore/osdsched/pkg/settings"
	"github.com/stormstore/osdsched/pkg/util/log"
	"github.com/stormstore/osdsched/pkg/util/timeutil"
)

// PGGuard is the lock handle returned by PGLocker.GetLockedPG: the minimal
// surface OsdScrub needs to check a PG's scrub eligibility and kick off a
// session, without depending on pkg/scrub/scrubfsm (which in turn depends
// on this package for ScrubJob/ScrubQueue access). The concrete adapter
// that implements PGGuard over a scrubfsm.Machine lives above both
// packages, in the component that wires an OSD together.
type PGGuard interface {
	// IsScrubbing reports whether this PG's ScrubMachine is already in a
	// Session.
	IsScrubbing() bool
	// RequestedRepairOnlyConflict reports whether starting a scrub with
	// allowRepairOnly would conflict with the PG's current repair state.
	RequestedRepairOnlyConflict(allowRepairOnly bool) bool
	// StartScrub posts StartScrub (allowRepairOnly == false) or
	// AfterRepairScrub (allowRepairOnly == true) to the PG's ScrubMachine.
	StartScrub(allowRepairOnly bool) error
	// Release unlocks the PG.
	Release()
}

// PGLocker is the PG locking service named as an external collaborator in
// spec.md §1.
type PGLocker interface {
	GetLockedPG(ctx context.Context, pgid PGID) (PGGuard, bool)
}

// InitiateOutcome reports what InitiateScrub did on one call.
type InitiateOutcome int

const (
	// OutcomeSkippedBackoff means scrub_random_backoff chose to skip this
	// tick.
	OutcomeSkippedBackoff InitiateOutcome = iota
	// OutcomeRestricted means restrictions_on_scrubbing vetoed scrubbing
	// entirely this tick (saturated resources, a reservation already in
	// flight, or recovery forbidding it).
	OutcomeRestricted
	// OutcomeNoEligiblePG means ready_to_scrub returned no candidates.
	OutcomeNoEligiblePG
	// OutcomeNoTargetAvailable means every candidate PG failed
	// initiate_a_scrub (lock unavailable, already scrubbing, or a
	// repair-only conflict).
	OutcomeNoTargetAvailable
	// OutcomeInitiated means a scrub session was successfully started.
	OutcomeInitiated
)

// OsdScrub is the per-tick orchestrator described in spec.md §4.4: it
// decides whether any scrub may start this tick and, if so, which PG.
type OsdScrub struct {
	conf      settings.ConfigProvider
	clock     timeutil.TimeSource
	queue     *ScrubQueue
	resources *ScrubResources
	loadTrack LoadTracker
	pgLocker  PGLocker
	randFloat func() float64
}

// NewOsdScrub constructs an OsdScrub wired to its collaborators.
func NewOsdScrub(
	conf settings.ConfigProvider,
	clock timeutil.TimeSource,
	queue *ScrubQueue,
	resources *ScrubResources,
	loadTrack LoadTracker,
	pgLocker PGLocker,
) *OsdScrub {
	// Seeded per-node so scrub_random_backoff's dice roll is reproducible
	// given a fixed clock, per spec.md §9's per-node jitter source; tests
	// override it entirely via SetRandFloat.
	src := rand.New(rand.NewSource(uint64(clock.Now().UnixNano())))
	return &OsdScrub{
		conf:      conf,
		clock:     clock,
		queue:     queue,
		resources: resources,
		loadTrack: loadTrack,
		pgLocker:  pgLocker,
		randFloat: src.Float64,
	}
}

// SetRandFloat overrides the source scrub_random_backoff draws from.
func (o *OsdScrub) SetRandFloat(f func() float64) { o.randFloat = f }

// InitiateScrub implements the initiate_scrub pipeline of spec.md §4.4.
func (o *OsdScrub) InitiateScrub(ctx context.Context, isRecoveryActive, allowRepairOnly bool) (InitiateOutcome, PGID) {
	if !o.scrubRandomBackoff() {
		return OutcomeSkippedBackoff, ""
	}

	now := o.clock.Now()
	restrictions, ok := o.restrictionsOnScrubbing(isRecoveryActive, now)
	if !ok {
		return OutcomeRestricted, ""
	}

	candidates := o.queue.ReadyToScrub(restrictions, now)
	if len(candidates) == 0 {
		return OutcomeNoEligiblePG, ""
	}
	for _, pgid := range candidates {
		if o.initiateAScrub(ctx, pgid, allowRepairOnly) {
			return OutcomeInitiated, pgid
		}
	}
	return OutcomeNoTargetAvailable, ""
}

func (o *OsdScrub) scrubRandomBackoff() bool {
	ratio := o.conf.GetFloat64(settings.ScrubBackoffRatio)
	return o.randFloat() < ratio
}

// restrictionsOnScrubbing implements restrictions_on_scrubbing, per
// spec.md §4.4. The boolean return is false when scrubbing is vetoed
// entirely this tick; true carries the flags word ready_to_scrub must
// additionally honor.
func (o *OsdScrub) restrictionsOnScrubbing(isRecoveryActive bool, now time.Time) (OSDRestrictions, bool) {
	if o.resources.IsLocalSaturated() {
		return OSDRestrictions{}, false
	}
	if _, reserving := o.queue.IsReservingNow(); reserving {
		return OSDRestrictions{}, false
	}
	if isRecoveryActive && !o.conf.GetBool(settings.ScrubDuringRecovery) {
		return OSDRestrictions{}, false
	}

	var restrictions OSDRestrictions
	if !o.inConfiguredHourWindow(now) || !o.dayPermitted(now) {
		// Outside the configured scrub window: only jobs already past
		// their deadline may proceed this tick.
		restrictions.OnlyDeadlined = true
	}
	if avg, haveLoad := o.UpdateLoadAverage(); haveLoad && avg > o.conf.GetFloat64(settings.ScrubLoadThreshold)*100 {
		restrictions.OnlyHighPriority = true
	}
	return restrictions, true
}

func (o *OsdScrub) initiateAScrub(ctx context.Context, pgid PGID, allowRepairOnly bool) bool {
	guard, ok := o.pgLocker.GetLockedPG(ctx, pgid)
	if !ok {
		log.VInfof(ctx, 10, "scrub: pg %s lock unavailable, trying next candidate", pgid)
		return false
	}
	defer guard.Release()

	if guard.IsScrubbing() {
		log.VInfof(ctx, 10, "scrub: pg %s already scrubbing", pgid)
		return false
	}
	if guard.RequestedRepairOnlyConflict(allowRepairOnly) {
		log.VInfof(ctx, 10, "scrub: pg %s repair-only conflict", pgid)
		return false
	}
	if err := guard.StartScrub(allowRepairOnly); err != nil {
		log.Warningf(ctx, "scrub: pg %s failed to start: %v", pgid, err)
		return false
	}
	return true
}

// ScrubSleepTime implements scrub_sleep_time, per spec.md §4.4.
func (o *OsdScrub) ScrubSleepTime(t time.Time, highPriority bool) time.Duration {
	if highPriority || !o.inConfiguredHourWindow(t) {
		return o.conf.GetDuration(settings.ScrubSleep)
	}
	return o.conf.GetDuration(settings.ScrubExtendedSleep)
}

// ScrubTimePermit implements scrub_time_permit: true iff now falls in the
// configured [begin_hour, end_hour) window (wrapping midnight) and the
// configured day-of-week mask, per spec.md §4.4/§8.
func (o *OsdScrub) ScrubTimePermit(t time.Time) bool {
	return o.inConfiguredHourWindow(t) && o.dayPermitted(t)
}

func (o *OsdScrub) inConfiguredHourWindow(t time.Time) bool {
	begin := int(o.conf.GetInt(settings.ScrubBeginHour))
	end := int(o.conf.GetInt(settings.ScrubEndHour))
	hour := t.Hour()
	if begin == end {
		return true
	}
	if begin < end {
		return hour >= begin && hour < end
	}
	return hour >= begin || hour < end
}

func (o *OsdScrub) dayPermitted(t time.Time) bool {
	begin := int(o.conf.GetInt(settings.ScrubBeginWeekDay))
	end := int(o.conf.GetInt(settings.ScrubEndWeekDay))
	if begin == end {
		return true
	}
	day := int(t.Weekday())
	if begin < end {
		return day >= begin && day < end
	}
	return day >= begin || day < end
}

// UpdateLoadAverage implements update_load_average: 100x the LoadTracker's
// decaying average, or false if no sample exists yet.
func (o *OsdScrub) UpdateLoadAverage() (float64, bool) {
	avg, ok := o.loadTrack.Average()
	if !ok {
		return 0, false
	}
	return avg * 100, true
}
