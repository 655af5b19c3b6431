// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scheduler

import (
	"time"

	"github.com/stormstore/osdsched/pkg/util/timeutil"
)

// tag carries the three dmClock timestamps computed for an item when it was
// enqueued: the wall-clock instant at or after which the item satisfies its
// reservation (R), the instant at or after which it's within its limit (L),
// and the proportional tag used to order items once both R and L are
// satisfied (P). The accounting mirrors the increment-from-previous-tag
// idiom in the teacher's quotapool.TokenBucket.TryToFulfill, generalized
// from a single rate to the three independent dmClock rates.
type tag struct {
	r, l, p time.Time
}

// classQueue holds one SchedulerID's pending items in FIFO order plus the
// running tag state used to compute the next item's tag from its
// predecessor, exactly as dmClock's per-client tag sequence does.
type classQueue struct {
	items            []WorkItem
	tags             []tag
	prevR, prevL, prevP time.Time
}

func (q *classQueue) empty() bool { return len(q.items) == 0 }

func (q *classQueue) head() (WorkItem, tag) { return q.items[0], q.tags[0] }

func (q *classQueue) pop() {
	q.items = q.items[1:]
	q.tags = q.tags[1:]
}

// mClockQueue is the dmClock pull-priority lane: one FIFO per (class,
// client_profile) SchedulerID, dequeued one item at a time via a two-phase
// reservation-then-proportional tag comparison, per spec.md §4.1/§4.2/§5.
//
// dequeue never blocks: it either returns the single most-eligible item, or
// a Future instant by which some item becomes eligible, the same contract
// TokenBucket.TryToFulfill exposes for a single rate limiter.
type mClockQueue struct {
	classes  map[SchedulerID]*classQueue
	registry *ClientRegistry
	clock    timeutil.TimeSource
}

func newMClockQueue(registry *ClientRegistry, clock timeutil.TimeSource) *mClockQueue {
	return &mClockQueue{
		classes:  map[SchedulerID]*classQueue{},
		registry: registry,
		clock:    clock,
	}
}

func (q *mClockQueue) empty() bool {
	for _, c := range q.classes {
		if !c.empty() {
			return false
		}
	}
	return true
}

func (q *mClockQueue) len() int {
	n := 0
	for _, c := range q.classes {
		n += len(c.items)
	}
	return n
}

func (q *mClockQueue) classQueueFor(id SchedulerID) *classQueue {
	c, ok := q.classes[id]
	if !ok {
		c = &classQueue{}
		q.classes[id] = c
	}
	return c
}

// push enqueues item under id with scaledCost, computing its tag from the
// class's running tag state. An idle class (no pending items, and enough
// elapsed time that it's not "owed" anything) resets its running tags to
// now, mirroring dmClock's idle-client reset so a client that stopped
// sending ops doesn't arrive with a stale, overly favorable reservation tag.
func (q *mClockQueue) push(id SchedulerID, item WorkItem, scaledCost uint32) {
	cq := q.classQueueFor(id)
	info := q.registry.GetInfo(id)
	now := q.clock.Now()
	cost := float64(scaledCost)

	if cq.empty() {
		if cq.prevR.Before(now) {
			cq.prevR = now
		}
		if cq.prevL.Before(now) {
			cq.prevL = now
		}
		if cq.prevP.Before(now) {
			cq.prevP = now
		}
	}

	t := tag{}
	if info.Reservation > 0 {
		t.r = cq.prevR.Add(durationFor(cost, info.Reservation))
	} else {
		t.r = timeutil.Never
	}
	if info.HasLimit() {
		t.l = cq.prevL.Add(durationFor(cost, info.Limit))
	} else {
		// No limit configured: the item is never held back by the limit
		// phase, so its L tag is always already-satisfied.
		t.l = time.Time{}
	}
	weight := info.Weight
	if weight <= 0 {
		weight = 1
	}
	t.p = cq.prevP.Add(durationFor(cost, weight))

	cq.prevR, cq.prevL, cq.prevP = t.r, t.l, t.p
	cq.items = append(cq.items, item)
	cq.tags = append(cq.tags, t)
}

func durationFor(cost, ratePerSecond float64) time.Duration {
	if ratePerSecond <= 0 {
		return 0
	}
	return time.Duration(cost / ratePerSecond * float64(time.Second))
}

// pull implements the two-phase dmClock dequeue: first, among items whose
// reservation tag has come due, the smallest R tag wins outright (the
// reservation phase exists so that a starved client is never denied its
// floor rate regardless of weight); otherwise, among items not currently
// over their limit, the smallest proportional tag wins. If nothing
// qualifies, pull reports the earliest instant (across both phases and
// every class) at which something will.
func (q *mClockQueue) pull() (WorkItem, SchedulerID, bool, time.Time) {
	now := q.clock.Now()

	var bestID SchedulerID
	var bestTag tag
	haveReservation := false
	for id, cq := range q.classes {
		if cq.empty() {
			continue
		}
		_, t := cq.head()
		if !t.r.After(now) {
			if !haveReservation || t.r.Before(bestTag.r) {
				bestID, bestTag, haveReservation = id, t, true
			}
		}
	}
	if haveReservation {
		cq := q.classes[bestID]
		item, _ := cq.head()
		cq.pop()
		return item, bestID, true, time.Time{}
	}

	haveProportional := false
	for id, cq := range q.classes {
		if cq.empty() {
			continue
		}
		_, t := cq.head()
		if t.l.After(now) {
			continue // still over limit, not eligible this phase
		}
		if !haveProportional || t.p.Before(bestTag.p) {
			bestID, bestTag, haveProportional = id, t, true
		}
	}
	if haveProportional {
		cq := q.classes[bestID]
		item, _ := cq.head()
		cq.pop()
		return item, bestID, true, time.Time{}
	}

	// Nothing is eligible right now; report the earliest instant anything
	// becomes so, across every class's head item.
	earliest := time.Time{}
	for _, cq := range q.classes {
		if cq.empty() {
			continue
		}
		_, t := cq.head()
		candidate := t.r
		if t.l.Before(candidate) {
			candidate = t.l
		}
		if earliest.IsZero() || candidate.Before(earliest) {
			earliest = candidate
		}
	}
	if earliest.IsZero() {
		earliest = now
	}
	return WorkItem{}, SchedulerID{}, false, earliest
}
