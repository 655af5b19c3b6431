// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scrub

import (
	"math"
	"sync"
	"time"
)

// LoadTracker is the black-box CPU load sampler OsdScrub.UpdateLoadAverage
// delegates to; spec.md §1 names CPU load sampling itself an external
// collaborator, so this package depends only on the interface.
type LoadTracker interface {
	// Average returns the decaying 24h average load, or false if no sample
	// has been recorded yet.
	Average() (float64, bool)
}

// DecayingLoadTracker is a minimal exponential-decay LoadTracker usable in
// tests and the cmd/osdschedctl demo CLI in place of a real sampler. Each
// RecordSample call folds the new reading in with weight proportional to
// elapsed time over a 24h half-life, the same decayed-average shape the
// original's PGStatService keeps for op rates.
type DecayingLoadTracker struct {
	halfLife time.Duration

	mu      sync.Mutex
	have    bool
	avg     float64
	lastAt  time.Time
}

// NewDecayingLoadTracker returns a tracker with the given decay half-life
// (spec.md's "24-hour average" corresponds to halfLife == 24*time.Hour).
func NewDecayingLoadTracker(halfLife time.Duration) *DecayingLoadTracker {
	return &DecayingLoadTracker{halfLife: halfLife}
}

// RecordSample folds in a new instantaneous load reading taken at now.
func (d *DecayingLoadTracker) RecordSample(now time.Time, sample float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.have {
		d.avg, d.have, d.lastAt = sample, true, now
		return
	}
	elapsed := now.Sub(d.lastAt)
	if elapsed <= 0 {
		d.avg = sample
		return
	}
	// weight of the new sample grows with elapsed time, saturating at 1.
	weight := 1 - math.Pow(2, -elapsed.Seconds()/d.halfLife.Seconds())
	d.avg = d.avg*(1-weight) + sample*weight
	d.lastAt = now
}

// Average implements LoadTracker.
func (d *DecayingLoadTracker) Average() (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.avg, d.have
}
