// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scrubfsm

import (
	"sync"
	"time"
)

// TimerScheduler is the timer service named as an external collaborator in
// spec.md §1: schedule a callback to fire at now+d, and be able to cancel it
// before it fires.
type TimerScheduler interface {
	// ScheduleAfter arranges for fn to run after d elapses, returning a
	// cancel function. Calling cancel after fn has already fired is a no-op.
	ScheduleAfter(d time.Duration, fn func()) (cancel func())
}

// TimerEventToken is the RAII handle of spec.md §4.6: a heap-allocated
// shared cell tracks whether the token was canceled, so that a callback
// racing a cancellation can detect it and skip event delivery. Cancel is
// idempotent; the zero value is an already-empty token.
type TimerEventToken struct {
	cell *tokenCell
}

type tokenCell struct {
	mu       sync.Mutex
	canceled bool
	cancel   func()
}

// ScheduleTimerEvent arms sched to invoke fn after d, wrapped in a token
// that Cancel (or a second firing) neutralizes. fn is only ever invoked if
// the token has not been canceled by the time it runs.
func ScheduleTimerEvent(sched TimerScheduler, d time.Duration, fn func()) TimerEventToken {
	cell := &tokenCell{}
	cancel := sched.ScheduleAfter(d, func() {
		cell.mu.Lock()
		fire := !cell.canceled
		cell.canceled = true
		cell.mu.Unlock()
		if fire {
			fn()
		}
	})
	cell.mu.Lock()
	cell.cancel = cancel
	cell.mu.Unlock()
	return TimerEventToken{cell: cell}
}

// Cancel prevents the token's callback from firing, if it hasn't already.
// Safe to call on a zero-value or already-canceled token.
func (t TimerEventToken) Cancel() {
	if t.cell == nil {
		return
	}
	t.cell.mu.Lock()
	defer t.cell.mu.Unlock()
	if t.cell.canceled {
		return
	}
	t.cell.canceled = true
	if t.cell.cancel != nil {
		t.cell.cancel()
	}
}

// IsLive reports whether the token could still deliver its event.
func (t TimerEventToken) IsLive() bool {
	if t.cell == nil {
		return false
	}
	t.cell.mu.Lock()
	defer t.cell.mu.Unlock()
	return !t.cell.canceled
}
