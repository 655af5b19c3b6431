// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package timeutil

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// Timer is an abstraction around the standard library's time.Timer that
// reuses a pool of stopped timers to reduce allocations. Unlike
// time.Timer, the zero value is ready to use but does not start counting
// down until Reset is called.
type Timer struct {
	timer *time.Timer
	// C mirrors timer.C so callers can select on it before Reset has ever
	// been called.
	C <-chan time.Time
}

// Reset changes the timer to expire after duration d.
func (t *Timer) Reset(d time.Duration) {
	if t.timer == nil {
		if pooled, ok := timerPool.Get().(*time.Timer); ok {
			pooled.Reset(d)
			t.timer = pooled
		} else {
			t.timer = time.NewTimer(d)
		}
		t.C = t.timer.C
		return
	}
	t.timer.Reset(d)
}

// Stop prevents the Timer from firing and returns the underlying timer to
// the pool. It returns true if the call stops the timer, false if the timer
// has already expired, been stopped previously, or was never reset.
func (t *Timer) Stop() bool {
	if t.timer == nil {
		return false
	}
	stopped := t.timer.Stop()
	if !stopped {
		select {
		case <-t.timer.C:
		default:
		}
	}
	timerPool.Put(t.timer)
	*t = Timer{}
	return stopped
}
