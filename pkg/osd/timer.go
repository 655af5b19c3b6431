// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package osd

import "time"

// RealTimer implements scrubfsm.TimerScheduler over time.AfterFunc. No
// library in the corpus wraps a plain fire-once delayed callback any more
// usefully than the standard library already does; ScheduleTimerEvent's own
// cancel-race handling is what makes this safe to hand to the FSM.
type RealTimer struct{}

// ScheduleAfter implements scrubfsm.TimerScheduler.
func (RealTimer) ScheduleAfter(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
