// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package log

import (
	"sync/atomic"
	"time"
)

// EveryN provides a way to rate-limit spammy log messages: it tracks how
// recently a given log line has been emitted and reports whether it's worth
// emitting again. Used where the original guards a dout() call with a
// "logSnapshots" EveryN (see raft_log_queue.go's use of util.Every).
type EveryN struct {
	n         time.Duration
	lastNanos int64
}

// Every constructs an EveryN that allows one log message per interval n.
func Every(n time.Duration) EveryN {
	return EveryN{n: n}
}

// ShouldLog returns whether it's been more than n since the last time this
// EveryN reported true.
func (e *EveryN) ShouldLog() bool {
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&e.lastNanos)
	if time.Duration(now-last) < e.n {
		return false
	}
	return atomic.CompareAndSwapInt64(&e.lastNanos, last, now)
}
