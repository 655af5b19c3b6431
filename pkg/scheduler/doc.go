// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

// Package scheduler implements the per-shard-thread operation scheduler: a
// strict high-priority lane backed by HighPriorityQueue, and a dmClock-style
// reservation/weight/limit lane backed by mClockQueue, bridged by the
// OpScheduler facade and ClientRegistry's cost-to-tag bookkeeping.
//
// A scheduler is owned by exactly one worker thread; none of its types are
// safe for concurrent use from multiple goroutines, mirroring the teacher's
// per-shard op wait queues in pkg/kv/kvserver's scheduler shards.
package scheduler
