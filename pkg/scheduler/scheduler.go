// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stormstore/osdsched/pkg/settings"
	"github.com/stormstore/osdsched/pkg/util/timeutil"
)

// ErrEmpty is returned by Dequeue when both lanes are empty.
var ErrEmpty = errors.New("scheduler: empty")

// DequeueOutcome distinguishes a successfully dequeued item from a
// not-yet-eligible retry instruction.
type DequeueOutcome int

const (
	// DequeueReady means Item is valid and ready to execute now.
	DequeueReady DequeueOutcome = iota
	// DequeueFuture means nothing is eligible yet; sleep until RetryAt and
	// call Dequeue again.
	DequeueFuture
)

// DequeueResult is OpScheduler.Dequeue's return value: never a blocking
// call, always one of "here is an item" or "nothing is eligible until t".
type DequeueResult struct {
	Outcome DequeueOutcome
	Item    WorkItem
	RetryAt time.Time
}

// OpScheduler is the per-shard-thread facade owning the high-priority lane,
// the mClock lane, the cost model, and the cutoff policy, per spec.md §4.1.
// It is not safe for concurrent use; each worker thread owns one instance.
type OpScheduler struct {
	conf            settings.ConfigProvider
	clock           timeutil.TimeSource
	deviceClass     DeviceClass
	numShardThreads int64

	cost     *CostModel
	registry *ClientRegistry
	cutoff   *CutoffPolicy

	highPriority *HighPriorityQueue
	mclock       *mClockQueue
}

// New constructs an OpScheduler for one shard thread of the given device
// class, resolving its initial configuration from conf.
func New(conf settings.ConfigProvider, clock timeutil.TimeSource, deviceClass DeviceClass) (*OpScheduler, error) {
	s := &OpScheduler{
		conf:         conf,
		clock:        clock,
		deviceClass:  deviceClass,
		highPriority: NewHighPriorityQueue(),
	}
	if err := s.UpdateConfiguration(); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateConfiguration implements update_configuration: it recomputes cost
// and capacity parameters, then refreshes the client registry, per spec.md
// §4.1.
func (s *OpScheduler) UpdateConfiguration() error {
	s.numShardThreads = s.conf.GetInt(settings.NumOpShardThreads)
	s.cost = NewCostModel(s.conf, s.deviceClass, s.numShardThreads)
	if s.registry == nil {
		s.registry = NewClientRegistry(s.conf, s.cost.CapacityPerShardThread())
		s.mclock = newMClockQueue(s.registry, s.clock)
	} else {
		s.registry.UpdateFromConfig(s.conf, s.cost.CapacityPerShardThread())
	}
	cutoff, err := NewCutoffPolicy(s.conf)
	if err != nil {
		return err
	}
	s.cutoff = cutoff
	return nil
}

// Enqueue implements enqueue: items that bypass mClock (Immediate class, or
// above-cutoff priority) go to the strict lane; everything else is costed
// and pushed into the mClock lane under its SchedulerID. Never blocks.
func (s *OpScheduler) Enqueue(item WorkItem) {
	if s.cutoff.BypassesMClock(item) {
		s.highPriority.PushBack(item)
		return
	}
	s.mclock.push(item.schedulerID(), item, s.cost.ScaledCost(item.Cost))
}

// EnqueueFront implements enqueue_front: as Enqueue, but the item is
// inserted at the head of its high-priority bucket. Used to requeue after a
// transient failure without losing the item's place relative to new work at
// the same priority.
func (s *OpScheduler) EnqueueFront(item WorkItem) {
	if s.cutoff.BypassesMClock(item) {
		s.highPriority.PushFront(item)
		return
	}
	s.mclock.push(item.schedulerID(), item, s.cost.ScaledCost(item.Cost))
}

// Dequeue implements dequeue: the high-priority lane always drains first;
// otherwise the mClock lane is pulled, which may report a future retry
// instant instead of an item. Returns ErrEmpty only when both lanes are
// empty.
func (s *OpScheduler) Dequeue() (DequeueResult, error) {
	if item, ok := s.highPriority.PopFront(); ok {
		return DequeueResult{Outcome: DequeueReady, Item: item}, nil
	}
	item, _, ok, retryAt := s.mclock.pull()
	if ok {
		return DequeueResult{Outcome: DequeueReady, Item: item}, nil
	}
	if s.mclock.empty() {
		return DequeueResult{}, ErrEmpty
	}
	return DequeueResult{Outcome: DequeueFuture, RetryAt: retryAt}, nil
}

// Empty reports whether both lanes are empty.
func (s *OpScheduler) Empty() bool {
	return s.highPriority.Empty() && s.mclock.empty()
}

// Dump is the debug surface named in spec.md §6: per-class queue sizes plus
// the high-priority backlog, the OpScheduler.dump equivalent consumed by
// cmd/osdschedctl.
type Dump struct {
	HighPriorityBacklog int            `json:"high_priority_backlog"`
	PerClass            map[string]int `json:"per_class"`
}

// Dump reports the current queue depths.
func (s *OpScheduler) Dump() Dump {
	perClass := map[string]int{}
	for id, cq := range s.mclock.classes {
		perClass[id.String()] += len(cq.items)
	}
	return Dump{
		HighPriorityBacklog: s.highPriority.Len(),
		PerClass:            perClass,
	}
}
