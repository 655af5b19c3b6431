// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scheduler

import "sort"

// HighPriorityQueue is the strict-priority bypass lane: within a priority
// bucket, FIFO; across buckets, higher priority always wins, per spec.md
// §4.1/§5.
type HighPriorityQueue struct {
	buckets map[int32][]WorkItem
	// order tracks which priorities currently have entries, kept sorted
	// descending so PopFront doesn't re-sort the whole map each call.
	order []int32
}

// NewHighPriorityQueue returns an empty HighPriorityQueue.
func NewHighPriorityQueue() *HighPriorityQueue {
	return &HighPriorityQueue{buckets: map[int32][]WorkItem{}}
}

// Empty reports whether the lane holds no items.
func (q *HighPriorityQueue) Empty() bool { return len(q.order) == 0 }

// Len returns the total number of items across all priority buckets.
func (q *HighPriorityQueue) Len() int {
	n := 0
	for _, b := range q.buckets {
		n += len(b)
	}
	return n
}

// PushBack appends item to the back of its priority bucket.
func (q *HighPriorityQueue) PushBack(item WorkItem) {
	q.pushBucket(item.Priority)
	q.buckets[item.Priority] = append(q.buckets[item.Priority], item)
}

// PushFront inserts item at the head of its priority bucket, used by
// enqueue_front to requeue after a transient condition.
func (q *HighPriorityQueue) PushFront(item WorkItem) {
	q.pushBucket(item.Priority)
	q.buckets[item.Priority] = append([]WorkItem{item}, q.buckets[item.Priority]...)
}

func (q *HighPriorityQueue) pushBucket(priority int32) {
	if _, ok := q.buckets[priority]; ok {
		return
	}
	q.buckets[priority] = nil
	q.order = append(q.order, priority)
	sort.Slice(q.order, func(i, j int) bool { return q.order[i] > q.order[j] })
}

// PopFront removes and returns the head item of the highest-priority
// nonempty bucket.
func (q *HighPriorityQueue) PopFront() (WorkItem, bool) {
	for len(q.order) > 0 {
		top := q.order[0]
		bucket := q.buckets[top]
		if len(bucket) == 0 {
			q.order = q.order[1:]
			delete(q.buckets, top)
			continue
		}
		item := bucket[0]
		q.buckets[top] = bucket[1:]
		if len(q.buckets[top]) == 0 {
			q.order = q.order[1:]
			delete(q.buckets, top)
		}
		return item, true
	}
	return WorkItem{}, false
}
