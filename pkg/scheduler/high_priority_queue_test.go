// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHighPriorityQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewHighPriorityQueue()
	require.True(t, q.Empty())

	q.PushBack(WorkItem{Priority: 10, Payload: "low-a"})
	q.PushBack(WorkItem{Priority: 20, Payload: "high-a"})
	q.PushBack(WorkItem{Priority: 10, Payload: "low-b"})
	q.PushBack(WorkItem{Priority: 20, Payload: "high-b"})

	require.Equal(t, 4, q.Len())

	order := []string{}
	for {
		item, ok := q.PopFront()
		if !ok {
			break
		}
		order = append(order, item.Payload.(string))
	}
	require.Equal(t, []string{"high-a", "high-b", "low-a", "low-b"}, order)
	require.True(t, q.Empty())
}

func TestHighPriorityQueuePushFrontJumpsBucket(t *testing.T) {
	q := NewHighPriorityQueue()
	q.PushBack(WorkItem{Priority: 5, Payload: "a"})
	q.PushBack(WorkItem{Priority: 5, Payload: "b"})
	q.PushFront(WorkItem{Priority: 5, Payload: "requeued"})

	item, ok := q.PopFront()
	require.True(t, ok)
	require.Equal(t, "requeued", item.Payload)
}

func TestHighPriorityQueuePopFrontEmpty(t *testing.T) {
	q := NewHighPriorityQueue()
	_, ok := q.PopFront()
	require.False(t, ok)
}
