// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scrubfsm

// State names one node of the flat state enum spanning both the Primary and
// Replica regions of spec.md §4.5.2/§4.5.3. Substates of ActiveScrubbing and
// of ReplicaActive are flattened into this single enum rather than modeled
// as a tagged-variant hierarchy, per the alternative spec.md §9 names.
type State int

const (
	// Primary region, spec.md §4.5.2.
	NotActive State = iota
	ReservingReplicas
	PendingTimer
	NewChunk
	RangeBlocked
	WaitPushes
	WaitLastUpdate
	BuildMap
	DrainReplMaps
	WaitReplicas
	WaitDigestUpdate

	// Replica region, spec.md §4.5.3.
	ReplicaIdle
	ReplicaWaitUpdates
	ReplicaBuildingMap
)

var stateNames = map[State]string{
	NotActive:          "NotActive",
	ReservingReplicas:  "ReservingReplicas",
	PendingTimer:       "PendingTimer",
	NewChunk:           "NewChunk",
	RangeBlocked:       "RangeBlocked",
	WaitPushes:         "WaitPushes",
	WaitLastUpdate:     "WaitLastUpdate",
	BuildMap:           "BuildMap",
	DrainReplMaps:      "DrainReplMaps",
	WaitReplicas:       "WaitReplicas",
	WaitDigestUpdate:   "WaitDigestUpdate",
	ReplicaIdle:        "ReplicaIdle",
	ReplicaWaitUpdates: "ReplicaWaitUpdates",
	ReplicaBuildingMap: "ReplicaBuildingMap",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "Unknown"
}

// InPrimaryRegion reports whether s belongs to the Primary region (including
// NotActive, which is shared ground zero for both regions before a peering
// outcome selects one).
func (s State) InPrimaryRegion() bool {
	switch s {
	case ReplicaIdle, ReplicaWaitUpdates, ReplicaBuildingMap:
		return false
	default:
		return true
	}
}

// InActiveScrubbing reports whether s is one of the ActiveScrubbing
// sub-machine's states, per spec.md §4.5.2.
func (s State) InActiveScrubbing() bool {
	switch s {
	case PendingTimer, NewChunk, RangeBlocked, WaitPushes, WaitLastUpdate,
		BuildMap, DrainReplMaps, WaitReplicas, WaitDigestUpdate:
		return true
	default:
		return false
	}
}
