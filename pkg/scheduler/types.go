// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scheduler

import "fmt"

// OpClass orders work by urgency: Immediate bypasses the mClock lane
// entirely; the remaining three classes share it under reservation/weight/
// limit QoS.
type OpClass int

const (
	// Immediate work (e.g. a peering message) always preempts into the
	// strict high-priority lane, never waiting on mClock tags.
	Immediate OpClass = iota
	// Client is ordinary client I/O.
	Client
	// BackgroundRecovery is data-repair traffic (log recovery, backfill).
	BackgroundRecovery
	// BackgroundBestEffort is scrub chunk reads, snap trimming, and other
	// work with no deadline.
	BackgroundBestEffort
)

func (c OpClass) String() string {
	switch c {
	case Immediate:
		return "immediate"
	case Client:
		return "client"
	case BackgroundRecovery:
		return "background_recovery"
	case BackgroundBestEffort:
		return "background_best_effort"
	default:
		return fmt.Sprintf("OpClass(%d)", int(c))
	}
}

// ClientProfile distinguishes scheduling identities within the Client class.
// Both fields default to zero, meaning "all external clients share one
// mClock slot"; nonzero values are reserved for future distributed QoS and
// are accepted but not specially interpreted here.
type ClientProfile struct {
	ClientID  int64
	ProfileID int64
}

// IsDefault reports whether p is the zero client profile.
func (p ClientProfile) IsDefault() bool { return p == ClientProfile{} }

// SchedulerID names a scheduling queue: a class plus, for the Client class,
// a client profile. Background classes always use the default profile.
type SchedulerID struct {
	Class   OpClass
	Profile ClientProfile
}

func (id SchedulerID) String() string {
	if id.Class == Client && !id.Profile.IsDefault() {
		return fmt.Sprintf("%s[%d.%d]", id.Class, id.Profile.ClientID, id.Profile.ProfileID)
	}
	return id.Class.String()
}

// Cost describes the raw resource footprint of an operation before scaling.
type Cost struct {
	// SizeBytes is the number of bytes the op will read or write.
	SizeBytes uint64
	// IOPS is the approximate number of random I/Os the op represents
	// (usually 1 for a single request).
	IOPS uint64
}

// WorkItem is a move-consumed unit of schedulable work. Payload carries
// whatever the caller needs to execute the operation; the scheduler never
// inspects it.
type WorkItem struct {
	Class    OpClass
	Profile  ClientProfile
	Priority int32
	Cost     Cost
	Payload  interface{}
}

func (w WorkItem) schedulerID() SchedulerID {
	if w.Class == Client {
		return SchedulerID{Class: Client, Profile: w.Profile}
	}
	return SchedulerID{Class: w.Class}
}
