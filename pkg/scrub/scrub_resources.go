// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scrub

import (
	"sync/atomic"

	"github.com/stormstore/osdsched/pkg/settings"
)

// ScrubResources tracks the OSD-wide counters that gate scrub admission:
// how many scrubs this OSD is currently running as primary, and how many
// replica-reservation grants it has handed out to other primaries, per
// spec.md §4.3/§5.
//
// All mutation goes through the Inc/Dec pairs; the Inc path returns whether
// the request was admitted, matching the teacher's resource-pool admission
// idiom (pkg/kv/kvserver's store pool capacity checks).
type ScrubResources struct {
	conf settings.ConfigProvider

	local  int32
	remote int32
}

// NewScrubResources returns a zeroed counter pair reading its limits from
// conf.
func NewScrubResources(conf settings.ConfigProvider) *ScrubResources {
	return &ScrubResources{conf: conf}
}

// IncScrubsLocal attempts to admit one more locally-primary scrub,
// returning false (without mutating state) if osd_max_scrubs is already
// reached.
func (r *ScrubResources) IncScrubsLocal() bool {
	limit := int32(r.conf.GetInt(settings.MaxScrubsLocal))
	for {
		cur := atomic.LoadInt32(&r.local)
		if cur >= limit {
			return false
		}
		if atomic.CompareAndSwapInt32(&r.local, cur, cur+1) {
			return true
		}
	}
}

// DecScrubsLocal releases one locally-primary scrub slot.
func (r *ScrubResources) DecScrubsLocal() {
	if atomic.AddInt32(&r.local, -1) < 0 {
		atomic.StoreInt32(&r.local, 0)
	}
}

// LocalInUse returns the number of locally-primary scrubs in progress.
func (r *ScrubResources) LocalInUse() int32 { return atomic.LoadInt32(&r.local) }

// IsLocalSaturated reports whether a further local scrub would be refused.
func (r *ScrubResources) IsLocalSaturated() bool {
	return atomic.LoadInt32(&r.local) >= int32(r.conf.GetInt(settings.MaxScrubsLocal))
}

// IncScrubsRemote attempts to admit one more replica-reservation grant,
// returning false if osd_max_scrubs_remote is already reached.
func (r *ScrubResources) IncScrubsRemote() bool {
	limit := int32(r.conf.GetInt(settings.MaxScrubsRemote))
	for {
		cur := atomic.LoadInt32(&r.remote)
		if cur >= limit {
			return false
		}
		if atomic.CompareAndSwapInt32(&r.remote, cur, cur+1) {
			return true
		}
	}
}

// DecScrubsRemote releases one replica-reservation grant.
func (r *ScrubResources) DecScrubsRemote() {
	if atomic.AddInt32(&r.remote, -1) < 0 {
		atomic.StoreInt32(&r.remote, 0)
	}
}

// RemoteInUse returns the number of replica-reservation grants outstanding.
func (r *ScrubResources) RemoteInUse() int32 { return atomic.LoadInt32(&r.remote) }
