// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package osd

import "github.com/stormstore/osdsched/pkg/scrub"

// replicaResources adapts *scrub.ScrubResources's remote-grant counter to
// scrubfsm.ReplicaResources's narrower TryReserve/Release shape, so every
// Machine on this node shares the one OSD-wide osd_max_scrubs_remote limit.
type replicaResources struct {
	res *scrub.ScrubResources
}

func (r replicaResources) TryReserve() bool { return r.res.IncScrubsRemote() }
func (r replicaResources) Release()         { r.res.DecScrubsRemote() }
