// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

// Package scrub implements the OSD-wide scrub scheduler: ScrubJob records
// one per PG, ScrubQueue's to_scrub/penalized lanes, the OsdScrub
// orchestrator that gates one scrub initiation per tick on resources, load,
// time windows and recovery activity, and the ScrubResources/LoadTracker
// counters those gates consult.
//
// This package decides which PG scrubs next; pkg/scrub/scrubfsm drives the
// per-PG session once OsdScrub has picked one.
package scrub
