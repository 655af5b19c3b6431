// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

// Package osd wires pkg/scrub and pkg/scrub/scrubfsm into a single node:
// it is the "component outside both packages" those packages' own doc
// comments defer PGGuard/PGLocker's concrete adapter to, since neither
// package may import the other's counterpart without an import cycle.
//
// It also supplies the demo-scale collaborators (a loopback Listener with
// no real replica network, a real time.AfterFunc TimerScheduler) that
// cmd/osdschedctl runs against. A production node would replace Registry's
// LoopbackListener with one that actually talks to remote OSDs; the
// PGGuard/PGLocker/Machine wiring itself does not change.
package osd
