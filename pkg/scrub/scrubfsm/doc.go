// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

// Package scrubfsm implements the per-PG scrub session state machine
// described in spec.md §4.5: a Primary region driving a chunked scan of one
// placement group and a Replica region answering a primary's reservation
// and map-building requests. Only one region is active per PG at a time.
//
// The machine is a flat state enum plus a (State, Event) -> Transition
// table, the alternative to a tagged-variant hierarchy spec.md §9 offers.
// Session-scoped data that must survive across sibling states within
// ActiveScrubbing (the reservation bag, in-flight timer tokens) lives on
// the Session record handed to every Action, not on the states themselves,
// matching §9's guidance to keep shared per-session resources off
// individual states.
package scrubfsm
