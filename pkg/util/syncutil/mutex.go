// Copyright 2024 The Stormstore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package syncutil provides thin wrappers around sync primitives that make
// the locking discipline documented by a type's comments independently
// checkable at runtime.
package syncutil

import (
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// A Mutex is a mutual exclusion lock. It embeds sync.Mutex and adds
// AssertHeld, which callers use to document and (best-effort) verify locking
// invariants such as "jobs_lock is never held across a callback".
type Mutex struct {
	sync.Mutex
	owner int64 // goroutine id of the current holder, 0 if unlocked
}

// Lock locks m and records the calling goroutine as its owner, so a later
// AssertHeldByCaller can tell "someone holds this" from "I hold this".
func (m *Mutex) Lock() {
	m.Mutex.Lock()
	atomic.StoreInt64(&m.owner, goid.Get())
}

// Unlock clears the owner and releases m.
func (m *Mutex) Unlock() {
	atomic.StoreInt64(&m.owner, 0)
	m.Mutex.Unlock()
}

// AssertHeld may panic if the mutex is not locked. It does not require that
// the lock be held by the calling goroutine specifically, only that some
// goroutine holds it; callers use it to document a locking precondition at
// the top of a function.
func (m *Mutex) AssertHeld() {
	if m.TryLock() {
		m.Mutex.Unlock()
		panic("mutex is not locked")
	}
}

// AssertHeldByCaller panics unless the calling goroutine itself is the one
// holding the lock. Stricter than AssertHeld: catches the case where a
// caller assumes it took the lock but is instead relying on some other
// goroutine still holding it.
func (m *Mutex) AssertHeldByCaller() {
	if atomic.LoadInt64(&m.owner) != goid.Get() {
		panic("mutex is not held by the calling goroutine")
	}
}

// An RWMutex is a reader/writer mutual exclusion lock.
type RWMutex struct {
	sync.RWMutex
}

// AssertHeld may panic if the mutex is not locked for writing.
func (rw *RWMutex) AssertHeld() {
	if rw.TryLock() {
		rw.Unlock()
		panic("rwmutex is not held for writing")
	}
}
