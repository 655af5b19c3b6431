// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package settings

import (
	"sync"
	"time"
)

// ConfigProvider is the keyed-lookup-plus-change-notification collaborator
// the scheduler and scrub subsystems are handed at construction time
// (spec.md §1's "config provider"). It is deliberately narrow: callers look
// up a value by the Setting that names it and register a callback to learn
// when that value (or any value) changes, the way the original's
// md_config_t observers and the teacher's settings.Values both work.
type ConfigProvider interface {
	GetDuration(s *DurationSetting) time.Duration
	GetFloat64(s *Float64Setting) float64
	GetInt(s *IntSetting) int64
	GetString(s *StringSetting) string
	GetBool(s *BoolSetting) bool

	// OnChange registers fn to be called, on its own goroutine, whenever the
	// provider's value for key changes. OnChange with an empty key subscribes
	// to every change. ClientRegistry and OpScheduler do not subscribe: their
	// cached tag state is refreshed only by an explicit
	// OpScheduler.UpdateConfiguration call.
	OnChange(key string, fn func())
}

// InMemoryConfig is a ConfigProvider backed by a plain map, used by the
// cmd/osdschedctl CLI and by tests that want to flip a setting mid-run
// without standing up an external configuration service.
type InMemoryConfig struct {
	mu        sync.Mutex
	durations map[string]time.Duration
	floats    map[string]float64
	ints      map[string]int64
	strings   map[string]string
	bools     map[string]bool
	watchers  map[string][]func()
}

// NewInMemoryConfig returns a ConfigProvider with every registered setting
// at its default value.
func NewInMemoryConfig() *InMemoryConfig {
	return &InMemoryConfig{
		durations: map[string]time.Duration{},
		floats:    map[string]float64{},
		ints:      map[string]int64{},
		strings:   map[string]string{},
		bools:     map[string]bool{},
		watchers:  map[string][]func(){},
	}
}

func (c *InMemoryConfig) GetDuration(s *DurationSetting) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.durations[s.Key()]; ok {
		return v
	}
	return time.Duration(s.Default())
}

func (c *InMemoryConfig) GetFloat64(s *Float64Setting) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.floats[s.Key()]; ok {
		return v
	}
	return s.Default()
}

func (c *InMemoryConfig) GetInt(s *IntSetting) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.ints[s.Key()]; ok {
		return v
	}
	return s.Default()
}

func (c *InMemoryConfig) GetString(s *StringSetting) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.strings[s.Key()]; ok {
		return v
	}
	return s.Default()
}

func (c *InMemoryConfig) GetBool(s *BoolSetting) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.bools[s.Key()]; ok {
		return v
	}
	return s.Default()
}

// SetDuration overrides s's value and notifies watchers of s.Key() and of
// the wildcard key.
func (c *InMemoryConfig) SetDuration(s *DurationSetting, v time.Duration) {
	c.mu.Lock()
	c.durations[s.Key()] = v
	c.mu.Unlock()
	c.notify(s.Key())
}

// SetFloat64 overrides s's value and notifies watchers.
func (c *InMemoryConfig) SetFloat64(s *Float64Setting, v float64) {
	c.mu.Lock()
	c.floats[s.Key()] = v
	c.mu.Unlock()
	c.notify(s.Key())
}

// SetInt overrides s's value and notifies watchers.
func (c *InMemoryConfig) SetInt(s *IntSetting, v int64) {
	c.mu.Lock()
	c.ints[s.Key()] = v
	c.mu.Unlock()
	c.notify(s.Key())
}

// SetString overrides s's value and notifies watchers.
func (c *InMemoryConfig) SetString(s *StringSetting, v string) {
	c.mu.Lock()
	c.strings[s.Key()] = v
	c.mu.Unlock()
	c.notify(s.Key())
}

// SetBool overrides s's value and notifies watchers.
func (c *InMemoryConfig) SetBool(s *BoolSetting, v bool) {
	c.mu.Lock()
	c.bools[s.Key()] = v
	c.mu.Unlock()
	c.notify(s.Key())
}

// OnChange implements ConfigProvider.
func (c *InMemoryConfig) OnChange(key string, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers[key] = append(c.watchers[key], fn)
}

func (c *InMemoryConfig) notify(key string) {
	c.mu.Lock()
	fns := append(append([]func(){}, c.watchers[key]...), c.watchers[""]...)
	c.mu.Unlock()
	for _, fn := range fns {
		go fn()
	}
}
