// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

// Package metric provides the node-level metrics exposed by the scheduler
// and scrub subsystems: per-class queue depths, the OSD-wide scrub resource
// counters, and job-lane sizes. It wraps github.com/prometheus/client_golang
// collectors with the Inc/Update vocabulary the teacher's pkg/util/metric
// registry exposes, rather than handing out raw prometheus types.
package metric

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Gauge is a metric whose value can go up or down.
type Gauge struct {
	g prometheus.Gauge
}

// Update sets the gauge to v.
func (g *Gauge) Update(v float64) { g.g.Set(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.g.Inc() }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.g.Dec() }

// Counter is a metric that only ever increases.
type Counter struct {
	c prometheus.Counter
}

// Inc increments the counter by delta, which must be non-negative.
func (c *Counter) Inc(delta float64) { c.c.Add(delta) }

// Registry is a named collection of metrics, analogous to the teacher's
// metric.Registry: components register their metrics once at construction
// and update them through the returned handles.
type Registry struct {
	mu         sync.Mutex
	prometheus *prometheus.Registry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{prometheus: prometheus.NewRegistry()}
}

// Gauge registers and returns a new gauge metric named name.
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	r.prometheus.MustRegister(g)
	return &Gauge{g: g}
}

// Counter registers and returns a new counter metric named name.
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	r.prometheus.MustRegister(c)
	return &Counter{c: c}
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP /metrics
// handler to use.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.prometheus
}
