// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package main

import (
	"fmt"
	"time"

	"github.com/stormstore/osdsched/pkg/metric"
	"github.com/stormstore/osdsched/pkg/osd"
	"github.com/stormstore/osdsched/pkg/scheduler"
	"github.com/stormstore/osdsched/pkg/scrub"
	"github.com/stormstore/osdsched/pkg/scrub/scrubfsm"
	"github.com/stormstore/osdsched/pkg/settings"
	"github.com/stormstore/osdsched/pkg/util/timeutil"
)

// demoPG is one seed placement group this CLI registers on every
// invocation; there is no persisted state between runs.
type demoPG struct {
	id       scrub.PGID
	mandate  scrub.Mandate
	replicas []scrubfsm.ReplicaID
}

var demoPGs = []demoPG{
	{id: "1.0", mandate: scrub.Mandatory, replicas: []scrubfsm.ReplicaID{"n2", "n3"}},
	{id: "1.1", mandate: scrub.NotMandatory, replicas: []scrubfsm.ReplicaID{"n2"}},
	{id: "1.2", mandate: scrub.NotMandatory, replicas: nil},
}

// demoNode bundles the op scheduler and scrub scheduler collaborators this
// CLI's subcommands drive. Each invocation constructs a fresh one.
type demoNode struct {
	conf  *settings.InMemoryConfig
	clock timeutil.TimeSource

	opScheduler *scheduler.OpScheduler

	queue     *scrub.ScrubQueue
	resources *scrub.ScrubResources
	loadTrack *scrub.DecayingLoadTracker
	registry  *osd.Registry
	osdScrub  *scrub.OsdScrub

	metrics            *metric.Registry
	highPriorityGauge  *metric.Gauge
	blockedScrubsGauge *metric.Gauge
	localInUseGauge    *metric.Gauge
	remoteInUseGauge   *metric.Gauge
}

func newDemoNode() (*demoNode, error) {
	conf := settings.NewInMemoryConfig()
	clock := timeutil.DefaultTimeSource{}
	now := clock.Now()

	opSched, err := scheduler.New(conf, clock, scheduler.SolidState)
	if err != nil {
		return nil, fmt.Errorf("building op scheduler: %w", err)
	}
	seedOpScheduler(opSched)

	queue := scrub.NewScrubQueue(conf, clock)
	resources := scrub.NewScrubResources(conf)
	loadTrack := scrub.NewDecayingLoadTracker(24 * time.Hour)
	loadTrack.RecordSample(now, 0.1)
	registry := osd.NewRegistry()
	osdScrub := scrub.NewOsdScrub(conf, clock, queue, resources, loadTrack, registry)

	for i, pg := range demoPGs {
		job := scrub.NewScrubJob(pg.id)
		proposed := now.Add(-time.Duration(i+1) * time.Hour)
		queue.RegisterWithOSD(job, scrub.ScheduleParams{ProposedTime: proposed, Mandate: pg.mandate}, scrub.PoolConfig{})
		registry.Register(pg.id, job, queue, resources, osdScrub, clock, pg.replicas)
	}

	metrics := metric.NewRegistry()
	n := &demoNode{
		conf:        conf,
		clock:       clock,
		opScheduler: opSched,
		queue:       queue,
		resources:   resources,
		loadTrack:   loadTrack,
		registry:    registry,
		osdScrub:    osdScrub,

		metrics:            metrics,
		highPriorityGauge:  metrics.Gauge("osdschedctl_high_priority_backlog", "high-priority lane depth"),
		blockedScrubsGauge: metrics.Gauge("osdschedctl_blocked_scrubs", "PGs currently range-blocked"),
		localInUseGauge:    metrics.Gauge("osdschedctl_scrubs_local_in_use", "locally-primary scrubs in progress"),
		remoteInUseGauge:   metrics.Gauge("osdschedctl_scrubs_remote_in_use", "replica-reservation grants outstanding"),
	}
	return n, nil
}

// refreshMetrics pushes the current queue/scheduler state into n's gauges;
// dump-metrics calls this right before
// gathering so the printed values reflect the just-seeded demo state.
func (n *demoNode) refreshMetrics() {
	n.highPriorityGauge.Update(float64(n.opScheduler.Dump().HighPriorityBacklog))
	n.blockedScrubsGauge.Update(float64(n.queue.BlockedScrubsCount()))
	n.localInUseGauge.Update(float64(n.resources.LocalInUse()))
	n.remoteInUseGauge.Update(float64(n.resources.RemoteInUse()))
}

// seedOpScheduler enqueues one representative item per OpClass so dump
// output has something in every lane.
func seedOpScheduler(s *scheduler.OpScheduler) {
	items := []scheduler.WorkItem{
		{Class: scheduler.Immediate, Cost: scheduler.Cost{IOPS: 1}},
		{Class: scheduler.Client, Cost: scheduler.Cost{SizeBytes: 64 << 10, IOPS: 1}},
		{Class: scheduler.BackgroundRecovery, Cost: scheduler.Cost{SizeBytes: 4 << 20, IOPS: 1}},
		{Class: scheduler.BackgroundBestEffort, Cost: scheduler.Cost{SizeBytes: 1 << 20, IOPS: 1}},
	}
	for _, item := range items {
		s.Enqueue(item)
	}
}
