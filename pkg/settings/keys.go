// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package settings

import "time"

// The settings below are the full set enumerated in spec.md §6. They are
// registered once, here, so that both pkg/scheduler and pkg/scrub share a
// single namespace of keys regardless of which package reads them --
// mirroring how the original's md_config_t is one flat namespace read by
// both OSD::op_shardedwq and PG::scrubber.

var (
	// Cost model (spec.md §2, §6).
	MClockMaxCapacityIopsHDD = RegisterFloat64Setting(
		"osd_mclock_max_capacity_iops_hdd", "max IOPS capacity of a rotational device", 315)
	MClockMaxCapacityIopsSSD = RegisterFloat64Setting(
		"osd_mclock_max_capacity_iops_ssd", "max IOPS capacity of a solid-state device", 21500)
	MClockMaxSequentialBandwidthHDD = RegisterFloat64Setting(
		"osd_mclock_max_sequential_bandwidth_hdd", "max sequential bandwidth of a rotational device, bytes/s", 150<<20)
	MClockMaxSequentialBandwidthSSD = RegisterFloat64Setting(
		"osd_mclock_max_sequential_bandwidth_ssd", "max sequential bandwidth of a solid-state device, bytes/s", 1200<<20)
	OpQueueCutOff = RegisterStringSetting(
		"osd_op_queue_cut_off", "priority above which ops bypass the mClock lane: high, low, or debug_random", "low")

	// mClock ratios per class, expressed as a fraction of per-shard capacity.
	ClientRes = RegisterFloat64Setting("osd_mclock_scheduler_client_res", "client reservation ratio", 0.5)
	ClientWgt = RegisterFloat64Setting("osd_mclock_scheduler_client_wgt", "client weight", 1)
	ClientLim = RegisterFloat64Setting("osd_mclock_scheduler_client_lim", "client limit ratio", 0)

	BackgroundRecoveryRes = RegisterFloat64Setting("osd_mclock_scheduler_background_recovery_res", "background recovery reservation ratio", 0.1)
	BackgroundRecoveryWgt = RegisterFloat64Setting("osd_mclock_scheduler_background_recovery_wgt", "background recovery weight", 1)
	BackgroundRecoveryLim = RegisterFloat64Setting("osd_mclock_scheduler_background_recovery_lim", "background recovery limit ratio", 0)

	BackgroundBestEffortRes = RegisterFloat64Setting("osd_mclock_scheduler_background_best_effort_res", "background best-effort reservation ratio", 0.1)
	BackgroundBestEffortWgt = RegisterFloat64Setting("osd_mclock_scheduler_background_best_effort_wgt", "background best-effort weight", 1)
	BackgroundBestEffortLim = RegisterFloat64Setting("osd_mclock_scheduler_background_best_effort_lim", "background best-effort limit ratio", 0)

	NumOpShardThreads = RegisterIntSetting("osd_op_num_shard_threads", "op shard threads sharing a device's capacity", 5)

	// Scrub windows (spec.md §5, §6).
	ScrubBeginHour    = RegisterIntSetting("osd_scrub_begin_hour", "hour (0-23) scrubbing is allowed to begin", 0)
	ScrubEndHour      = RegisterIntSetting("osd_scrub_end_hour", "hour (0-23) scrubbing must stop", 0)
	ScrubBeginWeekDay = RegisterIntSetting("osd_scrub_begin_week_day", "day of week (0=Sunday) scrubbing is allowed to begin", 0)
	ScrubEndWeekDay   = RegisterIntSetting("osd_scrub_end_week_day", "day of week (0=Sunday) scrubbing must stop", 0)
	ScrubLoadThreshold = RegisterFloat64Setting("osd_scrub_load_threshold", "decaying load average ceiling above which only must-scrub jobs are eligible", 0.5)

	// Scrub timing (spec.md §5, §6, §8).
	ScrubSleep = RegisterDurationSetting(
		"osd_scrub_sleep", "pause between scrub chunks outside the extended-sleep window", int64(0))
	ScrubExtendedSleep = RegisterDurationSetting(
		"osd_scrub_extended_sleep", "pause between scrub chunks during the configured night window", int64(0))
	ScrubMinInterval = RegisterDurationSetting(
		"osd_scrub_min_interval", "minimum time between non-must scrubs of the same PG", int64(24*time.Hour))
	ScrubMaxInterval = RegisterDurationSetting(
		"osd_scrub_max_interval", "maximum time before a scrub becomes must-scrub", int64(7*24*time.Hour))
	ScrubIntervalRandomizeRatio = RegisterFloat64Setting(
		"osd_scrub_interval_randomize_ratio", "fraction of scrub_min_interval used to jitter the target time", 0.5)
	ScrubBackoffRatio = RegisterFloat64Setting(
		"osd_scrub_backoff_ratio", "probability, per initiate_scrub tick, of proceeding rather than skipping", 0.66)
	ScrubInvalidStats = RegisterBoolSetting(
		"osd_scrub_invalid_stats", "treat stored PG stats as untrustworthy, forcing must-scrub", false)
	ScrubDuringRecovery = RegisterBoolSetting(
		"osd_scrub_during_recovery", "allow scrubs to proceed while the OSD is recovering", false)

	// Scrub resource limits (supplemented from original_source/, SPEC_FULL §C).
	MaxScrubsLocal  = RegisterIntSetting("osd_max_scrubs", "max concurrent scrubs where this OSD is primary", 1)
	MaxScrubsRemote = RegisterIntSetting("osd_max_scrubs_remote", "max concurrent scrubs where this OSD is a reserved replica", 1)
)
