// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scheduler

import (
	"github.com/stormstore/osdsched/pkg/settings"
)

// ClientInfo is a dmClock (reservation, weight, limit) triple expressed in
// scaled cost units per second. Limit == 0 means the mClock-defined
// infinity: no ceiling.
type ClientInfo struct {
	Reservation float64
	Weight      float64
	Limit       float64
}

// HasLimit reports whether this triple imposes a limit ceiling.
func (c ClientInfo) HasLimit() bool { return c.Limit > 0 }

// ClientRegistry maps a SchedulerID to its ClientInfo triple, recomputing
// the two background classes and the default external-client triple
// whenever config changes, per spec.md §4.2.
type ClientRegistry struct {
	backgroundRecovery  ClientInfo
	backgroundBestEffort ClientInfo
	defaultExternal     ClientInfo
	byProfile           map[ClientProfile]ClientInfo
}

// NewClientRegistry constructs a registry and performs its initial
// resolution from conf.
func NewClientRegistry(conf settings.ConfigProvider, capacityPerShardThread float64) *ClientRegistry {
	r := &ClientRegistry{byProfile: map[ClientProfile]ClientInfo{}}
	r.UpdateFromConfig(conf, capacityPerShardThread)
	return r
}

// UpdateFromConfig resolves every class's (res_ratio, weight, lim_ratio)
// triple from conf and scales it by capacityPerShardThread, per spec.md
// §4.2. Per-ClientProfile overrides registered via RegisterClientProfile are
// left untouched; only the two background classes and the default external
// triple are recomputed here.
func (r *ClientRegistry) UpdateFromConfig(conf settings.ConfigProvider, capacityPerShardThread float64) {
	r.backgroundRecovery = resolveTriple(conf,
		settings.BackgroundRecoveryRes, settings.BackgroundRecoveryWgt, settings.BackgroundRecoveryLim,
		capacityPerShardThread)
	r.backgroundBestEffort = resolveTriple(conf,
		settings.BackgroundBestEffortRes, settings.BackgroundBestEffortWgt, settings.BackgroundBestEffortLim,
		capacityPerShardThread)
	r.defaultExternal = resolveTriple(conf,
		settings.ClientRes, settings.ClientWgt, settings.ClientLim,
		capacityPerShardThread)
}

func resolveTriple(
	conf settings.ConfigProvider,
	res *settings.Float64Setting, wgt *settings.Float64Setting, lim *settings.Float64Setting,
	capacity float64,
) ClientInfo {
	limRatio := conf.GetFloat64(lim)
	info := ClientInfo{
		Reservation: conf.GetFloat64(res) * capacity,
		Weight:      conf.GetFloat64(wgt),
	}
	if limRatio > 0 {
		info.Limit = limRatio * capacity
	}
	return info
}

// RegisterClientProfile installs an explicit ClientInfo triple for a
// non-default client profile, bypassing the default-external fallback.
func (r *ClientRegistry) RegisterClientProfile(p ClientProfile, info ClientInfo) {
	r.byProfile[p] = info
}

// GetInfo dispatches by class, per spec.md §4.2; Immediate is never queried
// here since it bypasses the mClock lane entirely.
func (r *ClientRegistry) GetInfo(id SchedulerID) ClientInfo {
	switch id.Class {
	case BackgroundRecovery:
		return r.backgroundRecovery
	case BackgroundBestEffort:
		return r.backgroundBestEffort
	case Client:
		if info, ok := r.byProfile[id.Profile]; ok {
			return info
		}
		return r.defaultExternal
	default:
		return r.defaultExternal
	}
}
