// Copyright 2024 The Stormstore Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// a copy of which can be found in the LICENSE file.

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stormstore/osdsched/pkg/settings"
)

func TestClientRegistryLimitRatioZeroIsInfinite(t *testing.T) {
	conf := settings.NewInMemoryConfig()
	conf.SetFloat64(settings.ClientLim, 0)
	r := NewClientRegistry(conf, 1000)

	info := r.GetInfo(SchedulerID{Class: Client})
	require.False(t, info.HasLimit())
	require.Zero(t, info.Limit)
}

func TestClientRegistryFallsBackToDefaultExternal(t *testing.T) {
	conf := settings.NewInMemoryConfig()
	conf.SetFloat64(settings.ClientRes, 0.25)
	r := NewClientRegistry(conf, 1000)

	unseenProfile := SchedulerID{Class: Client, Profile: ClientProfile{ClientID: 42}}
	info := r.GetInfo(unseenProfile)
	require.Equal(t, 250.0, info.Reservation)
}

func TestClientRegistryRespectsExplicitProfile(t *testing.T) {
	conf := settings.NewInMemoryConfig()
	r := NewClientRegistry(conf, 1000)

	p := ClientProfile{ClientID: 7, ProfileID: 1}
	r.RegisterClientProfile(p, ClientInfo{Reservation: 900, Weight: 3, Limit: 0})

	got := r.GetInfo(SchedulerID{Class: Client, Profile: p})
	require.Equal(t, ClientInfo{Reservation: 900, Weight: 3, Limit: 0}, got)
}

func TestClientRegistryBackgroundClassesDistinctFromClient(t *testing.T) {
	conf := settings.NewInMemoryConfig()
	conf.SetFloat64(settings.BackgroundRecoveryRes, 0.1)
	conf.SetFloat64(settings.BackgroundBestEffortRes, 0.2)
	conf.SetFloat64(settings.ClientRes, 0.5)
	r := NewClientRegistry(conf, 1000)

	require.Equal(t, 100.0, r.GetInfo(SchedulerID{Class: BackgroundRecovery}).Reservation)
	require.Equal(t, 200.0, r.GetInfo(SchedulerID{Class: BackgroundBestEffort}).Reservation)
	require.Equal(t, 500.0, r.GetInfo(SchedulerID{Class: Client}).Reservation)
}
