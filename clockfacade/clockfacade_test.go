/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package clockfacade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facebook/ptpslave/calibratedclock"
	"github.com/facebook/ptpslave/domain"
	"github.com/facebook/ptpslave/pathdelay"
	ptp "github.com/facebook/ptpslave/protocol"
	"github.com/facebook/ptpslave/statsbus"
)

func TestNowIsUnsyncedUntilFirstTimeUpdate(t *testing.T) {
	registry := domain.NewRegistry(pathdelay.Filtered, calibratedclock.DefaultWindowSize)
	bus := statsbus.New()
	c := New(7, registry, bus)

	_, synced := c.Now()
	assert.False(t, synced)

	state, _ := registry.GetOrCreate(7)
	state.Clock.SetCalibration(calibratedclock.IdentityCalibration(time.Now()))
	bus.Publish(statsbus.Event{Domain: 7, Name: statsbus.TimeUpdated, Payload: statsbus.TimeUpdatedEvent{Domain: 7}})

	now, synced := c.Now()
	require.True(t, synced)
	assert.WithinDuration(t, time.Now(), now, time.Second)
}

func TestNowIgnoresTimeUpdatedFromOtherDomains(t *testing.T) {
	registry := domain.NewRegistry(pathdelay.Filtered, calibratedclock.DefaultWindowSize)
	bus := statsbus.New()
	c := New(1, registry, bus)

	other, _ := registry.GetOrCreate(2)
	other.Clock.SetCalibration(calibratedclock.IdentityCalibration(time.Now()))
	bus.Publish(statsbus.Event{Domain: 2, Name: statsbus.TimeUpdated, Payload: statsbus.TimeUpdatedEvent{Domain: 2}})

	_, synced := c.Now()
	assert.False(t, synced, "a sibling domain's time-updated event must not bind this facade's clock")
}

func TestMasterIdentityTrackedAcrossSelections(t *testing.T) {
	registry := domain.NewRegistry(pathdelay.Filtered, calibratedclock.DefaultWindowSize)
	bus := statsbus.New()
	c := New(3, registry, bus)

	_, ok := c.MasterClockID()
	assert.False(t, ok)

	master := ptp.PortIdentity{ClockIdentity: 0xAAAAAAAAAAAAAAAA, PortNumber: 1}
	bus.Publish(statsbus.Event{Domain: 3, Name: statsbus.BestMasterClockSelected, Payload: statsbus.BestMasterClockSelectedEvent{
		Domain:        3,
		MasterID:      master.ClockIdentity,
		MasterPort:    master,
		GrandmasterID: 0xBBBBBBBBBBBBBBBB,
	}})

	id, ok := c.MasterClockID()
	require.True(t, ok)
	assert.Equal(t, master.ClockIdentity, id)

	port, ok := c.MasterPortIdentity()
	require.True(t, ok)
	assert.Equal(t, master, port)

	gm, ok := c.GrandmasterClockID()
	require.True(t, ok)
	assert.Equal(t, ptp.ClockIdentity(0xBBBBBBBBBBBBBBBB), gm)

	// A later selection for a different domain must not overwrite this facade's state.
	bus.Publish(statsbus.Event{Domain: 9, Name: statsbus.BestMasterClockSelected, Payload: statsbus.BestMasterClockSelectedEvent{
		Domain:   9,
		MasterID: 0xCCCCCCCCCCCCCCCC,
	}})
	id, ok = c.MasterClockID()
	require.True(t, ok)
	assert.Equal(t, master.ClockIdentity, id)
}

func TestDomainReturnsConstructorValue(t *testing.T) {
	registry := domain.NewRegistry(pathdelay.Filtered, calibratedclock.DefaultWindowSize)
	bus := statsbus.New()
	c := New(42, registry, bus)
	assert.Equal(t, uint8(42), c.Domain())
}
