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

// Package clockfacade exposes a per-domain clock object callers outside the reactor can
// hold and poll. It never touches domain.State directly except through the statistics
// bus and the registry's own read lock, so Now() is safe to call from any goroutine
// while the reactor goroutine keeps mutating that domain's state underneath it.
package clockfacade

import (
	"sync"
	"time"

	"github.com/facebook/ptpslave/calibratedclock"
	"github.com/facebook/ptpslave/domain"
	ptp "github.com/facebook/ptpslave/protocol"
	"github.com/facebook/ptpslave/statsbus"
)

// Clock is a facade over one PTP domain's calibrated clock. The zero value is not
// usable; construct with New.
type Clock struct {
	domain   uint8
	registry *domain.Registry

	mu            sync.RWMutex
	bound         *calibratedclock.Clock
	hasMaster     bool
	masterID      ptp.ClockIdentity
	masterPort    ptp.PortIdentity
	grandmasterID ptp.ClockIdentity
}

// New creates a facade clock for domainNumber. It subscribes to the bus for
// best-master-clock-selected events (kept for the life of the Clock, to track master
// changes) and for time-updated events (detached after the first one, which is when
// the domain's calibrated clock becomes resolvable from the registry).
func New(domainNumber uint8, registry *domain.Registry, bus *statsbus.Bus) *Clock {
	c := &Clock{domain: domainNumber, registry: registry}
	bus.Subscribe(c.onMasterSelected)
	bus.Subscribe(c.onTimeUpdated)
	return c
}

// Domain returns the construct-only domain number this facade was created for.
func (c *Clock) Domain() uint8 {
	return c.domain
}

func (c *Clock) onMasterSelected(e statsbus.Event) bool {
	if e.Name != statsbus.BestMasterClockSelected || e.Domain != c.domain {
		return true
	}
	payload, ok := e.Payload.(statsbus.BestMasterClockSelectedEvent)
	if !ok {
		return true
	}
	c.mu.Lock()
	c.hasMaster = true
	c.masterID = payload.MasterID
	c.masterPort = payload.MasterPort
	c.grandmasterID = payload.GrandmasterID
	c.mu.Unlock()
	return true
}

// onTimeUpdated lazily binds the domain's calibrated clock on the first time-updated
// event and then detaches; after that Now() talks to the bound clock directly and has
// no further need of the bus.
func (c *Clock) onTimeUpdated(e statsbus.Event) bool {
	if e.Name != statsbus.TimeUpdated || e.Domain != c.domain {
		return true
	}
	state, ok := c.registry.Get(c.domain)
	if !ok {
		return true
	}
	c.mu.Lock()
	c.bound = state.Clock
	c.mu.Unlock()
	return false
}

// Now returns the domain's current PTP time and whether it is synced. Before the
// domain has selected a master and completed one time update, synced is false and the
// returned time is the zero Time.
func (c *Clock) Now() (t time.Time, synced bool) {
	c.mu.RLock()
	bound := c.bound
	c.mu.RUnlock()
	if bound == nil || !bound.HasCalibration() {
		return time.Time{}, false
	}
	return bound.AdjustWithCalibration(time.Now()), true
}

// MasterClockID returns the selected master's clock identity, or false if this domain
// has never selected a master.
func (c *Clock) MasterClockID() (ptp.ClockIdentity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.masterID, c.hasMaster
}

// MasterPortIdentity returns the selected master's full port identity, or false if
// this domain has never selected a master.
func (c *Clock) MasterPortIdentity() (ptp.PortIdentity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.masterPort, c.hasMaster
}

// GrandmasterClockID returns the current grandmaster's clock identity, or false if
// this domain has never selected a master.
func (c *Clock) GrandmasterClockID() (ptp.ClockIdentity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.grandmasterID, c.hasMaster
}
