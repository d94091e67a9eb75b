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

// Package domain owns the per-PTP-domain state a single reactor thread mutates: the
// announce store and BMCA selection, the pending-sync tracker, the path-delay filter,
// and the calibrated clock/time-update engine pair. It also provides the process-wide
// registry those DomainStates live in, since a domain's clock handle is shared with the
// per-domain facade that callers outside the reactor read from concurrently.
package domain

import (
	"sync"
	"time"

	"github.com/facebook/ptpslave/bmc"
	"github.com/facebook/ptpslave/calibratedclock"
	"github.com/facebook/ptpslave/pathdelay"
	"github.com/facebook/ptpslave/pendingsync"
	ptp "github.com/facebook/ptpslave/protocol"
	"github.com/facebook/ptpslave/timeupdate"
)

// State is one PTP domain's derived state, owned exclusively by the reactor goroutine.
// Its Clock field is the one exception: calibratedclock.Clock is internally
// mutex-protected precisely so the per-domain facade can call AdjustWithCalibration
// from any goroutine without coordinating with the reactor.
type State struct {
	Number uint8

	Announces *bmc.AnnounceStore
	Pending   *pendingsync.Tracker
	PathDelay *pathdelay.Filter
	Clock     *calibratedclock.Clock
	Time      *timeupdate.Engine

	SelectedMaster      ptp.PortIdentity
	HasSelectedMaster   bool
	SelectedGrandmaster ptp.ClockIdentity

	SyncInterval        time.Duration
	MinDelayReqInterval time.Duration
	// AnnounceInterval is the most recently observed ANNOUNCE logMessageInterval,
	// converted to a duration; it governs announce ageing in SelectMaster and is
	// independent of SyncInterval (SYNC and ANNOUNCE carry their own interval fields).
	AnnounceInterval time.Duration

	LastPTPSyncTime time.Time

	LastDelayReqSeq uint16
	LastDelayReq    time.Time
}

// New returns an empty domain State for the given domain number.
func New(number uint8, pathDelayMode pathdelay.Mode, regressionWindow int) *State {
	clock := calibratedclock.NewClock(regressionWindow)
	return &State{
		Number:    number,
		Announces: bmc.NewAnnounceStore(),
		Pending:   pendingsync.NewTracker(),
		PathDelay: pathdelay.NewFilter(pathDelayMode),
		Clock:     clock,
		Time:      timeupdate.NewEngine(clock),
	}
}

// Reset clears every piece of state 4.C.4 requires dropped on a master change: the
// mean path delay history, the last DELAY_REQ bookkeeping, the non-monotonicity guard,
// all in-flight PendingSyncs, and the time-update engine's skip counter. The calibrated
// clock itself is reset too: its regression is only meaningful relative to one
// consistent master.
func (s *State) Reset() {
	s.PathDelay.Reset()
	s.Pending = pendingsync.NewTracker()
	s.LastPTPSyncTime = time.Time{}
	s.LastDelayReq = time.Time{}
	s.SyncInterval = 0
	s.MinDelayReqInterval = 0
	s.Clock.Reset()
	s.Time = timeupdate.NewEngine(s.Clock)
}

// defaultAnnounceInterval is used until a domain has seen an ANNOUNCE's own
// logMessageInterval field, matching IEEE 1588's default logAnnounceInterval of 1 (2s).
const defaultAnnounceInterval = 2 * time.Second

func (s *State) announceMaxAge() time.Duration {
	interval := s.AnnounceInterval
	if interval <= 0 {
		interval = defaultAnnounceInterval
	}
	return 4 * interval
}

// SelectMaster re-runs §4.C's winner selection against the current announce store and,
// if the winner has changed, resets the domain's derived state. It returns whether the
// selection changed and the new winner (nil if no qualified sender exists).
func (s *State) SelectMaster(now time.Time) (changed bool, winner *ptp.Announce) {
	s.Announces.Expire(now, s.announceMaxAge())

	best := s.Announces.Best()
	if best == nil {
		if s.HasSelectedMaster {
			s.HasSelectedMaster = false
			return true, nil
		}
		return false, nil
	}

	if s.HasSelectedMaster && s.SelectedMaster == best.SourcePortIdentity {
		return false, best
	}

	s.SelectedMaster = best.SourcePortIdentity
	s.SelectedGrandmaster = best.GrandmasterIdentity
	s.HasSelectedMaster = true
	s.Reset()
	return true, best
}

// AcceptSyncT1 enforces invariant 1: t1 must be strictly greater than the last accepted
// SYNC's t1 for this domain's current master. A zero LastPTPSyncTime (no prior accepted
// SYNC) always accepts.
func (s *State) AcceptSyncT1(t1 time.Time) bool {
	if s.LastPTPSyncTime.IsZero() {
		return true
	}
	return t1.After(s.LastPTPSyncTime)
}

// RecordSyncT1 records t1 as the new non-monotonicity floor.
func (s *State) RecordSyncT1(t1 time.Time) {
	s.LastPTPSyncTime = t1
}

// CanSendDelayReq enforces IEEE 1588 §9.5.11.2's minimum DELAY_REQ spacing.
func (s *State) CanSendDelayReq(now time.Time) bool {
	if s.LastDelayReq.IsZero() {
		return true
	}
	return !now.Before(s.LastDelayReq.Add(s.MinDelayReqInterval))
}

// NextDelayReqSeq returns the sequence id to stamp on the next outbound DELAY_REQ,
// advancing the domain's counter.
func (s *State) NextDelayReqSeq() uint16 {
	seq := s.LastDelayReqSeq
	s.LastDelayReqSeq++
	return seq
}

// RecordDelayReqSent notes the wall-clock time a DELAY_REQ was just emitted, for the
// next CanSendDelayReq check.
func (s *State) RecordDelayReqSent(now time.Time) {
	s.LastDelayReq = now
}

// Registry is the process-wide, mutex-protected map of domain number to State. Its
// mutex is read-mostly: the reactor takes the write lock only to create a domain's
// State on its first ANNOUNCE or SYNC; every other access is a read.
type Registry struct {
	mu      sync.RWMutex
	domains map[uint8]*State

	PathDelayMode    pathdelay.Mode
	RegressionWindow int
}

// NewRegistry returns an empty Registry. windowSize configures every domain's
// calibratedclock.Clock; pass calibratedclock.DefaultWindowSize absent a specific need.
func NewRegistry(mode pathdelay.Mode, windowSize int) *Registry {
	return &Registry{
		domains:          map[uint8]*State{},
		PathDelayMode:    mode,
		RegressionWindow: windowSize,
	}
}

// Get returns the State for a domain number, or (nil, false) if it hasn't been seen yet.
func (r *Registry) Get(number uint8) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.domains[number]
	return s, ok
}

// GetOrCreate returns the domain's State, creating it (and reporting created=true) on
// first encounter. Only the reactor goroutine should call this.
func (r *Registry) GetOrCreate(number uint8) (s *State, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.domains[number]; ok {
		return existing, false
	}
	s = New(number, r.PathDelayMode, r.RegressionWindow)
	r.domains[number] = s
	return s, true
}

// Numbers returns every domain number currently registered, for periodic cleanup sweeps.
func (r *Registry) Numbers() []uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	numbers := make([]uint8, 0, len(r.domains))
	for n := range r.domains {
		numbers = append(numbers, n)
	}
	return numbers
}
