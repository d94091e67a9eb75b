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

// Package pendingsync tracks the four timestamps (t1..t4) IEEE 1588 needs to turn a
// SYNC/FOLLOW_UP/DELAY_REQ/DELAY_RESP exchange into an offset and mean path delay
// measurement, one in-flight exchange per domain.
package pendingsync

import (
	"time"

	ptp "github.com/facebook/ptpslave/protocol"
)

// PendingSync is one in-flight sync/delay exchange.
type PendingSync struct {
	SyncSequenceID  uint16
	DelaySequenceID uint16
	TwoStep         bool

	T1 time.Time // master's precise SYNC origin timestamp
	T2 time.Time // our local SYNC receive timestamp
	T3 time.Time // our local DELAY_REQ send timestamp
	T4 time.Time // master's DELAY_REQ receive timestamp, from DELAY_RESP

	// FollowUpRecvLocal is our local receive time of the FOLLOW_UP that supplied T1,
	// for a two-step exchange. Zero for a one-step exchange.
	FollowUpRecvLocal time.Time

	SyncCorrection      ptp.Correction
	FollowUpCorrection  ptp.Correction
	DelayRespCorrection ptp.Correction

	Created time.Time

	haveSync      bool
	haveFollowUp  bool
	haveDelayReq  bool
	haveDelayResp bool
}

// Complete reports whether every timestamp this exchange needs has arrived.
func (p *PendingSync) Complete() bool {
	if p == nil {
		return false
	}
	return p.haveSync && (!p.TwoStep || p.haveFollowUp) && p.haveDelayReq && p.haveDelayResp
}

// CorrectionTotal sums the correction fields carried by SYNC, FOLLOW_UP (when
// two-step) and DELAY_RESP, per IEEE 1588's definition of the end-to-end correction
// that must be added back into the raw timestamp difference.
func (p *PendingSync) CorrectionTotal() ptp.Correction {
	total := p.SyncCorrection + p.DelayRespCorrection
	if p.TwoStep {
		total += p.FollowUpCorrection
	}
	return total
}

// Tracker holds at most one in-flight PendingSync per domain. The reactor that owns a
// domain is single-threaded, so there is never more than one exchange being assembled
// at a time; a new SYNC with a different sequence ID than the one in flight replaces
// it outright (the master has moved on to the next interval), while a repeat of the
// sequence ID already recorded is a duplicate and is silently dropped.
type Tracker struct {
	current *PendingSync

	// Now lets tests substitute a fake clock; defaults to time.Now.
	Now func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{Now: time.Now}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// OnSync records a newly received SYNC's sequence ID, two-step flag, and local
// receive time (t2). For a one-step SYNC, originTimestamp is already t1; for
// two-step, t1 arrives later via OnFollowUp.
func (t *Tracker) OnSync(seq uint16, twoStep bool, localReceive, originTimestamp time.Time, correction ptp.Correction) {
	if t.current != nil && t.current.haveSync && t.current.SyncSequenceID == seq {
		return // duplicate SYNC
	}
	t.current = &PendingSync{
		SyncSequenceID: seq,
		TwoStep:        twoStep,
		T2:             localReceive,
		SyncCorrection: correction,
		Created:        t.now(),
		haveSync:       true,
	}
	if !twoStep {
		t.current.T1 = originTimestamp
	}
}

// OnFollowUp records a FOLLOW_UP's precise origin timestamp (t1) against the
// in-flight two-step SYNC whose sequence ID matches. A FOLLOW_UP for any other
// sequence ID, or a second one for the same sequence ID, is dropped.
//
// localReceive is our own local receive time of this FOLLOW_UP. Invariant 3 requires
// it never precede the SYNC's own local receive time (t2): a FOLLOW_UP that, by our own
// clock, arrived before the SYNC it follows up on is a causally impossible ordering, so
// the whole in-flight exchange is dropped rather than trusted.
func (t *Tracker) OnFollowUp(seq uint16, preciseOrigin, localReceive time.Time, correction ptp.Correction) {
	if t.current == nil || !t.current.haveSync || !t.current.TwoStep || t.current.SyncSequenceID != seq {
		return
	}
	if t.current.haveFollowUp {
		return // duplicate
	}
	if localReceive.Before(t.current.T2) {
		t.current = nil
		return
	}
	t.current.T1 = preciseOrigin
	t.current.FollowUpCorrection = correction
	t.current.FollowUpRecvLocal = localReceive
	t.current.haveFollowUp = true
}

// OnDelayReqSent records the local send time (t3) of a DELAY_REQ we just sent.
func (t *Tracker) OnDelayReqSent(seq uint16, localSend time.Time) {
	if t.current == nil {
		return
	}
	t.current.DelaySequenceID = seq
	t.current.T3 = localSend
	t.current.haveDelayReq = true
	t.current.haveDelayResp = false
}

// OnDelayResp records a DELAY_RESP's receive timestamp (t4), provided it acknowledges
// the DELAY_REQ we most recently sent. Callers are responsible for checking the
// DELAY_RESP's RequestingPortIdentity against our own port identity before calling
// this: Tracker has no notion of which port is ours, only of sequence numbers.
func (t *Tracker) OnDelayResp(seq uint16, receiveTimestamp time.Time, correction ptp.Correction) {
	if t.current == nil || !t.current.haveDelayReq || t.current.DelaySequenceID != seq {
		return
	}
	if t.current.haveDelayResp {
		return // duplicate
	}
	t.current.T4 = receiveTimestamp
	t.current.DelayRespCorrection = correction
	t.current.haveDelayResp = true
}

// TakeComplete returns and clears the in-flight exchange if it's complete, so the
// same exchange is never handed to a caller twice.
func (t *Tracker) TakeComplete() *PendingSync {
	if !t.current.Complete() {
		return nil
	}
	done := t.current
	t.current = nil
	return done
}

// Timeout returns how long an incomplete exchange may live before Cleanup drops it:
// four sync intervals, or 10 seconds, whichever is larger. A master sending SYNC
// every 8 seconds (logInterval 3) would otherwise have its exchange expire before the
// next one even starts.
func Timeout(syncInterval time.Duration) time.Duration {
	t := 4 * syncInterval
	if t < 10*time.Second {
		return 10 * time.Second
	}
	return t
}

// Cleanup drops the in-flight exchange if it has been incomplete for longer than
// timeout, so a lost FOLLOW_UP or DELAY_RESP doesn't wedge the tracker forever.
func (t *Tracker) Cleanup(timeout time.Duration) {
	if t.current == nil || t.current.Complete() {
		return
	}
	if t.now().Sub(t.current.Created) > timeout {
		t.current = nil
	}
}
