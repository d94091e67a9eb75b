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

package pendingsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOneStepExchange(t *testing.T) {
	tr := NewTracker()
	t1 := time.Unix(1000, 0)
	t2 := t1.Add(50 * time.Microsecond)
	t3 := t2.Add(time.Millisecond)
	t4 := t3.Add(60 * time.Microsecond)

	tr.OnSync(1, false, t2, t1, 0)
	require.Nil(t, tr.TakeComplete())

	tr.OnDelayReqSent(1, t3)
	require.Nil(t, tr.TakeComplete())

	tr.OnDelayResp(1, t4, 0)
	done := tr.TakeComplete()
	require.NotNil(t, done)
	require.Equal(t, t1, done.T1)
	require.Equal(t, t2, done.T2)
	require.Equal(t, t3, done.T3)
	require.Equal(t, t4, done.T4)

	// already taken: a second call returns nothing
	require.Nil(t, tr.TakeComplete())
}

func TestTwoStepRequiresFollowUp(t *testing.T) {
	tr := NewTracker()
	t2 := time.Unix(2000, 0)
	tr.OnSync(5, true, t2, time.Time{}, 0)
	require.False(t, tr.current.Complete())

	tr.OnDelayReqSent(5, t2.Add(time.Millisecond))
	tr.OnDelayResp(5, t2.Add(2*time.Millisecond), 0)
	require.Nil(t, tr.TakeComplete()) // still missing FOLLOW_UP

	t1 := t2.Add(-40 * time.Microsecond)
	followUpRecvLocal := t2.Add(time.Millisecond)
	tr.OnFollowUp(5, t1, followUpRecvLocal, 0)
	done := tr.TakeComplete()
	require.NotNil(t, done)
	require.Equal(t, t1, done.T1)
	require.Equal(t, followUpRecvLocal, done.FollowUpRecvLocal)
}

func TestFollowUpBeforeSyncReceiptDropsExchange(t *testing.T) {
	tr := NewTracker()
	t2 := time.Unix(2000, 0)
	tr.OnSync(5, true, t2, time.Time{}, 0)

	// invariant 3: a FOLLOW_UP can't, by our own clock, have been received before the
	// SYNC it follows up on.
	tr.OnFollowUp(5, t2.Add(-40*time.Microsecond), t2.Add(-time.Millisecond), 0)
	require.Nil(t, tr.current, "causally impossible FOLLOW_UP ordering must drop the exchange")
}

func TestDuplicateSyncIgnored(t *testing.T) {
	tr := NewTracker()
	t2a := time.Unix(1000, 0)
	tr.OnSync(1, false, t2a, t2a, 0)
	t2b := t2a.Add(time.Second)
	tr.OnSync(1, false, t2b, t2b, 0) // same sequence ID, should be dropped
	require.Equal(t, t2a, tr.current.T2)
}

func TestNewSyncSequenceReplacesInFlight(t *testing.T) {
	tr := NewTracker()
	t2a := time.Unix(1000, 0)
	tr.OnSync(1, false, t2a, t2a, 0)
	t2b := t2a.Add(time.Second)
	tr.OnSync(2, false, t2b, t2b, 0)
	require.Equal(t, uint16(2), tr.current.SyncSequenceID)
}

func TestFollowUpWrongSequenceDropped(t *testing.T) {
	tr := NewTracker()
	t2 := time.Unix(1000, 0)
	tr.OnSync(1, true, t2, time.Time{}, 0)
	tr.OnFollowUp(2, t2, t2, 0) // wrong seq
	require.False(t, tr.current.haveFollowUp)
}

func TestDelayRespWrongSequenceDropped(t *testing.T) {
	tr := NewTracker()
	t2 := time.Unix(1000, 0)
	tr.OnSync(1, false, t2, t2, 0)
	tr.OnDelayReqSent(9, t2.Add(time.Millisecond))
	tr.OnDelayResp(10, t2.Add(2*time.Millisecond), 0) // wrong seq
	require.False(t, tr.current.haveDelayResp)
}

func TestTimeout(t *testing.T) {
	require.Equal(t, 10*time.Second, Timeout(time.Second))
	require.Equal(t, 40*time.Second, Timeout(10*time.Second))
}

func TestCleanupDropsStaleIncomplete(t *testing.T) {
	now := time.Unix(5000, 0)
	tr := NewTracker()
	tr.Now = func() time.Time { return now }
	tr.OnSync(1, true, now, time.Time{}, 0) // two-step, no follow-up yet

	tr.Cleanup(10 * time.Second)
	require.NotNil(t, tr.current, "not stale yet")

	now = now.Add(11 * time.Second)
	tr.Cleanup(10 * time.Second)
	require.Nil(t, tr.current, "should have been dropped")
}

func TestCleanupLeavesCompleteExchangeAlone(t *testing.T) {
	now := time.Unix(5000, 0)
	tr := NewTracker()
	tr.Now = func() time.Time { return now }
	tr.OnSync(1, false, now, now, 0)
	tr.OnDelayReqSent(1, now)
	tr.OnDelayResp(1, now, 0)

	now = now.Add(time.Hour)
	tr.Cleanup(10 * time.Second)
	require.NotNil(t, tr.current, "complete exchanges aren't swept by Cleanup")
}

func TestCorrectionTotal(t *testing.T) {
	p := &PendingSync{TwoStep: true, SyncCorrection: 10, FollowUpCorrection: 20, DelayRespCorrection: 30}
	require.Equal(t, int64(60), int64(p.CorrectionTotal()))

	p2 := &PendingSync{TwoStep: false, SyncCorrection: 10, FollowUpCorrection: 999, DelayRespCorrection: 30}
	require.Equal(t, int64(40), int64(p2.CorrectionTotal()))
}
