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

// Package timeupdate is the policy layer sitting on top of calibratedclock: it turns a
// completed four-timestamp exchange plus the domain's current mean path delay into a
// regression observation, decides whether the proposed calibration is safe to apply
// (the synced/now_synced/discontinuity-clamp/skip-counting rules), and applies it.
// All of the actual curve fitting lives in calibratedclock; this package is pure
// policy, per the design note that the regression engine and its policy must stay
// decoupled.
package timeupdate

import (
	"time"

	"github.com/facebook/ptpslave/calibratedclock"
	ptp "github.com/facebook/ptpslave/protocol"
)

// skipThreshold caps the run of consecutive un-applied proposals: once more than
// skipThreshold have gone un-applied in a row, the engine forces the next one through
// regardless of the synced gates, so a clock that's
// drifted outside max_discont for a while doesn't get stuck rejecting every update
// forever.
const skipThreshold = 5

// Result reports one Update call's outcome, mirroring the fields of the time-updated
// statistics event.
type Result struct {
	CorrectedPTPTime   time.Time
	CorrectedLocalTime time.Time
	MaxDiscont         time.Duration
	Synced             bool
	NowSynced          bool
	Applied            bool
	Discontinuity      time.Duration
	RSquared           float64
	Before             calibratedclock.Calibration
	After              calibratedclock.Calibration
}

// Engine drives one domain's calibrated clock.
type Engine struct {
	clock *calibratedclock.Clock

	lastPTPTime    time.Time
	lastLocalTime  time.Time
	skippedUpdates int
}

// NewEngine returns an Engine driving the given calibrated clock.
func NewEngine(clock *calibratedclock.Clock) *Engine {
	return &Engine{clock: clock}
}

// SkippedUpdates returns how many consecutive proposals have been rejected since the
// last applied calibration.
func (e *Engine) SkippedUpdates() int {
	return e.skippedUpdates
}

// roundedCorrection converts a 48.16 fixed-point PTP correction field to nanoseconds,
// rounding to the nearest integer nanosecond rather than truncating, per the
// `(corr + 32768) / 65536` idiom the wire format's own documentation describes.
func roundedCorrection(c ptp.Correction) time.Duration {
	return time.Duration((int64(c) + 1<<15) >> 16)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func withinInterval(v, lo, hi time.Time) bool {
	if hi.Before(lo) {
		lo, hi = hi, lo
	}
	return !v.Before(lo) && !v.After(hi)
}

// Update feeds a completed exchange's t1/t2 and the domain's current mean path delay
// through the regression. t1 and t2 must already have been combined with any pending
// FOLLOW_UP so that t1 is the precise master-side origin timestamp.
func (e *Engine) Update(t1, t2 time.Time, corrSync ptp.Correction, meanPathDelay time.Duration) Result {
	correctedPTP := t1.Add(roundedCorrection(corrSync))
	correctedLocal := t2.Add(-meanPathDelay)

	maxDiscont := meanPathDelay * 3 / 2

	if !e.clock.HasCalibration() {
		seed := calibratedclock.Calibration{
			Internal: correctedLocal,
			External: correctedPTP,
			RateNum:  1,
			RateDen:  1,
		}
		e.clock.SetCalibration(seed)
		_, r2 := e.clock.AddObservationUnapplied(correctedLocal, correctedPTP)
		e.clock.SetCalibration(seed) // regression of a single point reproduces seed; keep it canonical
		e.skippedUpdates = 0
		e.lastPTPTime, e.lastLocalTime = correctedPTP, correctedLocal
		return Result{
			CorrectedPTPTime:   correctedPTP,
			CorrectedLocalTime: correctedLocal,
			MaxDiscont:         maxDiscont,
			Synced:             true,
			NowSynced:          true,
			Applied:            true,
			Discontinuity:      0,
			RSquared:           r2,
			Before:             seed,
			After:              seed,
		}
	}

	before := e.clock.GetCalibration()
	predictLow := before.Extern(correctedLocal.Add(-maxDiscont))
	predictHigh := before.Extern(correctedLocal.Add(maxDiscont))
	synced := withinInterval(correctedPTP, predictLow, predictHigh)

	proposed, r2 := e.clock.AddObservationUnapplied(correctedLocal, correctedPTP)

	oldAtSample := before.Extern(correctedLocal)
	newAtSample := proposed.Extern(correctedLocal)
	discont := newAtSample.Sub(oldAtSample)

	if synced && absDuration(discont) > maxDiscont {
		clamp := maxDiscont
		if discont < 0 {
			clamp = -maxDiscont
		}
		target := oldAtSample.Add(clamp)
		shift := target.Sub(proposed.Extern(correctedLocal))
		proposed.External = proposed.External.Add(shift)
		newAtSample = proposed.Extern(correctedLocal)
		discont = newAtSample.Sub(oldAtSample)
	}

	predictLow2 := proposed.Extern(correctedLocal.Add(-maxDiscont))
	predictHigh2 := proposed.Extern(correctedLocal.Add(maxDiscont))
	nowSynced := withinInterval(correctedPTP, predictLow2, predictHigh2)

	apply := synced || nowSynced || e.skippedUpdates > skipThreshold
	if apply {
		e.clock.SetCalibration(proposed)
		e.skippedUpdates = 0
	} else {
		e.skippedUpdates++
	}

	e.lastPTPTime, e.lastLocalTime = correctedPTP, correctedLocal

	return Result{
		CorrectedPTPTime:   correctedPTP,
		CorrectedLocalTime: correctedLocal,
		MaxDiscont:         maxDiscont,
		Synced:             synced,
		NowSynced:          nowSynced,
		Applied:            apply,
		Discontinuity:      discont,
		RSquared:           r2,
		Before:             before,
		After:              proposed,
	}
}
