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

// Package calibratedclock is the abstract calibration service the time-update engine
// builds its synced/discontinuity policy on top of: a linear relation between two
// monotonic time streams (an "internal" one, usually the local clock's SYNC receive
// time, and an "external" one, usually the master's PTP time), continuously refit by
// least squares as new (internal, external) observations arrive.
package calibratedclock

import (
	"container/ring"
	"math"
	"sync"
	"time"
)

// DefaultWindowSize bounds how many past observations feed the regression.
const DefaultWindowSize = 30

// Calibration is the linear relation extern(t) = External + (t-Internal)*RateNum/RateDen.
// RateNum/RateDen are carried as a pair, not a bare float64 ratio, because the
// time-updated statistics event reports them individually.
type Calibration struct {
	Internal time.Time
	External time.Time
	RateNum  int64
	RateDen  int64
}

// IdentityCalibration returns the calibration that maps t to itself: rate 1/1, zero
// offset. The time-update engine does not use it: its first-observation seed is a
// rate 1/1 calibration anchored at the corrected local and PTP times of that sample.
func IdentityCalibration(t time.Time) Calibration {
	return Calibration{Internal: t, External: t, RateNum: 1, RateDen: 1}
}

// Rate returns RateNum/RateDen as a float64, or 1.0 if RateDen is zero.
func (c Calibration) Rate() float64 {
	if c.RateDen == 0 {
		return 1.0
	}
	return float64(c.RateNum) / float64(c.RateDen)
}

// Extern maps an internal-stream instant to the corresponding external-stream instant
// under this calibration.
func (c Calibration) Extern(internal time.Time) time.Time {
	deltaSeconds := internal.Sub(c.Internal).Seconds()
	return c.External.Add(time.Duration(deltaSeconds * c.Rate() * float64(time.Second)))
}

type observation struct {
	x, y float64 // seconds since the clock's epoch
}

// Clock maintains the bounded window of observations and the calibration currently in
// effect. It is safe for concurrent use: now()-style readers and the reactor's single
// writer goroutine may call it from different goroutines without external locking.
type Clock struct {
	mu sync.RWMutex

	cal    Calibration
	hasCal bool

	epoch      time.Time
	window     *ring.Ring
	windowSize int
	count      int
}

// NewClock returns an empty Clock with the given observation window size. Pass
// DefaultWindowSize absent a more specific requirement.
func NewClock(windowSize int) *Clock {
	if windowSize < 2 {
		windowSize = 2
	}
	return &Clock{window: ring.New(windowSize), windowSize: windowSize}
}

// HasCalibration reports whether SetCalibration or a regression has ever run.
func (c *Clock) HasCalibration() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasCal
}

// GetCalibration returns the calibration currently in effect.
func (c *Clock) GetCalibration() Calibration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cal
}

// SetCalibration applies a calibration directly, bypassing the regression. The
// time-update engine calls it with the offset seed on a domain's first observation and
// with each proposal it decides to apply; a domain reset uses Reset instead.
func (c *Clock) SetCalibration(cal Calibration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cal = cal
	c.hasCal = true
}

// Reset drops the observation window and the calibration, as required when a domain's
// selected master changes.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = ring.New(c.windowSize)
	c.count = 0
	c.cal = Calibration{}
	c.hasCal = false
	c.epoch = time.Time{}
}

// AdjustWithCalibration maps internal to the external-stream instant using the
// calibration currently applied via SetCalibration, without touching the regression
// window. This is what a domain's exposed clock facade calls for now().
func (c *Clock) AdjustWithCalibration(internal time.Time) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasCal {
		return internal
	}
	return c.cal.Extern(internal)
}

// AddObservationUnapplied adds one (internal, external) pair to the regression window
// and returns the calibration the regression would now propose, plus its r², without
// applying it — the time-update engine decides whether to call SetCalibration with the
// result.
func (c *Clock) AddObservationUnapplied(internal, external time.Time) (Calibration, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch.IsZero() {
		c.epoch = internal
	}
	o := observation{
		x: internal.Sub(c.epoch).Seconds(),
		y: external.Sub(c.epoch).Seconds(),
	}
	c.push(o)
	return c.regress()
}

func (c *Clock) push(o observation) {
	c.window.Value = o
	c.window = c.window.Next()
	if c.count < c.windowSize {
		c.count++
	}
}

// regress fits y = intercept + slope*x by ordinary least squares over the current
// window and returns the resulting calibration (anchored at the clock's epoch) and r².
// With fewer than two observations, or a degenerate (zero-variance) window, it falls
// back to the identity rate with an offset equal to the latest sample.
func (c *Clock) regress() (Calibration, float64) {
	var sumX, sumY, sumXY, sumXX float64
	var lastX, lastY float64
	n := float64(c.count)

	r := c.window
	for i := 0; i < c.count; i++ {
		r = r.Prev()
		o := r.Value.(observation)
		sumX += o.x
		sumY += o.y
		sumXY += o.x * o.y
		sumXX += o.x * o.x
		if i == 0 {
			lastX, lastY = o.x, o.y
		}
	}

	denom := n*sumXX - sumX*sumX
	var slope, intercept float64
	if c.count < 2 || denom == 0 {
		slope = 1.0
		intercept = lastY - lastX
	} else {
		slope = (n*sumXY - sumX*sumY) / denom
		intercept = (sumY - slope*sumX) / n
	}

	r2 := rSquared(c, slope, intercept, n)

	const rateDen = int64(1) << 32
	cal := Calibration{
		Internal: c.epoch,
		External: c.epoch.Add(time.Duration(intercept * float64(time.Second))),
		RateNum:  int64(math.Round(slope * float64(rateDen))),
		RateDen:  rateDen,
	}
	return cal, r2
}

func rSquared(c *Clock, slope, intercept, n float64) float64 {
	if c.count < 2 {
		return 0
	}
	var sumY, sumSSTot, sumSSRes float64
	r := c.window
	for i := 0; i < c.count; i++ {
		r = r.Prev()
		o := r.Value.(observation)
		sumY += o.y
	}
	meanY := sumY / n

	r = c.window
	for i := 0; i < c.count; i++ {
		r = r.Prev()
		o := r.Value.(observation)
		predicted := intercept + slope*o.x
		sumSSRes += (o.y - predicted) * (o.y - predicted)
		sumSSTot += (o.y - meanY) * (o.y - meanY)
	}
	if sumSSTot == 0 {
		if sumSSRes == 0 {
			return 1
		}
		return 0
	}
	return 1 - sumSSRes/sumSSTot
}
