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

package calibratedclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdentityCalibrationIsPassThrough(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cal := IdentityCalibration(now)
	require.Equal(t, now, cal.Extern(now))
	require.Equal(t, now.Add(5*time.Second), cal.Extern(now.Add(5*time.Second)))
}

func TestAdjustWithCalibrationBeforeAnySetIsPassThrough(t *testing.T) {
	c := NewClock(DefaultWindowSize)
	now := time.Unix(1_700_000_000, 0)
	require.Equal(t, now, c.AdjustWithCalibration(now))
	require.False(t, c.HasCalibration())
}

func TestSetCalibrationAppliesImmediately(t *testing.T) {
	c := NewClock(DefaultWindowSize)
	base := time.Unix(1_700_000_000, 0)
	c.SetCalibration(Calibration{Internal: base, External: base.Add(time.Second), RateNum: 1, RateDen: 1})
	require.True(t, c.HasCalibration())
	require.Equal(t, base.Add(2*time.Second), c.AdjustWithCalibration(base.Add(time.Second)))
}

func TestSingleObservationIsPureOffsetWithIdentitySeed(t *testing.T) {
	c := NewClock(DefaultWindowSize)
	base := time.Unix(1_700_000_000, 0)
	c.SetCalibration(IdentityCalibration(base))

	internal := base
	external := base.Add(1000 * time.Nanosecond)
	cal, _ := c.AddObservationUnapplied(internal, external)
	c.SetCalibration(cal)

	require.WithinDuration(t, external, c.AdjustWithCalibration(internal), time.Microsecond)
}

func TestRegressionRecoversExactLinearRelation(t *testing.T) {
	c := NewClock(DefaultWindowSize)
	base := time.Unix(1_700_000_000, 0)
	// external runs 10ppm fast relative to internal, with a 2ms fixed offset
	const rate = 1.00001
	const offsetNanos = 2_000_000

	var cal Calibration
	var r2 float64
	for i := 0; i < 10; i++ {
		internal := base.Add(time.Duration(i) * time.Second)
		externalSeconds := float64(i) * rate
		external := base.Add(time.Duration(offsetNanos) + time.Duration(externalSeconds*float64(time.Second)))
		cal, r2 = c.AddObservationUnapplied(internal, external)
	}

	require.Greater(t, r2, 0.999, "a clean linear relation should fit almost perfectly")
	require.InEpsilon(t, rate, cal.Rate(), 1e-4)
}

func TestResetClearsCalibrationAndWindow(t *testing.T) {
	c := NewClock(DefaultWindowSize)
	base := time.Unix(1_700_000_000, 0)
	c.SetCalibration(IdentityCalibration(base))
	c.AddObservationUnapplied(base, base.Add(time.Millisecond))
	require.True(t, c.HasCalibration())

	c.Reset()
	require.False(t, c.HasCalibration())
	require.Equal(t, base, c.AdjustWithCalibration(base))
}

func TestDegenerateSingleXValueFallsBackToIdentityRate(t *testing.T) {
	c := NewClock(DefaultWindowSize)
	base := time.Unix(1_700_000_000, 0)
	// repeating the same internal timestamp: zero variance in x
	cal, _ := c.AddObservationUnapplied(base, base.Add(500*time.Microsecond))
	cal2, _ := c.AddObservationUnapplied(base, base.Add(600*time.Microsecond))
	require.Equal(t, 1.0, cal.Rate())
	require.Equal(t, 1.0, cal2.Rate())
}
