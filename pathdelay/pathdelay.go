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

// Package pathdelay turns a completed four-timestamp exchange into a mean path delay
// estimate, smoothing out the raw per-exchange jitter with a median pre-filter and an
// asymmetric running average before it ever reaches the time-update engine.
package pathdelay

import (
	"container/ring"
	"sort"
	"time"

	ptp "github.com/facebook/ptpslave/protocol"
)

// Mode selects how raw samples are turned into the mean path delay fed to the
// time-update engine.
type Mode int

const (
	// Filtered runs the median pre-filter, the asymmetric running average, and the
	// measurement-filtering gates. This is the default: IEEE 1588 leaves the
	// smoothing algorithm implementation-defined, and raw single-exchange delay
	// estimates are noisy enough to produce a visibly jittery clock without it.
	Filtered Mode = iota
	// StrictIEEE skips the running average and the measurement-filtering gates:
	// mean_path_delay is simply the latest accepted raw sample, exactly as the
	// standard's reference algorithm describes it. The median pre-filter still applies
	// once the ring has filled.
	StrictIEEE
)

const ringSize = 9

// Sample records the outcome of one path-delay observation, whether or not it was
// accepted, for the benefit of the statistics bus.
type Sample struct {
	DRaw      time.Duration
	Accepted  bool
	Reason    string // empty when Accepted
	MeanAfter time.Duration
	// RoundTrip is the DELAY_REQ/DELAY_RESP round trip (t4-t3), reported alongside
	// every sample regardless of acceptance.
	RoundTrip time.Duration
}

// Filter holds one domain's path-delay smoothing state: the 9-slot median ring and the
// running average it feeds.
type Filter struct {
	mode Mode

	ring      *ring.Ring
	ringCount int

	mean    time.Duration
	hasMean bool
}

// NewFilter returns an empty Filter in the given mode.
func NewFilter(mode Mode) *Filter {
	return &Filter{mode: mode, ring: ring.New(ringSize)}
}

// MeanPathDelay returns the current smoothed estimate, or zero if no sample has been
// accepted yet.
func (f *Filter) MeanPathDelay() time.Duration {
	return f.mean
}

// Reset clears all history, as required when the domain's selected master changes.
func (f *Filter) Reset() {
	f.ring = ring.New(ringSize)
	f.ringCount = 0
	f.mean = 0
	f.hasMean = false
}

func (f *Filter) pushRaw(d time.Duration) {
	f.ring.Value = d
	f.ring = f.ring.Next()
	if f.ringCount < ringSize {
		f.ringCount++
	}
}

func (f *Filter) median() time.Duration {
	samples := make([]time.Duration, 0, f.ringCount)
	r := f.ring
	for i := 0; i < f.ringCount; i++ {
		r = r.Prev()
		samples = append(samples, r.Value.(time.Duration))
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	l := len(samples)
	if l%2 == 0 {
		return (samples[l/2-1] + samples[l/2]) / 2
	}
	return samples[l/2]
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// RawDelay computes d_raw from a completed exchange's four timestamps and the
// correction fields carried by SYNC/FOLLOW_UP and DELAY_RESP.
func RawDelay(t1, t2, t3, t4 time.Time, corrSync, corrDelay ptp.Correction) time.Duration {
	correction := corrSync.Duration() + corrDelay.Duration()
	return (t4.Sub(t1) + t2.Sub(t3) - correction) / 2
}

// updateMean folds dRaw into the running average (or, in StrictIEEE mode, simply
// replaces it), per the asymmetric weighting that tracks a falling path delay fast and
// a rising one slowly.
func (f *Filter) updateMean(dRaw time.Duration) {
	switch {
	case f.mode == StrictIEEE:
		f.mean = dRaw
		f.hasMean = true
	case !f.hasMean:
		f.mean = dRaw
		f.hasMean = true
	case dRaw < f.mean:
		f.mean = (3*f.mean + dRaw) / 4
	default:
		f.mean = (15*f.mean + dRaw) / 16
	}
}

// Observe feeds one completed exchange through the median pre-filter, the running
// average (or straight pass-through in StrictIEEE mode), and — in Filtered mode — the
// measurement-filtering gates. followUpRecvLocal is the local receive time of the
// FOLLOW_UP that supplied t1 for a two-step exchange; pass the zero Time for a one-step
// exchange, which skips the FOLLOW_UP-latency gate.
//
// The running average updates as soon as the median gate passes, before the
// measurement-filtering gates run below: a sample rejected by one of those gates still
// moves the mean, so a genuine, sustained change in network conditions is eventually
// picked up instead of being gated out forever. Only a median-gate rejection leaves the
// mean untouched.
func (f *Filter) Observe(t1, t2, t3, t4, followUpRecvLocal time.Time, corrSync, corrDelay ptp.Correction) Sample {
	dRaw := RawDelay(t1, t2, t3, t4, corrSync, corrDelay)
	s := Sample{DRaw: dRaw, RoundTrip: t4.Sub(t3)}

	if f.ringCount >= ringSize {
		if median := f.median(); dRaw > 2*median {
			s.Reason = "raw sample exceeds 2x the 9-sample median"
			f.pushRaw(dRaw)
			s.MeanAfter = f.mean
			return s
		}
	}

	hadMean := f.hasMean
	f.pushRaw(dRaw)
	f.updateMean(dRaw)
	s.MeanAfter = f.mean

	if f.mode == Filtered && hadMean {
		if !followUpRecvLocal.IsZero() {
			if gate := followUpRecvLocal.Sub(t2); gate > maxDuration(100*time.Millisecond, 20*f.mean) {
				s.Reason = "follow_up latency exceeds gate"
				return s
			}
		}
		if dRaw > 2*f.mean {
			s.Reason = "raw sample exceeds 2x running average"
			return s
		}
		if rt := t4.Sub(t3); rt > maxDuration(100*time.Millisecond, 20*f.mean) {
			s.Reason = "delay_req round trip exceeds gate"
			return s
		}
	}

	s.Accepted = true
	return s
}
