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

// Package sysstats periodically samples this process's own CPU, memory, and Go
// runtime state and feeds it into a statsbus.Bus, so the daemon's own health shows
// up next to the PTP measurements it publishes.
package sysstats

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"

	"github.com/facebook/ptpslave/statsbus"
)

var procStartTime = time.Now()

// Sampler collects process and Go runtime measurements and publishes them onto a
// Bus via SetGauge, under plain "process." and "runtime." names.
type Sampler struct {
	bus      *statsbus.Bus
	memstats *runtime.MemStats
}

// NewSampler returns a Sampler that reports into bus.
func NewSampler(bus *statsbus.Bus) *Sampler {
	return &Sampler{bus: bus}
}

// setRate records a crude sum/rate pair for a monotonic counter between two samples,
// skipping the interval entirely if the counter went backwards (a process restart,
// or a counter that wrapped).
func setRate(bus *statsbus.Bus, name string, cur, prev uint64, interval time.Duration) {
	if prev > cur {
		return
	}
	secs := uint64(interval.Seconds())
	if secs == 0 {
		return
	}
	bus.SetGauge(fmt.Sprintf("%s.sum.%d", name, secs), int64(cur-prev))
	bus.SetGauge(fmt.Sprintf("%s.rate.%d", name, secs), int64((cur-prev)/secs))
}

// Sample gathers one round of process and runtime measurements and publishes them.
// Call it on a timer (interval is only used to label the rate gauges, not to pace
// sampling itself).
func (s *Sampler) Sample(interval time.Duration) error {
	m := &runtime.MemStats{}
	runtime.ReadMemStats(m)
	last := s.memstats

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}
	s.bus.SetGauge("process.uptime", time.Now().Unix()-procStartTime.Unix())

	if val, err := proc.Percent(0); err == nil {
		s.bus.SetGauge(fmt.Sprintf("process.cpu_pct.avg.%d", int(interval.Seconds())), int64(val*100))
	}
	if val, err := proc.MemoryInfo(); err == nil {
		s.bus.SetGauge("process.rss", int64(val.RSS))
		s.bus.SetGauge("process.vms", int64(val.VMS))
		s.bus.SetGauge("process.swap", int64(val.Swap))
	}
	if val, err := proc.NumFDs(); err == nil {
		s.bus.SetGauge("process.num_fds", int64(val))
	}
	if val, err := proc.NumThreads(); err == nil {
		s.bus.SetGauge("process.num_threads", int64(val))
	}

	s.bus.SetGauge("runtime.cpu.goroutines", int64(runtime.NumGoroutine()))
	s.bus.SetGauge("runtime.cpu.cgo_calls", runtime.NumCgoCall())
	s.bus.SetGauge("runtime.mem.alloc", int64(m.Alloc))
	s.bus.SetGauge("runtime.mem.total", int64(m.TotalAlloc))
	s.bus.SetGauge("runtime.mem.sys", int64(m.Sys))
	s.bus.SetGauge("runtime.mem.lookups", int64(m.Lookups))
	s.bus.SetGauge("runtime.mem.malloc", int64(m.Mallocs))
	s.bus.SetGauge("runtime.mem.frees", int64(m.Frees))

	s.bus.SetGauge("runtime.mem.heap.alloc", int64(m.HeapAlloc))
	s.bus.SetGauge("runtime.mem.heap.sys", int64(m.HeapSys))
	s.bus.SetGauge("runtime.mem.heap.idle", int64(m.HeapIdle))
	s.bus.SetGauge("runtime.mem.heap.inuse", int64(m.HeapInuse))
	s.bus.SetGauge("runtime.mem.heap.released", int64(m.HeapReleased))
	s.bus.SetGauge("runtime.mem.heap.objects", int64(m.HeapObjects))

	s.bus.SetGauge("runtime.mem.gc.sys", int64(m.GCSys))
	s.bus.SetGauge("runtime.mem.gc.next", int64(m.NextGC))
	s.bus.SetGauge("runtime.mem.gc.last", int64(m.LastGC))
	s.bus.SetGauge("runtime.mem.gc.pause_total", int64(m.PauseTotalNs))
	s.bus.SetGauge("runtime.mem.gc.pause", int64(m.PauseNs[(m.NumGC+255)%256]))
	s.bus.SetGauge("runtime.mem.gc.count", int64(m.NumGC))

	if last != nil {
		setRate(s.bus, "runtime.lookups", m.Lookups, last.Lookups, interval)
		setRate(s.bus, "runtime.mem.mallocs", m.Mallocs, last.Mallocs, interval)
		setRate(s.bus, "runtime.mem.frees", m.Frees, last.Frees, interval)
		setRate(s.bus, "runtime.gc.pause_ns", m.PauseTotalNs, last.PauseTotalNs, interval)
		setRate(s.bus, "runtime.gc.count", uint64(m.NumGC), uint64(last.NumGC), interval)
	}
	s.memstats = m
	return nil
}

// Run samples every interval until done is closed. It blocks, so callers run it in
// its own goroutine.
func (s *Sampler) Run(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = s.Sample(interval)
		}
	}
}
