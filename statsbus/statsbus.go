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

// Package statsbus fans out lifecycle, measurement, and time-update events to
// subscribers, synchronously, on whatever goroutine calls Publish (the reactor
// thread, in normal operation). Subscribers must not block.
package statsbus

import (
	"sync"
	"sync/atomic"

	ptp "github.com/facebook/ptpslave/protocol"
)

// Name identifies one of the well-known event kinds.
type Name string

// The four event kinds the reactor publishes.
const (
	NewDomainFound          Name = "new-domain-found"
	BestMasterClockSelected Name = "best-master-clock-selected"
	PathDelayMeasured       Name = "path-delay-measured"
	TimeUpdated             Name = "time-updated"
)

// NewDomainFoundEvent is the payload of a NewDomainFound event.
type NewDomainFoundEvent struct {
	Domain uint8
}

// BestMasterClockSelectedEvent is the payload of a BestMasterClockSelected event.
type BestMasterClockSelectedEvent struct {
	Domain        uint8
	MasterID      ptp.ClockIdentity
	MasterPort    ptp.PortIdentity
	GrandmasterID ptp.ClockIdentity
}

// PathDelayMeasuredEvent is the payload of a PathDelayMeasured event.
type PathDelayMeasuredEvent struct {
	Domain            uint8
	MeanPathDelayAvg  float64
	MeanPathDelay     float64
	DelayRequestDelay float64
}

// TimeUpdatedEvent is the payload of a TimeUpdated event.
type TimeUpdatedEvent struct {
	Domain           uint8
	MeanPathDelayAvg float64
	LocalTime        int64
	PTPTime          int64
	EstimatedPTPTime int64
	Discontinuity    int64
	Synced           bool
	RSquared         float64
	InternalTime     int64
	ExternalTime     int64
	RateNum          int64
	RateDen          int64
	Rate             float64
}

// Event is one published occurrence: a domain number, a well-known Name, and the
// Name-specific payload (one of the *Event types above).
type Event struct {
	Domain  uint8
	Name    Name
	Payload any
}

// Handler receives a published Event. Return false to detach: the bus removes the
// handler once the current Publish call returns, even if the handler detaches
// itself from inside its own invocation.
type Handler func(Event) bool

type subscriber struct {
	id      uint64
	handler Handler
	detach  bool
}

// Bus is a process-wide, mutex-protected hook list. The zero value is not usable;
// construct with New.
type Bus struct {
	mu          sync.Mutex
	subscribers []*subscriber
	nextID      uint64

	counters sync.Map // Name -> *int64
	gauges   sync.Map // string -> int64, boxed via gaugeBox
}

type gaugeBox struct {
	mu  sync.Mutex
	val int64
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers handler and returns an id usable with Unsubscribe.
func (b *Bus) Subscribe(handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers = append(b.subscribers, &subscriber{id: id, handler: handler})
	return id
}

// Unsubscribe removes a handler registered with Subscribe. Safe to call from
// within a handler, including the handler being removed.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subscribers {
		if s.id == id {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every current subscriber, in registration order, on
// the calling goroutine. A handler that returns false is detached once the whole
// delivery round completes, so a handler detaching itself mid-iteration does not
// perturb the in-flight loop. Publish also increments the per-Name counter used by
// the Prometheus exporter.
func (b *Bus) Publish(event Event) {
	b.incrCounter(event.Name)

	b.mu.Lock()
	snapshot := make([]*subscriber, len(b.subscribers))
	copy(snapshot, b.subscribers)
	b.mu.Unlock()

	var toRemove []uint64
	for _, s := range snapshot {
		if !s.handler(event) {
			toRemove = append(toRemove, s.id)
		}
	}
	for _, id := range toRemove {
		b.Unsubscribe(id)
	}
}

func (b *Bus) incrCounter(name Name) {
	v, _ := b.counters.LoadOrStore(name, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// Counters returns a snapshot of per-event-Name delivery counts, for the
// Prometheus exporter.
func (b *Bus) Counters() map[Name]int64 {
	out := map[Name]int64{}
	b.counters.Range(func(k, v any) bool {
		out[k.(Name)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// SetGauge records an arbitrary named measurement, following the same free-form
// "name to value" idiom ptp/sptp/client's StatsServer.SetCounter uses for runtime
// and system stats that do not fit the four well-known Event kinds (sysstats.go's
// process/runtime metrics, for instance). Unlike the Event counters above, a gauge's
// value is whatever the caller last set, not a monotonic delivery count.
func (b *Bus) SetGauge(name string, value int64) {
	v, _ := b.gauges.LoadOrStore(name, &gaugeBox{})
	box := v.(*gaugeBox)
	box.mu.Lock()
	box.val = value
	box.mu.Unlock()
}

// Gauges returns a snapshot of every value set via SetGauge, for the Prometheus
// exporter.
func (b *Bus) Gauges() map[string]int64 {
	out := map[string]int64{}
	b.gauges.Range(func(k, v any) bool {
		box := v.(*gaugeBox)
		box.mu.Lock()
		out[k.(string)] = box.val
		box.mu.Unlock()
		return true
	})
	return out
}
