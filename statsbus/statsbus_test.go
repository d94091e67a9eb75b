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

package statsbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	b := New()
	var order []int
	b.Subscribe(func(Event) bool { order = append(order, 1); return true })
	b.Subscribe(func(Event) bool { order = append(order, 2); return true })

	b.Publish(Event{Domain: 0, Name: NewDomainFound, Payload: NewDomainFoundEvent{Domain: 0}})
	require.Equal(t, []int{1, 2}, order)
}

func TestHandlerReturningFalseDetaches(t *testing.T) {
	b := New()
	calls := 0
	b.Subscribe(func(Event) bool { calls++; return false })

	b.Publish(Event{Name: TimeUpdated})
	b.Publish(Event{Name: TimeUpdated})
	require.Equal(t, 1, calls, "a handler returning false must not be invoked again")
}

func TestHandlerCanDetachItselfMidIteration(t *testing.T) {
	b := New()
	var secondCalls int
	b.Subscribe(func(Event) bool { return false })
	b.Subscribe(func(Event) bool { secondCalls++; return true })

	b.Publish(Event{Name: PathDelayMeasured})
	require.Equal(t, 1, secondCalls, "detaching the first handler must not skip the second in the same round")

	b.Publish(Event{Name: PathDelayMeasured})
	require.Equal(t, 2, secondCalls, "second handler stays subscribed across rounds")
}

func TestUnsubscribeRemovesHandler(t *testing.T) {
	b := New()
	calls := 0
	id := b.Subscribe(func(Event) bool { calls++; return true })
	b.Unsubscribe(id)

	b.Publish(Event{Name: BestMasterClockSelected})
	require.Equal(t, 0, calls)
}

func TestCountersTrackPublishedEventNames(t *testing.T) {
	b := New()
	b.Publish(Event{Name: NewDomainFound})
	b.Publish(Event{Name: NewDomainFound})
	b.Publish(Event{Name: TimeUpdated})

	counters := b.Counters()
	require.Equal(t, int64(2), counters[NewDomainFound])
	require.Equal(t, int64(1), counters[TimeUpdated])
}

func TestSetGaugeOverwritesPriorValue(t *testing.T) {
	b := New()
	b.SetGauge("process.rss", 100)
	b.SetGauge("process.rss", 200)
	b.SetGauge("runtime.mem.heap.alloc", 5)

	gauges := b.Gauges()
	require.Equal(t, int64(200), gauges["process.rss"])
	require.Equal(t, int64(5), gauges["runtime.mem.heap.alloc"])
}
