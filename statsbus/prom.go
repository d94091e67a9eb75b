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
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// PrometheusExporter polls a Bus's counters and serves them on /metrics.
type PrometheusExporter struct {
	bus        *Bus
	registry   *prometheus.Registry
	listenPort int
	interval   time.Duration
	eventsTot  *prometheus.GaugeVec
	sysGauges  *prometheus.GaugeVec
}

// NewPrometheusExporter returns an exporter of bus's per-event-Name counters and
// free-form SetGauge values, served on listenPort and refreshed every
// scrapeInterval.
func NewPrometheusExporter(bus *Bus, listenPort int, scrapeInterval time.Duration) *PrometheusExporter {
	registry := prometheus.NewRegistry()
	eventsTot := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ptpslave_statsbus_events_total",
		Help: "Count of statsbus events delivered, by event name.",
	}, []string{"event"})
	sysGauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ptpslave_sys",
		Help: "Process and runtime measurements set via Bus.SetGauge.",
	}, []string{"name"})
	registry.MustRegister(eventsTot, sysGauges)
	return &PrometheusExporter{bus: bus, registry: registry, listenPort: listenPort, interval: scrapeInterval, eventsTot: eventsTot, sysGauges: sysGauges}
}

func (e *PrometheusExporter) scrape() {
	for name, count := range e.bus.Counters() {
		e.eventsTot.WithLabelValues(string(name)).Set(float64(count))
	}
	for name, val := range e.bus.Gauges() {
		e.sysGauges.WithLabelValues(name).Set(float64(val))
	}
}

// Start serves /metrics forever. It blocks; call it from its own goroutine.
func (e *PrometheusExporter) Start() {
	go func() {
		for {
			e.scrape()
			time.Sleep(e.interval)
		}
	}()
	http.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", e.listenPort), nil))
}
