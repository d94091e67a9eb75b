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
	"encoding/json"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// JSONExporter is the plain-JSON alternative to PrometheusExporter: it serves the
// same Bus state, snapshotted on every request rather than polled on an interval.
type JSONExporter struct {
	bus        *Bus
	listenPort int
}

// NewJSONExporter returns an exporter of bus's counters and gauges, served on
// listenPort.
func NewJSONExporter(bus *Bus, listenPort int) *JSONExporter {
	return &JSONExporter{bus: bus, listenPort: listenPort}
}

// jsonSnapshot is what handleRootRequest reports: every counter and gauge together.
type jsonSnapshot struct {
	Counters map[Name]int64   `json:"counters"`
	Gauges   map[string]int64 `json:"gauges"`
}

func (e *JSONExporter) handleRootRequest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, jsonSnapshot{Counters: e.bus.Counters(), Gauges: e.bus.Gauges()})
}

func (e *JSONExporter) handleCountersRequest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, e.bus.Counters())
}

func (e *JSONExporter) handleGaugesRequest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, e.bus.Gauges())
}

func writeJSON(w http.ResponseWriter, v any) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("failed to reply: %v", err)
	}
}

// Start serves the JSON endpoints forever. It blocks; call it from its own goroutine.
func (e *JSONExporter) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/", e.handleRootRequest)
	mux.HandleFunc("/counters", e.handleCountersRequest)
	mux.HandleFunc("/gauges", e.handleGaugesRequest)
	addr := fmt.Sprintf(":%d", e.listenPort)
	log.Infof("starting JSON stats server on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}
