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

package main

import (
	"flag"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ptpslave/config"
	"github.com/facebook/ptpslave/engine"
	"github.com/facebook/ptpslave/pathdelay"
	ptp "github.com/facebook/ptpslave/protocol"
	"github.com/facebook/ptpslave/statsbus"
	"github.com/facebook/ptpslave/sysstats"

	_ "net/http/pprof"
)

// ifaceList is a repeatable -iface flag, one value per occurrence.
type ifaceList []string

func (l *ifaceList) String() string { return strings.Join(*l, ",") }
func (l *ifaceList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// restartBackoff is an exponential backoff between supervised-restart attempts,
// grounded on ptp/sptp/client's backoff.go but narrowed to the one mode this
// daemon's supervision loop needs.
type restartBackoff struct {
	step     time.Duration
	max      time.Duration
	attempts int
}

func (b *restartBackoff) next() time.Duration {
	b.attempts++
	d := time.Duration(float64(b.step) * math.Pow(2, float64(b.attempts-1)))
	if d > b.max || d <= 0 {
		d = b.max
	}
	return d
}

func (b *restartBackoff) reset() {
	b.attempts = 0
}

func parseClockID(s string) (id ptp.ClockIdentity, ok bool, err error) {
	if s == "" {
		return 0, false, nil
	}
	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parsing -clockid %q: %w", s, err)
	}
	return ptp.ClockIdentity(v), true, nil
}

// pathDelayMode translates a config.Config's PathDelayFilter string into the
// pathdelay.Mode engine.NewWithMode wants. config stays dependency-light and never
// imports pathdelay itself, so the translation happens here.
func pathDelayMode(filter string) (pathdelay.Mode, error) {
	switch filter {
	case config.FilterFiltered:
		return pathdelay.Filtered, nil
	case config.FilterStrictIEEE:
		return pathdelay.StrictIEEE, nil
	default:
		return 0, fmt.Errorf("unknown path_delay_filter %q", filter)
	}
}

// prepareConfig loads cfgPath (or falls back to config.DefaultConfig) and layers any
// CLI flags the caller actually set on top, logging a warning for every override —
// the same idiom cmd/sptp's prepareConfig used for client.Config.
func prepareConfig(cfgPath string, ifaces []string, clockID string, monitoringPort int, monitoringFormat, pprofAddress string, backoffStep, backoffMax time.Duration) (*config.Config, error) {
	cfg := config.DefaultConfig()
	var err error
	warn := func(name string) {
		log.Warningf("overriding %s from CLI flag", name)
	}
	if cfgPath != "" {
		cfg, err = config.ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}

	if len(ifaces) > 0 {
		warn("interfaces")
		cfg.Interfaces = ifaces
	}
	if clockID != "" && clockID != cfg.ClockID {
		warn("clock_id")
		cfg.ClockID = clockID
	}
	if monitoringPort != 0 && monitoringPort != cfg.MonitoringPort {
		warn("monitoring_port")
		cfg.MonitoringPort = monitoringPort
	}
	if monitoringFormat != "" && monitoringFormat != cfg.MonitoringFormat {
		warn("monitoring_format")
		cfg.MonitoringFormat = monitoringFormat
	}
	if pprofAddress != "" && pprofAddress != cfg.PprofAddress {
		warn("pprof_address")
		cfg.PprofAddress = pprofAddress
	}
	if backoffStep != 0 && backoffStep != cfg.Backoff.Step {
		warn("backoff.step")
		cfg.Backoff.Step = backoffStep
	}
	if backoffMax != 0 && backoffMax != cfg.Backoff.MaxValue {
		warn("backoff.max_value")
		cfg.Backoff.MaxValue = backoffMax
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}

// startStatsServer picks the stats exporter named by format (one of
// config.MonitoringFormatPrometheus or config.MonitoringFormatJSON) and starts it on
// its own goroutine, serving port. prepareConfig validates format earlier via
// cfg.Validate, so an unrecognized value here would mean Validate regressed.
func startStatsServer(bus *statsbus.Bus, port int, format string) {
	switch format {
	case config.MonitoringFormatJSON:
		go statsbus.NewJSONExporter(bus, port).Start()
	default:
		go statsbus.NewPrometheusExporter(bus, port, 5*time.Second).Start()
	}
}

// runSupervised drives eng through repeated Init/Wait/Deinit cycles, backing off
// exponentially between attempts, until the engine latches unsupported (a resource
// error spec.md treats as permanent, never worth retrying).
func runSupervised(eng *engine.Engine, clockID ptp.ClockIdentity, haveClockID bool, interfaces []string, backoff *restartBackoff) {
	for {
		if !eng.IsSupported() {
			log.Error("ptpslaved: engine is permanently unsupported, giving up")
			return
		}

		if !eng.Init(clockID, haveClockID, interfaces) {
			if !eng.IsSupported() {
				log.Error("ptpslaved: init failed and is not retryable, giving up")
				return
			}
			d := backoff.next()
			log.Warningf("ptpslaved: init failed, retrying in %s", d)
			time.Sleep(d)
			continue
		}

		backoff.reset()
		log.Info("ptpslaved: engine initialized")
		err := eng.Wait()
		log.Warningf("ptpslaved: run ended: %v", err)
		eng.Deinit()

		if !eng.IsSupported() {
			log.Error("ptpslaved: engine is permanently unsupported after this run, giving up")
			return
		}
		d := backoff.next()
		log.Warningf("ptpslaved: restarting in %s", d)
		time.Sleep(d)
	}
}

func main() {
	var (
		verboseFlag        bool
		ifaces             ifaceList
		configFlag         string
		clockIDFlag        string
		monitoringPortFlag int
		monitoringFmtFlag  string
		pprofFlag          string
		backoffStepFlag    time.Duration
		backoffMaxFlag     time.Duration
	)

	flag.BoolVar(&verboseFlag, "verbose", false, "verbose output")
	flag.StringVar(&configFlag, "config", "", "path to a YAML config file, overridden field by field by any other flag set")
	flag.Var(&ifaces, "iface", "network interface to ptp-multicast-join on. Repeat for multiple")
	flag.StringVar(&clockIDFlag, "clockid", "", "clock id to request from the helper, as 0x-prefixed hex. Empty lets the helper choose")
	flag.IntVar(&monitoringPortFlag, "monitoringport", 0, "port to serve stats on")
	flag.StringVar(&monitoringFmtFlag, "monitoringformat", "", "stats format to serve: prometheus or json")
	flag.StringVar(&pprofFlag, "pprof", "", "address to have the profiler listen on, disabled if empty")
	flag.DurationVar(&backoffStepFlag, "backoffstep", 0, "base delay between supervised restart attempts")
	flag.DurationVar(&backoffMaxFlag, "backoffmax", 0, "maximum delay between supervised restart attempts")

	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := prepareConfig(configFlag, []string(ifaces), clockIDFlag, monitoringPortFlag, monitoringFmtFlag, pprofFlag, backoffStepFlag, backoffMaxFlag)
	if err != nil {
		log.Fatal(err)
	}

	clockID, haveClockID, err := parseClockID(cfg.ClockID)
	if err != nil {
		log.Fatal(err)
	}

	mode, err := pathDelayMode(cfg.PathDelayFilter)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.PprofAddress != "" {
		go func() {
			if err := http.ListenAndServe(cfg.PprofAddress, nil); err != nil {
				log.Errorf("failed to start pprof: %v", err)
			}
		}()
	}

	eng := engine.NewWithMode(mode, cfg.RegressionWindow)
	startStatsServer(eng.Bus(), cfg.MonitoringPort, cfg.MonitoringFormat)

	const sysstatsInterval = 10 * time.Second
	sampler := sysstats.NewSampler(eng.Bus())
	go sampler.Run(nil, sysstatsInterval)

	runSupervised(eng, clockID, haveClockID, cfg.Interfaces, &restartBackoff{step: cfg.Backoff.Step, max: cfg.Backoff.MaxValue})
}
