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

// Package engine is the top-level, process-wide public API: Init/Deinit the helper
// and reactor, hand out per-domain clockfacade.Clock objects, and subscribe/
// unsubscribe to the statistics bus. Everything underneath (helper, reactor, domain,
// clockfacade) is wired together here and nowhere else.
package engine

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ptpslave/calibratedclock"
	"github.com/facebook/ptpslave/clockfacade"
	"github.com/facebook/ptpslave/domain"
	"github.com/facebook/ptpslave/helper"
	"github.com/facebook/ptpslave/pathdelay"
	ptp "github.com/facebook/ptpslave/protocol"
	"github.com/facebook/ptpslave/reactor"
	"github.com/facebook/ptpslave/statsbus"
)

// Engine is the process-global PTP slave instance. The zero value is not usable;
// construct with New. A process is expected to hold exactly one, matching the
// "process-global initted latch" spec.md describes.
type Engine struct {
	mu   sync.Mutex
	cond *sync.Cond

	// supported is sticky: once Init fails for a reason the original treats as
	// permanent (spawn failure, pipe construction failure, reactor start failure),
	// it flips false forever and further Init calls return false without retrying.
	supported    bool
	initialized  bool
	initializing bool

	registry *domain.Registry
	bus      *statsbus.Bus

	h        *helper.Helper
	cancel   context.CancelFunc
	runErrCh chan error
}

// New returns an uninitialized Engine using the default path-delay filtering mode
// and regression window. Call Init (directly, or implicitly via NewClock) before any
// facade clock will report synced time.
func New() *Engine {
	return NewWithMode(pathdelay.Filtered, calibratedclock.DefaultWindowSize)
}

// NewWithMode returns an uninitialized Engine configured with a specific path-delay
// mode and calibration regression window, for callers (cmd/ptpslaved, wiring a
// loaded config.Config) that need something other than the defaults.
func NewWithMode(mode pathdelay.Mode, regressionWindow int) *Engine {
	e := &Engine{
		supported: true,
		registry:  domain.NewRegistry(mode, regressionWindow),
		bus:       statsbus.New(),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// IsSupported reports whether this Engine can still be initialized. It starts true
// and latches false permanently after a resource-error Init failure.
func (e *Engine) IsSupported() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.supported
}

// IsInitialized reports whether the helper process and reactor are currently running.
func (e *Engine) IsInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// Init is thread-safe and idempotent: concurrent callers converge on one helper
// spawn, and a caller arriving after initialization completed just observes the
// existing state. It blocks until the helper's clock-id frame has arrived (or
// startup fails), per spec.md's public API contract.
func (e *Engine) Init(clockID ptp.ClockIdentity, haveClockID bool, interfaces []string) bool {
	e.mu.Lock()
	if !e.supported {
		e.mu.Unlock()
		return false
	}
	if e.initialized {
		e.mu.Unlock()
		return true
	}
	for e.initializing {
		e.cond.Wait()
	}
	if e.initialized {
		e.mu.Unlock()
		return true
	}
	if !e.supported {
		e.mu.Unlock()
		return false
	}
	e.initializing = true
	e.mu.Unlock()

	ok := e.doInit(clockID, haveClockID, interfaces)

	e.mu.Lock()
	e.initializing = false
	e.initialized = ok
	if !ok {
		e.supported = false
	}
	e.cond.Broadcast()
	e.mu.Unlock()
	return ok
}

func (e *Engine) doInit(clockID ptp.ClockIdentity, haveClockID bool, interfaces []string) bool {
	ctx, cancel := context.WithCancel(context.Background())

	h, err := helper.Start(ctx, clockID, haveClockID, interfaces)
	if err != nil {
		log.Errorf("engine: failed to start PTP helper: %v", err)
		cancel()
		return false
	}

	r := reactor.New(e.registry, e.bus, h.Writer)
	ready := make(chan ptp.PortIdentity, 1)
	r.ClockIDReady = ready

	runErr := make(chan error, 1)
	go func() { runErr <- r.Run(ctx, h.Data, h.Logs) }()

	select {
	case <-ready:
	case err := <-runErr:
		log.Errorf("engine: reactor exited before a clock id arrived: %v", err)
		cancel()
		_ = h.Stop()
		return false
	}

	e.h = h
	e.cancel = cancel
	e.runErrCh = runErr
	return true
}

// Deinit tears everything down: cancels the reactor loop, force-terminates the
// helper process, and marks the Engine uninitialized. Safe to call from any thread,
// including after a failed Init, and safe to call more than once.
func (e *Engine) Deinit() {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	h := e.h
	e.initialized = false
	e.h = nil
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if h != nil {
		_ = h.Stop()
	}
}

// Bus returns the statistics bus backing AddStatisticsCallback, for callers (such as
// cmd/ptpslaved's Prometheus exporter) that need a *statsbus.Bus directly rather than
// a per-event closure.
func (e *Engine) Bus() *statsbus.Bus {
	return e.bus
}

// Wait blocks until the current Init'd run exits (transport failure, helper exit, or
// context cancellation via Deinit) and returns its error. It returns nil immediately
// if the Engine was never initialized. This is not part of spec.md's public API
// surface itself — it exists for cmd/ptpslaved's supervised-restart loop, which needs
// to notice a fatal run ending without polling IsInitialized.
func (e *Engine) Wait() error {
	e.mu.Lock()
	ch := e.runErrCh
	e.mu.Unlock()
	if ch == nil {
		return nil
	}
	return <-ch
}

// NewClock creates a facade clock for domainNumber, implicitly calling Init with no
// clock id and no interfaces if the Engine isn't initialized yet.
func (e *Engine) NewClock(domainNumber uint8) *clockfacade.Clock {
	if !e.IsInitialized() {
		e.Init(0, false, nil)
	}
	return clockfacade.New(domainNumber, e.registry, e.bus)
}

// AddStatisticsCallback subscribes cb to every event the engine publishes and
// returns an id usable with RemoveStatisticsCallback.
func (e *Engine) AddStatisticsCallback(cb func(statsbus.Event)) uint64 {
	return e.bus.Subscribe(func(ev statsbus.Event) bool {
		cb(ev)
		return true
	})
}

// RemoveStatisticsCallback detaches a callback previously registered with
// AddStatisticsCallback.
func (e *Engine) RemoveStatisticsCallback(id uint64) {
	e.bus.Unsubscribe(id)
}
