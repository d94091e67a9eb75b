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

// Package reactor is the single-threaded scheduler that owns every domain's mutable
// state: it reads framed messages off the helper's two pipes, decodes and dispatches
// them to the right domain, runs the jittered DELAY_REQ timer, and periodically sweeps
// every domain for BMCA reconsideration and stale-state cleanup. All of that work runs
// serialized on one goroutine; pipe reads and timers live on their own goroutines and
// hand work back in through a channel, the way sptp's Run loop hands results back to
// its single tick() caller.
package reactor

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/facebook/ptpslave/domain"
	"github.com/facebook/ptpslave/pendingsync"
	"github.com/facebook/ptpslave/pipeio"
	ptp "github.com/facebook/ptpslave/protocol"
	"github.com/facebook/ptpslave/statsbus"
)

// logReceive and logSent trace inbound/outbound PTP messages at debug level,
// colourised the way ptp/sptp/client's logReceive/logSent do (blue for what the
// master sent us, green for what we send back) so a live -verbose trace is easy to
// scan by eye.
func logReceive(domainNumber uint8, t ptp.MessageType, msg string, v ...interface{}) {
	log.Debugf(color.BlueString("[domain %d] master -> %s (%s)", domainNumber, t, fmt.Sprintf(msg, v...)))
}

func logSent(domainNumber uint8, t ptp.MessageType, msg string, v ...interface{}) {
	log.Debugf(color.GreenString("[domain %d] us -> %s (%s)", domainNumber, t, fmt.Sprintf(msg, v...)))
}

// DefaultCleanupInterval is the periodic tidy tick spec.md §4.G requires at least
// every 5 seconds.
const DefaultCleanupInterval = 5 * time.Second

// DelayReqWriter is the subset of *pipeio.Writer the reactor needs: a place to send
// an outbound DELAY_REQ. Narrowed to an interface (rather than the concrete
// *pipeio.Writer) so tests can substitute a mock transport instead of piping through
// an actual io.Writer, the way ptp/sptp/client mocks its Clock interface.
type DelayReqWriter interface {
	WriteDelayReq(localSendTime uint64, ptpBytes []byte) error
}

// Reactor drives one running instance: one helper process's pipes, one domain
// registry, one statistics bus.
type Reactor struct {
	Registry        *domain.Registry
	Bus             *statsbus.Bus
	Writer          DelayReqWriter
	CleanupInterval time.Duration

	// ClockIDReady, if non-nil, receives the reactor's own PortIdentity exactly once,
	// the moment the helper's mandatory clock-id frame is processed. engine.Init uses
	// this to implement the public API's "init blocks until clock id known" contract
	// without the reactor otherwise knowing engine exists.
	ClockIDReady chan ptp.PortIdentity

	rand   *rand.Rand
	workCh chan work
	errCh  chan error

	ownIdentity    ptp.PortIdentity
	haveOwnClockID bool
}

// New returns a Reactor. registry and bus must not be nil; writer is the framed
// connection to the helper's stdin, used to emit DELAY_REQ.
func New(registry *domain.Registry, bus *statsbus.Bus, writer DelayReqWriter) *Reactor {
	return &Reactor{
		Registry:        registry,
		Bus:             bus,
		Writer:          writer,
		CleanupInterval: DefaultCleanupInterval,
		rand:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// work is a closure queued by an I/O or timer goroutine to run serialized on the
// reactor goroutine.
type work func()

// Run reads frames from data and log lines from logs until ctx is cancelled or a
// pipe read fails, which is always treated as fatal per spec.md §4.G.
func (r *Reactor) Run(ctx context.Context, data *pipeio.Reader, logs *pipeio.LogReader) error {
	workCh := make(chan work, 64)
	errCh := make(chan error, 2)
	r.workCh = workCh
	r.errCh = errCh

	// The two pumps are joined with an errgroup, the same pattern
	// ptp/sptp/client/sptp.go's RunListener uses for its general/event-port read
	// loops: the blocking read lives on its own inner goroutine reporting through a
	// doneChan, and the eg.Go function itself just selects between that doneChan and
	// the errgroup's derived context, which errgroup cancels the instant either pump
	// returns an error. That's what lets eg.Wait() (run on its own goroutine,
	// forwarding the first error into errCh below) return promptly instead of
	// waiting for both pumps' underlying pipe reads to unblock on their own.
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return r.pumpFrames(egCtx, data, workCh) })
	eg.Go(func() error { return r.pumpLogs(egCtx, logs) })
	go func() {
		if err := eg.Wait(); err != nil {
			errCh <- err
		}
	}()

	cleanup := time.NewTicker(r.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case w := <-workCh:
			w()
		case now := <-cleanup.C:
			r.runCleanup(now)
		}
	}
}

// pumpFrames runs the blocking frame read on its own inner goroutine and selects
// between it and ctx, so a sibling pump's failure (which cancels ctx via the
// errgroup it's joined to) lets this one return promptly even though the
// underlying pipe read itself can't be interrupted directly.
func (r *Reactor) pumpFrames(ctx context.Context, data *pipeio.Reader, workCh chan<- work) error {
	doneCh := make(chan error, 1)
	go func() {
		for {
			frame, err := data.ReadFrame()
			if err != nil {
				doneCh <- fmt.Errorf("reading helper data pipe: %w", err)
				return
			}
			f := frame
			workCh <- func() { r.handleFrame(f) }
		}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-doneCh:
		return err
	}
}

func (r *Reactor) pumpLogs(ctx context.Context, logs *pipeio.LogReader) error {
	doneCh := make(chan error, 1)
	go func() {
		for {
			line, err := logs.ReadLine()
			if err != nil {
				doneCh <- fmt.Errorf("reading helper log pipe: %w", err)
				return
			}
			log.Debugf("helper: %s", line)
		}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-doneCh:
		return err
	}
}

// fatal reports a condition §4.G/§5 treat as fatal (a broken pipe protocol, a short
// write, a helper that skipped its mandatory clock-id frame) by pushing an error to
// Run's caller, the same channel pipe read failures use. The reactor does not call
// os.Exit itself: tearing the process down or restarting it is the supervising
// daemon's decision, not this package's.
func (r *Reactor) fatal(format string, args ...any) {
	select {
	case r.errCh <- fmt.Errorf(format, args...):
	default:
	}
}

func (r *Reactor) handleFrame(f *pipeio.Frame) {
	switch f.Type {
	case pipeio.FrameClockID:
		r.handleClockID(f)
	case pipeio.FrameEvent:
		if !r.haveOwnClockID {
			r.fatal("helper sent an event frame before its mandatory clock-id frame")
			return
		}
		r.handleEvent(f, time.Unix(0, int64(f.Timestamp)))
	case pipeio.FrameGeneral:
		if !r.haveOwnClockID {
			r.fatal("helper sent a general frame before its mandatory clock-id frame")
			return
		}
		r.handleGeneral(f, time.Unix(0, int64(f.Timestamp)))
	case pipeio.FrameSendTimeAck:
		if !r.haveOwnClockID {
			r.fatal("helper sent a send-time-ack frame before its mandatory clock-id frame")
			return
		}
		r.handleSendTimeAck(f)
	default:
		log.Warningf("unknown frame type %d from helper, ignoring", f.Type)
	}
}

const sendTimeAckBodySize = 4 // 1-byte msg type + 1-byte domain + 2-byte BE sequence id

func (r *Reactor) handleClockID(f *pipeio.Frame) {
	if r.haveOwnClockID {
		log.Warning("helper re-sent its clock-id frame, ignoring")
		return
	}
	if len(f.Payload) < 8 {
		r.fatal("clock-id frame too short: got %d bytes, need 8", len(f.Payload))
		return
	}
	id := binary.BigEndian.Uint64(f.Payload[:8])
	r.ownIdentity = ptp.PortIdentity{ClockIdentity: ptp.ClockIdentity(id), PortNumber: uint16(os.Getpid())}
	r.haveOwnClockID = true
	if r.ClockIDReady != nil {
		r.ClockIDReady <- r.ownIdentity
	}
}

func (r *Reactor) handleSendTimeAck(f *pipeio.Frame) {
	if len(f.Payload) < sendTimeAckBodySize {
		log.Warningf("send-time-ack frame too short: got %d bytes, need %d", len(f.Payload), sendTimeAckBodySize)
		return
	}
	domainNumber := f.Payload[1]
	seq := binary.BigEndian.Uint16(f.Payload[2:4])

	st, ok := r.Registry.Get(domainNumber)
	if !ok {
		return
	}
	st.Pending.OnDelayReqSent(seq, time.Unix(0, int64(f.Timestamp)))
}

func (r *Reactor) handleEvent(f *pipeio.Frame, recvLocal time.Time) {
	pkt, err := ptp.DecodePacket(f.Payload)
	if err != nil {
		log.Warningf("decoding event frame: %v", err)
		return
	}
	sync, ok := pkt.(*ptp.SyncDelayReq)
	if !ok || sync.MessageType() != ptp.MessageSync {
		return
	}
	r.handleSync(sync, recvLocal)
}

func (r *Reactor) handleGeneral(f *pipeio.Frame, recvLocal time.Time) {
	pkt, err := ptp.DecodePacket(f.Payload)
	if err != nil {
		log.Warningf("decoding general frame: %v", err)
		return
	}
	switch msg := pkt.(type) {
	case *ptp.Announce:
		r.handleAnnounce(msg)
	case *ptp.FollowUp:
		r.handleFollowUp(msg, recvLocal)
	case *ptp.DelayResp:
		r.handleDelayResp(msg)
	}
}

// admitted enforces the cross-cutting invariants shared by every message type: our
// own echo is dropped (invariant 5), ALTERNATE-MASTER-flagged messages are dropped
// (invariant 6).
func admitted(h *ptp.Header, own ptp.PortIdentity) bool {
	if h.SourcePortIdentity == own {
		return false
	}
	if h.FlagField&ptp.FlagAlternateMaster != 0 {
		return false
	}
	return true
}

func (r *Reactor) handleAnnounce(a *ptp.Announce) {
	if !admitted(&a.Header, r.ownIdentity) {
		return
	}
	if a.StepsRemoved >= 255 {
		return
	}
	st, created := r.Registry.GetOrCreate(a.DomainNumber)
	if created {
		r.Bus.Publish(statsbus.Event{Domain: a.DomainNumber, Name: statsbus.NewDomainFound,
			Payload: statsbus.NewDomainFoundEvent{Domain: a.DomainNumber}})
	}
	st.AnnounceInterval = ptp.SanitizeLogInterval(a.LogMessageInterval).Duration()
	st.Announces.Add(a, time.Now())
	logReceive(a.DomainNumber, ptp.MessageAnnounce, "seq=%d, gmIdentity=%s, stepsRemoved=%d",
		a.SequenceID, a.GrandmasterIdentity, a.StepsRemoved)

	r.reconsiderMaster(st, time.Now())
}

func (r *Reactor) handleSync(s *ptp.SyncDelayReq, recvLocal time.Time) {
	if !admitted(&s.Header, r.ownIdentity) {
		return
	}
	st, created := r.Registry.GetOrCreate(s.DomainNumber)
	if created {
		r.Bus.Publish(statsbus.Event{Domain: s.DomainNumber, Name: statsbus.NewDomainFound,
			Payload: statsbus.NewDomainFoundEvent{Domain: s.DomainNumber}})
	}

	// opportunistic provisional master selection: the very first SYNC from a source
	// while nothing is selected yet lets us start timekeeping before BMCA would
	// otherwise qualify the sender.
	if !st.HasSelectedMaster {
		st.SelectedMaster = s.SourcePortIdentity
		st.HasSelectedMaster = true
	}
	if st.SelectedMaster != s.SourcePortIdentity {
		return
	}

	logReceive(s.DomainNumber, ptp.MessageSync, "seq=%d", s.SequenceID)

	interval := ptp.SanitizeLogInterval(s.LogMessageInterval).Duration()
	st.SyncInterval = interval
	st.MinDelayReqInterval = interval

	twoStep := s.FlagField&ptp.FlagTwoStep != 0
	origin := s.OriginTimestamp.Time()
	if !twoStep {
		if !st.AcceptSyncT1(origin) {
			return
		}
	}
	st.Pending.OnSync(s.SequenceID, twoStep, recvLocal, origin, s.CorrectionField)
	if !twoStep {
		st.RecordSyncT1(origin)
		r.maybeScheduleDelayReq(st, s.DomainNumber)
	}
}

func (r *Reactor) handleFollowUp(fu *ptp.FollowUp, recvLocal time.Time) {
	if !admitted(&fu.Header, r.ownIdentity) {
		return
	}
	st, ok := r.Registry.Get(fu.DomainNumber)
	if !ok || !st.HasSelectedMaster || st.SelectedMaster != fu.SourcePortIdentity {
		return
	}
	t1 := fu.PreciseOriginTimestamp.Time()
	if !st.AcceptSyncT1(t1) {
		return
	}
	logReceive(fu.DomainNumber, ptp.MessageFollowUp, "seq=%d, T1=%v", fu.SequenceID, t1)
	st.Pending.OnFollowUp(fu.SequenceID, t1, recvLocal, fu.CorrectionField)
	st.RecordSyncT1(t1)
	r.maybeScheduleDelayReq(st, fu.DomainNumber)
}

func (r *Reactor) maybeScheduleDelayReq(st *domain.State, domainNumber uint8) {
	jitterCeiling := 2 * st.MinDelayReqInterval
	var delay time.Duration
	if jitterCeiling > 0 {
		delay = time.Duration(r.rand.Int63n(int64(jitterCeiling)))
	}
	time.AfterFunc(delay, func() {
		r.workCh <- func() { r.sendDelayReq(st, domainNumber) }
	})
}

// sendDelayReq runs back on the reactor goroutine (queued through workCh by the
// jitter timer), so its mutation of st's DELAY_REQ bookkeeping never races with
// frame handling.
func (r *Reactor) sendDelayReq(st *domain.State, domainNumber uint8) {
	now := time.Now()
	if !st.CanSendDelayReq(now) {
		return
	}
	seq := st.NextDelayReqSeq()
	msg := ptp.NewDelayReq(r.ownIdentity, domainNumber, seq)
	raw, err := ptp.Bytes(msg)
	if err != nil {
		log.Errorf("encoding delay_req for domain %d: %v", domainNumber, err)
		return
	}
	if err := r.Writer.WriteDelayReq(uint64(now.UnixNano()), raw); err != nil {
		r.fatal("writing delay_req to helper: %v", err)
		return
	}
	logSent(domainNumber, ptp.MessageDelayReq, "seq=%d", seq)
	st.RecordDelayReqSent(now)
	st.Pending.OnDelayReqSent(seq, now)
}

func (r *Reactor) handleDelayResp(dr *ptp.DelayResp) {
	if !admitted(&dr.Header, r.ownIdentity) {
		return
	}
	if dr.RequestingPortIdentity != r.ownIdentity {
		return
	}
	st, ok := r.Registry.Get(dr.DomainNumber)
	if !ok || !st.HasSelectedMaster || st.SelectedMaster != dr.SourcePortIdentity {
		return
	}
	logReceive(dr.DomainNumber, ptp.MessageDelayResp, "seq=%d, T4=%v", dr.SequenceID, dr.ReceiveTimestamp.Time())
	st.Pending.OnDelayResp(dr.SequenceID, dr.ReceiveTimestamp.Time(), dr.CorrectionField)

	done := st.Pending.TakeComplete()
	if done == nil {
		return
	}
	r.completeExchange(st, dr.DomainNumber, done)
}

func (r *Reactor) completeExchange(st *domain.State, domainNumber uint8, done *pendingsync.PendingSync) {
	correctionSync := done.SyncCorrection
	if done.TwoStep {
		correctionSync += done.FollowUpCorrection
	}
	sample := st.PathDelay.Observe(done.T1, done.T2, done.T3, done.T4, done.FollowUpRecvLocal, correctionSync, done.DelayRespCorrection)
	r.Bus.Publish(statsbus.Event{Domain: domainNumber, Name: statsbus.PathDelayMeasured, Payload: statsbus.PathDelayMeasuredEvent{
		Domain:            domainNumber,
		MeanPathDelayAvg:  sample.MeanAfter.Seconds(),
		MeanPathDelay:     sample.DRaw.Seconds(),
		DelayRequestDelay: sample.RoundTrip.Seconds(),
	}})
	if !sample.Accepted {
		return
	}

	result := st.Time.Update(done.T1, done.T2, correctionSync, st.PathDelay.MeanPathDelay())
	after := result.After
	r.Bus.Publish(statsbus.Event{Domain: domainNumber, Name: statsbus.TimeUpdated, Payload: statsbus.TimeUpdatedEvent{
		Domain:           domainNumber,
		MeanPathDelayAvg: st.PathDelay.MeanPathDelay().Seconds(),
		LocalTime:        result.CorrectedLocalTime.UnixNano(),
		PTPTime:          result.CorrectedPTPTime.UnixNano(),
		Discontinuity:    result.Discontinuity.Nanoseconds(),
		Synced:           result.Synced || result.NowSynced,
		RSquared:         result.RSquared,
		InternalTime:     after.Internal.UnixNano(),
		ExternalTime:     after.External.UnixNano(),
		RateNum:          after.RateNum,
		RateDen:          after.RateDen,
		Rate:             after.Rate(),
	}})
}

// reconsiderMaster re-runs BMCA selection for st and publishes
// best-master-clock-selected when the winner changes.
func (r *Reactor) reconsiderMaster(st *domain.State, now time.Time) {
	changed, winner := st.SelectMaster(now)
	if !changed || winner == nil {
		return
	}
	r.Bus.Publish(statsbus.Event{Domain: st.Number, Name: statsbus.BestMasterClockSelected, Payload: statsbus.BestMasterClockSelectedEvent{
		Domain:        st.Number,
		MasterID:      winner.SourcePortIdentity.ClockIdentity,
		MasterPort:    winner.SourcePortIdentity,
		GrandmasterID: winner.GrandmasterIdentity,
	}})
}

// runCleanup performs the periodic tidy tick §4.C and §4.D require at least every
// 5 seconds: re-run BMCA selection and drop stale PendingSyncs for every domain.
func (r *Reactor) runCleanup(now time.Time) {
	for _, number := range r.Registry.Numbers() {
		st, ok := r.Registry.Get(number)
		if !ok {
			continue
		}
		r.reconsiderMaster(st, now)
		st.Pending.Cleanup(pendingsync.Timeout(st.SyncInterval))
	}
}
