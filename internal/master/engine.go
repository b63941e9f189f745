// Package master runs the single-bus arbitration loop: it impersonates the
// protocol's master device, discovers slaves, paces their heartbeats, and
// applies the allocator's budget to each one. The engine owns the serial
// transport exclusively; everything slow happens on the background runner.
package master

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shaunagostinho/twcmaster/internal/alloc"
	"github.com/shaunagostinho/twcmaster/internal/bus"
	"github.com/shaunagostinho/twcmaster/internal/energylog"
	"github.com/shaunagostinho/twcmaster/internal/frame"
	"github.com/shaunagostinho/twcmaster/internal/metrics"
	"github.com/shaunagostinho/twcmaster/internal/registry"
	"github.com/shaunagostinho/twcmaster/internal/settings"
	"github.com/shaunagostinho/twcmaster/internal/tasks"
	"github.com/shaunagostinho/twcmaster/internal/twc"
)

const (
	// interTxGap leaves the slave room to reply between our transmissions.
	interTxGap = 100 * time.Millisecond
	// heartbeatEvery is the per-slave command cadence.
	heartbeatEvery = time.Second
	// startupBurst is how many link-ready frames a fresh master sends:
	// five linkready1 then five linkready2.
	startupBurst = 10
	// telemetryEvery paces the background generation/consumption poll.
	telemetryEvery = time.Minute
	// voltagePollEvery paces the kWh/voltage query to protocol 2 slaves.
	voltagePollEvery = 10 * time.Minute
	// settingsSaveEvery bounds how often the kWh counter hits the disk.
	settingsSaveEvery = 5 * time.Minute
	// crashBackoff is the pause after a recovered panic in the loop.
	crashBackoff = 5 * time.Second

	lineVolts = 240
)

// Hooks are the engine's edges to the slow world; each runs on the
// background runner. PollTelemetry uses the "checkGreenEnergy" dedupe tag;
// StartCharging and StopCharging share the "charge" tag.
type Hooks struct {
	// PollTelemetry refreshes generation/consumption sources.
	PollTelemetry func(context.Context)
	// StartCharging and StopCharging drive the vehicle cloud API when the
	// budget crosses the per-slave minimum.
	StartCharging func(context.Context)
	StopCharging  func(context.Context)
}

// Options wires an Engine.
type Options struct {
	Clock     clock.Clock
	Transport bus.Transport
	Registry  *registry.Registry
	State     *alloc.State
	Settings  *settings.Store
	Metrics   *metrics.Metrics
	Runner    *tasks.Runner
	EnergyLog *energylog.Logger
	Hooks     Hooks

	ID         twc.ID
	Sign       byte
	DebugLevel int
}

// Engine is the bus loop. Run must be called from exactly one goroutine;
// the exported mutators are safe to call from others (they queue work the
// loop picks up at its next idle moment).
type Engine struct {
	clk    clock.Clock
	tr     bus.Transport
	rd     *frame.Reader
	reg    *registry.Registry
	st     *alloc.State
	store  *settings.Store
	met    *metrics.Metrics
	runner *tasks.Runner
	elog   *energylog.Logger
	hooks  Hooks

	readBuf []byte

	mu           sync.Mutex
	ownID        twc.ID
	sign         byte
	debugLevel   int
	pendingTx    [][]byte
	lastResponse []byte
	captureArmed bool
	overrideHB   []byte

	numInitMsgsToSend int
	timeLastTx        time.Time
	txGapUntil        time.Time
	timeLastTelemetry time.Time
	timeLastVoltPoll  time.Time
	timeLastKWh       time.Time
	timeLastKWhSaved  time.Time
	kwhDelivered      float64
	budgetWasFunded   bool
}

// New builds an Engine from its options.
func New(o Options) *Engine {
	e := &Engine{
		clk:               o.Clock,
		tr:                o.Transport,
		rd:                frame.NewReader(o.Clock),
		reg:               o.Registry,
		st:                o.State,
		store:             o.Settings,
		met:               o.Metrics,
		runner:            o.Runner,
		elog:              o.EnergyLog,
		hooks:             o.Hooks,
		readBuf:           make([]byte, 256),
		ownID:             o.ID,
		sign:              o.Sign,
		debugLevel:        o.DebugLevel,
		numInitMsgsToSend: startupBurst,
	}
	e.rd.OnError = func(err error) {
		e.met.FrameErrors.Inc()
		if e.DebugLevel() >= 9 {
			log.Printf("[master] dropped frame: %v", err)
		}
	}
	if e.store != nil {
		e.kwhDelivered = e.store.Get().KWhDelivered
		e.met.KWhDelivered.Set(e.kwhDelivered)
	}
	return e
}

// ID returns the identity this master currently claims on the bus.
func (e *Engine) ID() twc.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ownID
}

// DebugLevel returns the current log verbosity.
func (e *Engine) DebugLevel() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.debugLevel
}

// SetDebugLevel changes log verbosity at runtime (setDebugLevel IPC
// command).
func (e *Engine) SetDebugLevel(n int) {
	e.mu.Lock()
	e.debugLevel = n
	e.mu.Unlock()
}

// SetOverrideHeartbeat replaces the command block of every outgoing
// heartbeat with an operator-supplied one; nil restores normal operation.
func (e *Engine) SetOverrideHeartbeat(data []byte) {
	e.mu.Lock()
	e.overrideHB = append([]byte(nil), data...)
	if len(data) == 0 {
		e.overrideHB = nil
	}
	e.mu.Unlock()
}

// QueueRaw schedules an operator-supplied payload for transmission at the
// next idle moment and arms the response capture for
// getLastTWCMsgResponse.
func (e *Engine) QueueRaw(payload []byte) {
	e.mu.Lock()
	e.pendingTx = append(e.pendingTx, append([]byte(nil), payload...))
	e.lastResponse = nil
	e.captureArmed = true
	e.mu.Unlock()
}

// LastResponse returns the first non-periodic frame received after the most
// recent QueueRaw, or nil.
func (e *Engine) LastResponse() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.lastResponse...)
}

// KWhDelivered returns the lifetime energy counter.
func (e *Engine) KWhDelivered() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.kwhDelivered
}

// Run executes the bus loop until ctx is cancelled. Per-frame errors never
// abort the loop; an unexpected panic is logged with its stack and the loop
// resumes after a short pause.
func (e *Engine) Run(ctx context.Context) {
	log.Printf("[master] starting as TWC %s sign %02X", e.ID(), e.sign)
	for {
		select {
		case <-ctx.Done():
			e.flushKWh()
			return
		default:
		}
		e.safeTick(ctx)
	}
}

func (e *Engine) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[master] PANIC in bus loop: %v\n%s", r, debug.Stack())
			e.clk.Sleep(crashBackoff)
		}
	}()
	e.tick(ctx)
}

// tick is one pass of the loop: drain RX first, and only transmit in a
// proven-quiet moment so we never collide with a slave mid-frame.
func (e *Engine) tick(ctx context.Context) {
	n, err := e.tr.Read(e.readBuf)
	if err != nil {
		log.Printf("[master] serial read: %v", err)
		e.clk.Sleep(crashBackoff)
		return
	}
	if n > 0 {
		for _, payload := range e.rd.Feed(e.readBuf[:n]) {
			e.met.FramesRx.Inc()
			e.dispatch(payload)
		}
		return
	}

	if e.rd.DropStale() && e.DebugLevel() >= 9 {
		log.Printf("[master] partial frame timed out, dropping")
	}
	if e.rd.Partial() {
		// Mid-frame on the wire; keep listening.
		return
	}

	now := e.clk.Now()

	// Every transmission is followed by a quiet gap so the slave has room
	// to answer before we key the bus again.
	if now.Before(e.txGapUntil) {
		return
	}

	// Startup burst: announce ourselves the way a just-reset master does.
	if e.numInitMsgsToSend > 5 {
		if e.DebugLevel() >= 1 {
			log.Printf("[master] send linkready1")
		}
		e.send(twc.EncodeMasterLinkReady1(e.ID(), e.signByte()))
		e.numInitMsgsToSend--
		return
	}
	if e.numInitMsgsToSend > 0 {
		if e.DebugLevel() >= 1 {
			log.Printf("[master] send linkready2")
		}
		e.send(twc.EncodeMasterLinkReady2(e.ID(), e.signByte()))
		e.numInitMsgsToSend--
		return
	}

	// Operator diagnostics take the next idle slot.
	if raw := e.takePendingTx(); raw != nil {
		e.send(raw)
		return
	}

	e.housekeeping(ctx, now)

	if now.Sub(e.timeLastTx) < heartbeatEvery {
		return
	}
	s := e.reg.Next()
	if s == nil {
		return
	}
	if e.reg.Stale(s) {
		log.Printf("[master] WARNING: no frame from slave TWC %s for over 26 seconds, dropping it", s.ID)
		e.reg.Evict(s.ID)
		e.met.Slaves.Set(float64(e.reg.Len()))
		return
	}

	// Refresh the budget and each slave's offer before commanding.
	e.st.SetTotalAmpsInUse(e.reg.TotalAmpsActual())
	budget := e.st.Divide(now, e.reg.Sessions())
	e.met.MaxAmpsToDivide.Set(budget.Amps())
	e.met.AmpsInUse.Set(e.reg.TotalAmpsActual().Amps())
	e.noteBudgetTransition(budget)

	e.sendHeartbeat(s)
	e.accumulateKWh(now)
}

func (e *Engine) signByte() byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sign
}

func (e *Engine) takePendingTx() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pendingTx) == 0 {
		return nil
	}
	raw := e.pendingTx[0]
	e.pendingTx = e.pendingTx[1:]
	return raw
}

// send frames and transmits one payload, stamping timeLastTx.
func (e *Engine) send(payload []byte) {
	if _, err := e.tr.Write(frame.Encode(payload)); err != nil {
		log.Printf("[master] serial write: %v", err)
		return
	}
	e.met.FramesTx.Inc()
	e.timeLastTx = e.clk.Now()
	e.txGapUntil = e.timeLastTx.Add(interTxGap)
	if e.DebugLevel() >= 9 {
		log.Printf("[master] tx %s", hex.EncodeToString(payload))
	}
}

func (e *Engine) sendHeartbeat(s *registry.Session) {
	e.mu.Lock()
	override := e.overrideHB
	e.mu.Unlock()

	if override != nil {
		e.send(twc.EncodeMasterHeartbeatRaw(e.ID(), s.ID, override, s.ProtocolVersion))
		return
	}

	cmd, amps := s.HeartbeatCommand()
	e.send(twc.EncodeMasterHeartbeat(e.ID(), s.ID, cmd, amps, s.ProtocolVersion))
}

// housekeeping runs the periodic off-heartbeat duties: telemetry polls,
// voltage queries, the resume-green-energy hour, and the energy log.
func (e *Engine) housekeeping(ctx context.Context, now time.Time) {
	if e.hooks.PollTelemetry != nil && now.Sub(e.timeLastTelemetry) >= telemetryEvery {
		e.timeLastTelemetry = now
		e.runner.Enqueue("checkGreenEnergy", e.hooks.PollTelemetry)
	}

	if now.Sub(e.timeLastVoltPoll) >= voltagePollEvery {
		e.timeLastVoltPoll = now
		for _, s := range e.reg.Sessions() {
			if s.ProtocolVersion == twc.ProtocolV2 {
				e.mu.Lock()
				e.pendingTx = append(e.pendingTx, twc.EncodeVoltageRequest(e.ownID, s.ID))
				e.mu.Unlock()
			}
		}
	}

	if e.st.ResumeGreenEnergyDue(now) && e.store != nil {
		p := e.st.GetPolicy()
		if err := e.store.Update(func(v *settings.Values) {
			v.NonScheduledAmpsMax = p.NonScheduledAmpsMax
		}); err != nil {
			log.Printf("[master] settings save: %v", err)
		}
	}

	if e.elog != nil {
		e.elog.Record(energylog.Snapshot{
			Generation:   e.st.Generation(),
			Consumption:  e.st.Consumption(),
			ChargerLoad:  e.st.ChargerLoad(),
			BudgetAmps:   e.st.MaxAmpsToDivide().Amps(),
			AmpsInUse:    e.reg.TotalAmpsActual().Amps(),
			Slaves:       e.reg.Len(),
			CarsCharging: e.reg.NumCharging(),
			KWhDelivered: e.KWhDelivered(),
		})
	}
}

// noteBudgetTransition nudges the vehicle API when the budget crosses the
// per-slave minimum in either direction.
func (e *Engine) noteBudgetTransition(budget twc.Centiamps) {
	funded := budget >= e.st.MinAmpsPerTWC() && e.reg.Len() > 0
	if funded == e.budgetWasFunded {
		return
	}
	e.budgetWasFunded = funded
	switch {
	case funded && e.hooks.StartCharging != nil:
		e.runner.Enqueue("charge", e.hooks.StartCharging)
	case !funded && e.hooks.StopCharging != nil:
		e.runner.Enqueue("charge", e.hooks.StopCharging)
	}
}

// accumulateKWh integrates delivered energy from the fleet's actual draw and
// persists the counter at a gentle cadence.
func (e *Engine) accumulateKWh(now time.Time) {
	if e.timeLastKWh.IsZero() {
		e.timeLastKWh = now
		e.timeLastKWhSaved = now
		return
	}
	dt := now.Sub(e.timeLastKWh)
	e.timeLastKWh = now

	amps := e.reg.TotalAmpsActual().Amps()
	kwh := amps * lineVolts / 1000 * dt.Hours()

	e.mu.Lock()
	e.kwhDelivered += kwh
	total := e.kwhDelivered
	e.mu.Unlock()
	e.met.KWhDelivered.Set(total)

	if now.Sub(e.timeLastKWhSaved) >= settingsSaveEvery {
		e.timeLastKWhSaved = now
		e.flushKWh()
	}
}

func (e *Engine) flushKWh() {
	if e.store == nil {
		return
	}
	total := e.KWhDelivered()
	if err := e.store.Update(func(v *settings.Values) { v.KWhDelivered = total }); err != nil {
		log.Printf("[master] settings save: %v", err)
	}
}

// reseedIdentity picks a fresh random ID and sign after seeing our own ID
// used by another device, then re-announces.
func (e *Engine) reseedIdentity() {
	e.mu.Lock()
	old := e.ownID
	e.ownID = twc.RandomID()
	for e.ownID == old {
		e.ownID = twc.RandomID()
	}
	e.sign = twc.RandomSign()
	id, sign := e.ownID, e.sign
	e.mu.Unlock()

	log.Printf("[master] WARNING: another device is using our TWCID %s; reseeding as %s sign %02X", old, id, sign)
	e.numInitMsgsToSend = startupBurst
}

func (e *Engine) dispatch(payload []byte) {
	msg, err := twc.Parse(payload)
	if err != nil {
		e.met.FrameErrors.Inc()
		log.Printf("[master] ERROR: ignoring message of unexpected length %d: %s",
			len(payload), hex.EncodeToString(payload))
		return
	}

	if sender, ok := msg.Sender(); ok && sender == e.ID() {
		e.reseedIdentity()
		return
	}

	e.maybeCapture(msg, payload)

	switch m := msg.(type) {
	case twc.SlaveLinkReady:
		e.handleSlaveLinkReady(m)

	case twc.SlaveHeartbeat:
		e.handleSlaveHeartbeat(m)

	case twc.MasterLinkReady1, twc.MasterLinkReady2:
		log.Printf("[master] ERROR: another master is on this bus. A TWC's rotary switch " +
			"must point to F so TWCManager can control it; fix the conflicting device.")

	case twc.MasterHeartbeat:
		// Another master commanding a slave we know: retain the block
		// for diagnostics and the slave impersonation path.
		if s, ok := e.reg.Get(m.To); ok {
			s.NoteMasterHeartbeat(m.Data)
		}

	case twc.VoltageReport:
		if e.DebugLevel() >= 1 {
			log.Printf("[master] TWC %s reports %d kWh, %dV %dV %dV",
				m.From, m.KWh, m.VoltsA, m.VoltsB, m.VoltsC)
		}

	case twc.VINReport:
		if e.DebugLevel() >= 1 {
			log.Printf("[master] TWC %s reports VIN tail %q", m.From, string(m.VIN[:]))
		}

	case twc.IdlePing:
		if e.DebugLevel() >= 1 {
			log.Printf("[master] received 2-hour idle ping")
		}

	case twc.VoltageRequest:
		if e.DebugLevel() >= 8 {
			log.Printf("[master] voltage request from %s", m.From)
		}

	case twc.Unknown:
		log.Printf("[master] UNKNOWN message: %s", hex.EncodeToString(m.Raw))
	}
}

func (e *Engine) handleSlaveLinkReady(m twc.SlaveLinkReady) {
	s, created := e.reg.FindOrCreate(m.From, m.Sign, m.MaxAmps, m.Version)
	s.Touch(e.clk.Now())
	if created {
		log.Printf("[master] %s amp slave TWC %s is ready to link, sign %02X, protocol %d",
			m.MaxAmps, m.From, m.Sign, s.ProtocolVersion)
		e.met.Slaves.Set(float64(e.reg.Len()))
	}
	// Answer right away; the slave keeps broadcasting until heartbeated.
	e.sendHeartbeat(s)
}

func (e *Engine) handleSlaveHeartbeat(m twc.SlaveHeartbeat) {
	s, ok := e.reg.Get(m.From)
	if !ok {
		log.Printf("[master] ERROR: heartbeat from slave TWC %s that never sent link-ready", m.From)
		return
	}
	if m.To != e.ID() {
		if e.DebugLevel() >= 1 {
			log.Printf("[master] WARNING: slave TWC %s sent status to unknown TWC %s", m.From, m.To)
		}
		return
	}
	s.NoteHeartbeat(m.State, m.AmpsMax, m.AmpsActual, e.clk.Now())

	if e.DebugLevel() >= 8 {
		log.Printf("[master] SHB %s: state %02X max %s actual %s",
			m.From, m.State, m.AmpsMax, m.AmpsActual)
	}
	if m.State == registry.StateAskingStop && e.DebugLevel() >= 1 {
		log.Printf("[master] slave TWC %s asks to stop charging", m.From)
	}
}

// maybeCapture stores the first non-periodic inbound frame after an
// operator sendTWCMsg, for getLastTWCMsgResponse.
func (e *Engine) maybeCapture(msg twc.Message, payload []byte) {
	switch msg.(type) {
	case twc.MasterHeartbeat, twc.SlaveHeartbeat, twc.MasterLinkReady1,
		twc.MasterLinkReady2, twc.SlaveLinkReady, twc.VoltageRequest,
		twc.VoltageReport:
		return
	}
	e.mu.Lock()
	if e.captureArmed {
		e.lastResponse = append([]byte(nil), payload...)
		e.captureArmed = false
	}
	e.mu.Unlock()
}

// DumpState renders the loop's internals for the dumpState IPC command.
func (e *Engine) DumpState() string {
	e.mu.Lock()
	id, sign, dbg := e.ownID, e.sign, e.debugLevel
	kwh := e.kwhDelivered
	e.mu.Unlock()

	out := fmt.Sprintf("twcid=%s, sign=%02X, debugLevel=%d, kWhDelivered=%.3f, budget=%s, slaves=%d\n",
		id, sign, dbg, kwh, e.st.MaxAmpsToDivide(), e.reg.Len())
	for _, s := range e.reg.Sessions() {
		out += fmt.Sprintf("slave %s: protocol=%d max=%s wiring=%s offered=%s actual=%s state=%02X lastRx=%s\n",
			s.ID, s.ProtocolVersion, s.MaxAmps, s.WiringMaxAmps,
			s.OfferedAmps(), s.ReportedAmps(), s.ReportedState(),
			s.LastRx().Format(time.RFC3339))
	}
	return out
}
