// Package registry tracks the slave TWCs bonded to this master: per-slave
// session state, the heartbeat command machine, and the ordered round-robin
// set with its lifecycle rules.
package registry

import (
	"sync"
	"time"

	"github.com/shaunagostinho/twcmaster/internal/twc"
)

// Master heartbeat command codes the allocator drives.
const (
	CmdSteady    = 0x00 // hold the current offer
	CmdStop      = 0x05 // wind the slave down to zero
	CmdNewTarget = 0x09 // set a new offer, slave ramps
)

// Slave heartbeat status codes the controller recognizes.
const (
	StateIdle        = 0x00
	StateReady       = 0x04
	StateAskingStop  = 0x05
	StateCharging    = 0x08
	StateNewLimitAck = 0x09
)

// Spike offers used to cancel the vehicle-side 6 A clamp: 21 A for chargers
// advertising 80 A or more (US hardware), 16 A otherwise (EU hardware).
const (
	spikeAmpsUS twc.Centiamps = 2100
	spikeAmpsEU twc.Centiamps = 1600
)

// chargingFloor: a slave reporting at least 1 A actual is counted as a car
// charging.
const chargingFloor twc.Centiamps = 100

// Session is the per-slave state kept from first link-ready until idle
// eviction. The embedded mutex guards the mutable fields shared between the
// bus loop and the allocator.
type Session struct {
	ID   twc.ID
	Sign byte

	// Recorded once from the first link-ready and never downgraded.
	ProtocolVersion int
	MinAmps         twc.Centiamps

	// MaxAmps is the slave's advertised hardware ceiling; WiringMaxAmps is
	// the operator's per-outlet wiring limit, capped to MaxAmps.
	MaxAmps       twc.Centiamps
	WiringMaxAmps twc.Centiamps

	mu                 sync.Mutex
	lastAmpsOffered    twc.Centiamps
	reportedAmpsActual twc.Centiamps
	reportedAmpsMax    twc.Centiamps
	reportedState      byte
	timeLastRx         time.Time

	// MasterHeartbeatData is the command block most recently addressed to
	// this ID by a master on the bus; retained for the slave
	// impersonation mode.
	masterHeartbeatData []byte

	// Heartbeat command machine. spikeArmed is set whenever the offer sits
	// at zero so the next resume leads with the clamp-cancelling spike;
	// lastAmpsSent is what the previous heartbeat actually carried.
	spikeArmed   bool
	lastAmpsSent twc.Centiamps
}

func newSession(id twc.ID, sign byte, maxAmps twc.Centiamps, version int, now time.Time) *Session {
	return &Session{
		ID:              id,
		Sign:            sign,
		ProtocolVersion: version,
		MinAmps:         twc.MinAmpsForVersion(version),
		MaxAmps:         maxAmps,
		WiringMaxAmps:   maxAmps,
		timeLastRx:      now,
		spikeArmed:      true,
	}
}

// Touch records traffic from this slave.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.timeLastRx = now
	s.mu.Unlock()
}

// LastRx returns the time of the last frame seen from this slave.
func (s *Session) LastRx() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeLastRx
}

// NoteHeartbeat applies a slave heartbeat's status block.
func (s *Session) NoteHeartbeat(state byte, ampsMax, ampsActual twc.Centiamps, now time.Time) {
	s.mu.Lock()
	s.reportedState = state
	s.reportedAmpsMax = ampsMax
	s.reportedAmpsActual = ampsActual
	s.timeLastRx = now
	s.mu.Unlock()
}

// NoteMasterHeartbeat retains a command block some master sent to this ID.
func (s *Session) NoteMasterHeartbeat(data []byte) {
	s.mu.Lock()
	s.masterHeartbeatData = append(s.masterHeartbeatData[:0], data...)
	s.mu.Unlock()
}

// MasterHeartbeatData returns a copy of the last command block addressed to
// this ID.
func (s *Session) MasterHeartbeatData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte{}, s.masterHeartbeatData...)
}

// ReportedAmps returns the slave's current actual draw.
func (s *Session) ReportedAmps() twc.Centiamps {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reportedAmpsActual
}

// ReportedState returns the slave's last status code.
func (s *Session) ReportedState() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reportedState
}

// Charging reports whether a car is actively drawing through this slave.
func (s *Session) Charging() bool {
	return s.ReportedAmps() >= chargingFloor
}

// OfferedAmps returns the amperage currently commanded to this slave.
func (s *Session) OfferedAmps() twc.Centiamps {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAmpsOffered
}

// SetOfferedAmps records the allocator's decision, clamped into
// [0, min(MaxAmps, WiringMaxAmps)].
func (s *Session) SetOfferedAmps(a twc.Centiamps) {
	limit := s.MaxAmps
	if s.WiringMaxAmps < limit {
		limit = s.WiringMaxAmps
	}
	if a > limit {
		a = limit
	}
	if a < 0 {
		a = 0
	}
	s.mu.Lock()
	s.lastAmpsOffered = a
	s.mu.Unlock()
}

// SpikeAmps returns the clamp-cancelling offer for this slave's hardware.
func (s *Session) SpikeAmps() twc.Centiamps {
	if s.MaxAmps >= 8000 {
		return spikeAmpsUS
	}
	return spikeAmpsEU
}

// HeartbeatCommand advances the per-slave command machine one heartbeat and
// returns the status byte and amps field to transmit.
//
// Resuming from a 0 A offer transmits the spike value for exactly one cycle
// before the real target; a slave still drawing against a 0 A offer is told
// to stop; an unchanged offer is re-sent as steady state.
func (s *Session) HeartbeatCommand() (byte, twc.Centiamps) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offered := s.lastAmpsOffered

	if offered == 0 {
		s.spikeArmed = true
		s.lastAmpsSent = 0
		if s.reportedAmpsActual >= chargingFloor {
			return CmdStop, 0
		}
		return CmdSteady, 0
	}

	if s.spikeArmed {
		s.spikeArmed = false
		spike := s.SpikeAmps()
		s.lastAmpsSent = spike
		return CmdNewTarget, spike
	}

	if offered != s.lastAmpsSent {
		s.lastAmpsSent = offered
		return CmdNewTarget, offered
	}

	return CmdSteady, offered
}
