package bus

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shaunagostinho/twcmaster/internal/frame"
	"github.com/shaunagostinho/twcmaster/internal/twc"
)

// SimBus emulates a single slave TWC behind the Transport interface for
// hardware-free development. It answers link-ready bursts with a slave
// link-ready, replies to every master heartbeat, and ramps its reported
// current toward whatever the master offers.
type SimBus struct {
	mu  sync.Mutex
	clk clock.Clock

	id      twc.ID
	sign    byte
	maxAmps twc.Centiamps
	version int

	rd     *frame.Reader
	out    []byte
	bonded bool
	last   time.Time // last link-ready broadcast

	state  byte
	target twc.Centiamps
	actual twc.Centiamps
}

// rampStep bounds how fast the simulated vehicle changes its draw per
// heartbeat.
const rampStep twc.Centiamps = 400

// NewSimBus creates a simulated slave with the given identity. A zero id
// gets a fixed default so demo runs are reproducible.
func NewSimBus(clk clock.Clock, id twc.ID, maxAmps twc.Centiamps) *SimBus {
	if id == (twc.ID{}) {
		id = twc.ID{0xAB, 0xCD}
	}
	version := twc.ProtocolV1
	if maxAmps == 0 {
		maxAmps = 8000
	}
	return &SimBus{
		clk:     clk,
		id:      id,
		sign:    0x77,
		maxAmps: maxAmps,
		version: version,
		rd:      frame.NewReader(clk),
	}
}

// Read hands the master any queued reply bytes, or broadcasts a link-ready
// every 10 s while unbonded, mimicking a real slave waiting for a master.
func (s *SimBus) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.out) == 0 && !s.bonded && s.clk.Now().Sub(s.last) >= 10*time.Second {
		s.last = s.clk.Now()
		s.queue(twc.EncodeSlaveLinkReady(s.id, s.sign, s.maxAmps, s.version))
	}
	if len(s.out) == 0 {
		s.mu.Unlock()
		// Pace the caller like a serial port read timeout would. This
		// is a real sleep on purpose: the sim may run against a mock
		// clock nobody advances.
		time.Sleep(idleReadTimeout)
		return 0, nil
	}
	n := copy(p, s.out)
	s.out = s.out[n:]
	s.mu.Unlock()
	return n, nil
}

func (s *SimBus) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, payload := range s.rd.Feed(p) {
		msg, err := twc.Parse(payload)
		if err != nil {
			continue
		}
		s.handle(msg)
	}
	return len(p), nil
}

func (s *SimBus) Close() error { return nil }

func (s *SimBus) handle(msg twc.Message) {
	switch m := msg.(type) {
	case twc.MasterLinkReady1, twc.MasterLinkReady2:
		s.last = s.clk.Now()
		s.queue(twc.EncodeSlaveLinkReady(s.id, s.sign, s.maxAmps, s.version))

	case twc.MasterHeartbeat:
		if m.To != s.id {
			return
		}
		s.bonded = true
		s.applyCommand(m.Data)
		s.queue(twc.EncodeSlaveHeartbeat(s.id, m.From, s.state, s.target, s.actual, s.version))

	case twc.VoltageRequest:
		if m.To != s.id {
			return
		}
		s.queue(twc.EncodeVoltageReport(s.id, 56, 240, 0, 0))
	}
}

// applyCommand mirrors how a real slave reacts to the master command block:
// 05 winds the draw down to zero, 09 sets a new target, 00 holds steady.
func (s *SimBus) applyCommand(data []byte) {
	cmd := data[0]
	amps := twc.Centiamps(int(data[1])<<8 | int(data[2]))
	switch cmd {
	case 0x05:
		s.target = 0
	case 0x09, 0x00:
		if amps > s.maxAmps {
			amps = s.maxAmps
		}
		s.target = amps
	}

	switch {
	case s.actual < s.target:
		s.actual += rampStep
		if s.actual > s.target {
			s.actual = s.target
		}
	case s.actual > s.target:
		s.actual -= rampStep
		if s.actual < s.target {
			s.actual = s.target
		}
	}

	if s.actual > 0 {
		s.state = 0x08 // charging
	} else if s.target > 0 {
		s.state = 0x09 // accepted new limit, not drawing yet
	} else {
		s.state = 0x00
	}
}

func (s *SimBus) queue(payload []byte) {
	s.out = append(s.out, frame.Encode(payload)...)
}
