// Package alloc turns generation/consumption telemetry and time-of-day
// policy into an amperage budget and distributes it across the bonded
// slaves. One mutex guards all mutable state; the bus loop and the
// background task runner both go through it.
package alloc

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shaunagostinho/twcmaster/internal/registry"
	"github.com/shaunagostinho/twcmaster/internal/twc"
)

// lineVolts is the nominal charging voltage used to convert watts to amps.
const lineVolts = 240

// Policy is the schedule portion of the allocator's inputs. Amp limits of -1
// mean unset; the policy chain falls through to the next branch.
type Policy struct {
	NonScheduledAmpsMax        int
	ScheduledAmpsMax           int
	ScheduledStartHour         float64
	ScheduledEndHour           float64
	ScheduledDaysBitmap        int
	HourResumeTrackGreenEnergy float64
}

// State holds everything the budget computation reads and writes.
type State struct {
	clk clock.Clock

	mu          sync.Mutex
	generation  map[string]float64
	consumption map[string]float64

	subtractChargerLoad bool
	wiringMaxAll        twc.Centiamps
	minAmpsPerTWC       twc.Centiamps

	totalAmpsInUse  twc.Centiamps
	maxAmpsToDivide twc.Centiamps

	policy Policy

	chargeNowAmps    twc.Centiamps
	chargeNowTimeEnd time.Time

	// PermitFn, when set, filters which slaves may charge (multi-car home
	// rule). Nil permits every slave.
	PermitFn func(*registry.Session) bool
}

// NewState creates allocator state with the operator's wiring limits.
func NewState(clk clock.Clock, wiringMaxAll, minPerTWC twc.Centiamps, subtractChargerLoad bool) *State {
	return &State{
		clk:                 clk,
		generation:          make(map[string]float64),
		consumption:         make(map[string]float64),
		subtractChargerLoad: subtractChargerLoad,
		wiringMaxAll:        wiringMaxAll,
		minAmpsPerTWC:       minPerTWC,
		policy: Policy{
			NonScheduledAmpsMax:        -1,
			ScheduledAmpsMax:           -1,
			ScheduledStartHour:         -1,
			ScheduledEndHour:           -1,
			ScheduledDaysBitmap:        0x7F,
			HourResumeTrackGreenEnergy: -1,
		},
	}
}

// SetGeneration records one source's generation sample in watts.
func (st *State) SetGeneration(source string, watts float64) {
	st.mu.Lock()
	st.generation[source] = watts
	st.mu.Unlock()
}

// SetConsumption records one source's consumption sample in watts.
func (st *State) SetConsumption(source string, watts float64) {
	st.mu.Lock()
	st.consumption[source] = watts
	st.mu.Unlock()
}

// SetTotalAmpsInUse stores the sum of actual draw across the fleet,
// recomputed by the bus loop each tick.
func (st *State) SetTotalAmpsInUse(a twc.Centiamps) {
	st.mu.Lock()
	st.totalAmpsInUse = a
	st.mu.Unlock()
}

// SetPolicy replaces the schedule policy.
func (st *State) SetPolicy(p Policy) {
	st.mu.Lock()
	st.policy = p
	st.mu.Unlock()
}

// GetPolicy returns the current schedule policy.
func (st *State) GetPolicy() Policy {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.policy
}

// ChargeNow overrides the budget with a fixed amperage until the deadline.
func (st *State) ChargeNow(amps twc.Centiamps, d time.Duration) {
	st.mu.Lock()
	st.chargeNowAmps = amps
	st.chargeNowTimeEnd = st.clk.Now().Add(d)
	st.mu.Unlock()
}

// CancelChargeNow clears the override.
func (st *State) CancelChargeNow() {
	st.mu.Lock()
	st.chargeNowAmps = 0
	st.chargeNowTimeEnd = time.Time{}
	st.mu.Unlock()
}

// ChargeNowAmps returns the active override, or 0 when none.
func (st *State) ChargeNowAmps() twc.Centiamps {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.clk.Now().Before(st.chargeNowTimeEnd) {
		return st.chargeNowAmps
	}
	return 0
}

// MaxAmpsToDivide returns the last computed budget.
func (st *State) MaxAmpsToDivide() twc.Centiamps {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.maxAmpsToDivide
}

// WiringMaxAll returns the aggregate wiring ceiling.
func (st *State) WiringMaxAll() twc.Centiamps { return st.wiringMaxAll }

// MinAmpsPerTWC returns the per-slave minimum offer.
func (st *State) MinAmpsPerTWC() twc.Centiamps { return st.minAmpsPerTWC }

// Generation sums the generation sources, floored at zero.
func (st *State) Generation() float64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.generationLocked()
}

func (st *State) generationLocked() float64 {
	var w float64
	for _, v := range st.generation {
		w += v
	}
	if w < 0 {
		w = 0
	}
	return w
}

// Consumption sums the consumption sources, floored at zero.
func (st *State) Consumption() float64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.consumptionLocked()
}

func (st *State) consumptionLocked() float64 {
	var w float64
	for _, v := range st.consumption {
		w += v
	}
	if w < 0 {
		w = 0
	}
	return w
}

// ChargerLoad returns the watts the fleet itself is drawing.
func (st *State) ChargerLoad() float64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.totalAmpsInUse.Amps() * lineVolts
}

// greenBudgetLocked converts surplus generation into centiamps.
func (st *State) greenBudgetLocked() twc.Centiamps {
	offset := st.consumptionLocked()
	if st.subtractChargerLoad {
		offset -= st.totalAmpsInUse.Amps() * lineVolts
	}
	if offset < 0 {
		offset = 0
	}
	surplus := st.generationLocked() - offset
	if surplus < 0 {
		surplus = 0
	}
	return twc.FromAmps(surplus / lineVolts)
}

// Budget evaluates the policy chain at now and returns the amperage budget,
// clamped to the aggregate wiring ceiling. Precedence: chargeNow override,
// then the scheduled window, then nonScheduledAmpsMax, then green energy.
func (st *State) Budget(now time.Time) twc.Centiamps {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.budgetLocked(now)
}

func (st *State) budgetLocked(now time.Time) twc.Centiamps {
	var budget twc.Centiamps
	switch {
	case now.Before(st.chargeNowTimeEnd):
		budget = st.chargeNowAmps
	case st.policy.inScheduledWindow(now):
		budget = twc.FromAmps(float64(st.policy.ScheduledAmpsMax))
	case st.policy.NonScheduledAmpsMax >= 0:
		budget = twc.FromAmps(float64(st.policy.NonScheduledAmpsMax))
	default:
		budget = st.greenBudgetLocked()
	}

	if budget > st.wiringMaxAll {
		budget = st.wiringMaxAll
	}
	if budget < 0 {
		budget = 0
	}
	st.maxAmpsToDivide = budget
	return budget
}

// inScheduledWindow reports whether now falls inside the scheduled-amps
// window. A window whose start is after its end wraps past midnight; the
// after-midnight portion checks the previous day's bit.
func (p Policy) inScheduledWindow(now time.Time) bool {
	if p.ScheduledAmpsMax < 0 || p.ScheduledStartHour < 0 || p.ScheduledEndHour < 0 {
		return false
	}
	hour := float64(now.Hour()) + float64(now.Minute())/60
	// Bit 0 is Monday, matching the settings file's daysBitmap.
	dayBit := func(t time.Time) int {
		return (int(t.Weekday()) + 6) % 7
	}

	if p.ScheduledStartHour <= p.ScheduledEndHour {
		return hour >= p.ScheduledStartHour && hour < p.ScheduledEndHour &&
			p.ScheduledDaysBitmap&(1<<dayBit(now)) != 0
	}
	if hour >= p.ScheduledStartHour {
		return p.ScheduledDaysBitmap&(1<<dayBit(now)) != 0
	}
	if hour < p.ScheduledEndHour {
		return p.ScheduledDaysBitmap&(1<<dayBit(now.AddDate(0, 0, -1))) != 0
	}
	return false
}

// Divide computes the budget and writes each session's offer. It returns the
// budget. Every write happens under this State's lock so a replay of the
// same inputs produces the same offers.
func (st *State) Divide(now time.Time, sessions []*registry.Session) twc.Centiamps {
	st.mu.Lock()
	defer st.mu.Unlock()
	budget := st.budgetLocked(now)

	permitted := sessions
	if st.PermitFn != nil {
		permitted = permitted[:0:0]
		for _, s := range sessions {
			if st.PermitFn(s) {
				permitted = append(permitted, s)
			}
		}
	}

	if len(permitted) == 0 {
		for _, s := range sessions {
			s.SetOfferedAmps(0)
		}
		return budget
	}

	minAmps := st.minAmpsPerTWC
	share := budget / twc.Centiamps(len(permitted))

	if share < minAmps {
		// Not enough for everyone at the minimum. Fund as many as the
		// budget covers, cars already charging first, round-robin
		// order within each group.
		funded := int(budget / minAmps)
		if budget < minAmps {
			funded = 0
		}
		order := make([]*registry.Session, 0, len(permitted))
		for _, s := range permitted {
			if s.Charging() {
				order = append(order, s)
			}
		}
		for _, s := range permitted {
			if !s.Charging() {
				order = append(order, s)
			}
		}
		for i, s := range order {
			if i < funded {
				s.SetOfferedAmps(minAmps)
			} else {
				s.SetOfferedAmps(0)
			}
		}
	} else {
		for _, s := range permitted {
			s.SetOfferedAmps(share.RoundDownTenth())
		}
	}

	// Slaves filtered out by the permit rule are parked at zero.
	if len(permitted) != len(sessions) {
		allowed := make(map[*registry.Session]bool, len(permitted))
		for _, s := range permitted {
			allowed[s] = true
		}
		for _, s := range sessions {
			if !allowed[s] {
				s.SetOfferedAmps(0)
			}
		}
	}

	return budget
}

// ResumeGreenEnergyDue reports whether the resume-tracking hour has arrived
// and, if so, clears nonScheduledAmpsMax so green tracking resumes. The
// caller persists the changed policy.
func (st *State) ResumeGreenEnergyDue(now time.Time) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	h := st.policy.HourResumeTrackGreenEnergy
	if h < 0 || st.policy.NonScheduledAmpsMax < 0 {
		return false
	}
	hour := float64(now.Hour()) + float64(now.Minute())/60
	if hour < h || hour >= h+1.0/60 {
		return false
	}
	log.Printf("[alloc] resuming green energy tracking (scheduled for %02d:%02d)", int(h), int(h*60)%60)
	st.policy.NonScheduledAmpsMax = -1
	return true
}
