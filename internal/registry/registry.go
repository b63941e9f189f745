package registry

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shaunagostinho/twcmaster/internal/twc"
)

// maxSlaves bounds the registry. Real installations share at most a handful
// of chargers on one bus; past this the oldest entry is dropped.
const maxSlaves = 3

// idleEviction is how long a slave may stay silent before we stop
// heartbeating it, matching real master behavior.
const idleEviction = 26 * time.Second

// Registry is the ordered set of bonded slaves. Insertion order is the
// round-robin heartbeat order; the map gives O(1) lookup. Both views always
// hold exactly the same sessions.
type Registry struct {
	clk clock.Clock

	mu           sync.Mutex
	ordered      []*Session
	byID         map[twc.ID]*Session
	cursor       int
	wiringPerTWC twc.Centiamps
}

// New creates an empty registry. wiringPerTWC is the operator's per-outlet
// wiring ceiling applied to every new session.
func New(clk clock.Clock, wiringPerTWC twc.Centiamps) *Registry {
	return &Registry{
		clk:          clk,
		byID:         make(map[twc.ID]*Session),
		wiringPerTWC: wiringPerTWC,
	}
}

// Len returns the number of bonded slaves.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ordered)
}

// Get looks a session up by ID.
func (r *Registry) Get(id twc.ID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

// FindOrCreate returns the session for id, creating it from a link-ready if
// unseen. The second return reports whether a new session was created. When
// a fourth slave appears the oldest is evicted first.
func (r *Registry) FindOrCreate(id twc.ID, sign byte, maxAmps twc.Centiamps, version int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.byID[id]; ok {
		return s, false
	}

	s := newSession(id, sign, maxAmps, version, r.clk.Now())
	if r.wiringPerTWC > 0 && r.wiringPerTWC <= maxAmps {
		s.WiringMaxAmps = r.wiringPerTWC
	} else if r.wiringPerTWC > maxAmps {
		// The operator claims more wiring capacity than the charger
		// itself advertises. Assume the config is wrong and fall back
		// to a quarter of the hardware limit until it is fixed.
		log.Printf("[registry] DANGER: wiringMaxAmpsPerTWC %s exceeds the %s limit advertised by TWC %s; clamping to %s",
			r.wiringPerTWC, maxAmps, id, (maxAmps / 4))
		s.WiringMaxAmps = maxAmps / 4
	}

	r.ordered = append(r.ordered, s)
	r.byID[id] = s

	if len(r.ordered) > maxSlaves {
		oldest := r.ordered[0]
		log.Printf("[registry] WARNING: more than %d slave TWCs on the bus, dropping oldest %s", maxSlaves, oldest.ID)
		r.evictLocked(oldest.ID)
	}
	return s, true
}

// Evict removes a session from both views and renormalizes the round-robin
// cursor.
func (r *Registry) Evict(id twc.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(id)
}

func (r *Registry) evictLocked(id twc.ID) {
	for i, s := range r.ordered {
		if s.ID == id {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			if r.cursor > i {
				r.cursor--
			}
			break
		}
	}
	delete(r.byID, id)
	if len(r.ordered) == 0 {
		r.cursor = 0
	} else if r.cursor >= len(r.ordered) {
		r.cursor = 0
	}
}

// Next returns the session due the next heartbeat and advances the cursor,
// or nil when the registry is empty.
func (r *Registry) Next() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ordered) == 0 {
		return nil
	}
	if r.cursor >= len(r.ordered) {
		r.cursor = 0
	}
	s := r.ordered[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.ordered)
	return s
}

// Sessions returns a snapshot of the sessions in round-robin order.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Stale reports whether a session has been silent past the eviction window.
func (r *Registry) Stale(s *Session) bool {
	return r.clk.Now().Sub(s.LastRx()) > idleEviction
}

// TotalAmpsActual sums the actual draw every bonded slave reports.
func (r *Registry) TotalAmpsActual() twc.Centiamps {
	var total twc.Centiamps
	for _, s := range r.Sessions() {
		total += s.ReportedAmps()
	}
	return total
}

// NumCharging counts slaves with a car actively drawing.
func (r *Registry) NumCharging() int {
	n := 0
	for _, s := range r.Sessions() {
		if s.Charging() {
			n++
		}
	}
	return n
}
