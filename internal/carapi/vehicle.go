package carapi

import (
	"time"
)

// WakeState is the per-vehicle wake machine: Idle until a wake is needed,
// Waking while attempts are being paced out, Online once the car answers.
type WakeState int

const (
	Idle WakeState = iota
	Waking
	Online
)

func (s WakeState) String() string {
	switch s {
	case Waking:
		return "waking"
	case Online:
		return "online"
	}
	return "idle"
}

// Vehicle is one car on the account.
type Vehicle struct {
	ID int64

	State            WakeState
	FirstWakeAttempt time.Time
	LastWakeAttempt  time.Time
	NextWakeDelay    time.Duration

	LastErrorTime time.Time

	// StopAskingToStartCharging latches when the car declines a start
	// command (already full, or already charging); cleared when the budget next
	// rises from zero.
	StopAskingToStartCharging bool

	Lat, Lon float64
}

// Ready reports whether the car can take commands: it is online, or its last
// successful wake was under two minutes ago.
func (v *Vehicle) Ready(now time.Time) bool {
	if v.State == Online {
		return true
	}
	return !v.LastWakeAttempt.IsZero() && now.Sub(v.LastWakeAttempt) < 2*time.Minute && v.NextWakeDelay == 0
}

// wakeDelay returns how long to wait before the next wake attempt, given how
// long we have been trying: every 30 s for the first 10 minutes, every 5
// minutes up to 70 minutes, every 15 minutes beyond that.
func wakeDelay(sinceFirst time.Duration) time.Duration {
	switch {
	case sinceFirst <= 10*time.Minute:
		return 30 * time.Second
	case sinceFirst <= 70*time.Minute:
		return 5 * time.Minute
	default:
		return 15 * time.Minute
	}
}

// wakeFailureAfter is how long a car may resist waking before we surface a
// fatal "can't wake" log.
const wakeFailureAfter = time.Hour
