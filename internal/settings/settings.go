// Package settings persists the durable operator state: schedule limits,
// the delivered-kWh counter, vehicle API credentials, and the home
// location. The file is plain key=value text so it can be inspected and
// edited by hand; unknown keys warn and are kept out, a missing file is not
// an error.
package settings

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Values is the durable subset of controller state.
type Values struct {
	NonScheduledAmpsMax        int
	ScheduledAmpsMax           int
	ScheduledAmpsStartHour     float64
	ScheduledAmpsEndHour       float64
	ScheduledAmpsDaysBitmap    int
	HourResumeTrackGreenEnergy float64
	KWhDelivered               float64
	CarApiBearerToken          string
	CarApiRefreshToken         string
	CarApiTokenExpireTime      int64
	HomeLat                    float64
	HomeLon                    float64
}

// Defaults returns the values used when the settings file does not exist.
// Amp limits and hours default to -1 (unset); the days bitmap enables all
// seven days; the home location is parked far off the globe until the
// vehicle API fills it in.
func Defaults() Values {
	return Values{
		NonScheduledAmpsMax:        -1,
		ScheduledAmpsMax:           -1,
		ScheduledAmpsStartHour:     -1,
		ScheduledAmpsEndHour:       -1,
		ScheduledAmpsDaysBitmap:    0x7F,
		HourResumeTrackGreenEnergy: -1,
		HomeLat:                    10000,
		HomeLon:                    10000,
	}
}

// Store serializes access to the values and their file.
type Store struct {
	mu     sync.Mutex
	path   string
	values Values

	// selfWrites counts saves so the fsnotify watcher can tell our own
	// writes from external edits.
	selfWrites int
}

// NewStore creates a store bound to path, loaded with defaults.
func NewStore(path string) *Store {
	return &Store{path: path, values: Defaults()}
}

// Get returns a copy of the current values.
func (s *Store) Get() Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values
}

// Update applies fn to the values under the lock and saves the result.
func (s *Store) Update(fn func(*Values)) error {
	s.mu.Lock()
	fn(&s.values)
	s.mu.Unlock()
	return s.Save()
}

// Load reads the settings file. A missing file leaves the defaults in
// place; a malformed line or unknown key is warned about and skipped.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("settings: read %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			log.Printf("[settings] skipping malformed line %q", line)
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		if err := s.values.set(key, val); err != nil {
			log.Printf("[settings] %v", err)
		}
	}
	return nil
}

func (v *Values) set(key, val string) error {
	atoi := func() (int, error) { return strconv.Atoi(val) }
	atof := func() (float64, error) { return strconv.ParseFloat(val, 64) }

	old := *v
	var err error
	switch key {
	case "nonScheduledAmpsMax":
		v.NonScheduledAmpsMax, err = atoi()
	case "scheduledAmpsMax":
		v.ScheduledAmpsMax, err = atoi()
	case "scheduledAmpsStartHour":
		v.ScheduledAmpsStartHour, err = atof()
	case "scheduledAmpsEndHour":
		v.ScheduledAmpsEndHour, err = atof()
	case "scheduledAmpsDaysBitmap":
		v.ScheduledAmpsDaysBitmap, err = atoi()
	case "hourResumeTrackGreenEnergy":
		v.HourResumeTrackGreenEnergy, err = atof()
	case "kWhDelivered":
		v.KWhDelivered, err = atof()
	case "carApiBearerToken":
		v.CarApiBearerToken = val
	case "carApiRefreshToken":
		v.CarApiRefreshToken = val
	case "carApiTokenExpireTime":
		var f float64
		f, err = atof()
		v.CarApiTokenExpireTime = int64(f)
	case "homeLat":
		v.HomeLat, err = atof()
	case "homeLon":
		v.HomeLon, err = atof()
	default:
		return fmt.Errorf("unknown setting %q ignored", key)
	}
	if err != nil {
		*v = old
		return fmt.Errorf("bad value for %s: %w", key, err)
	}
	return nil
}

// Save writes every value back to the file.
func (s *Store) Save() error {
	s.mu.Lock()
	v := s.values
	s.selfWrites++
	path := s.path
	s.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "nonScheduledAmpsMax=%d\n", v.NonScheduledAmpsMax)
	fmt.Fprintf(&b, "scheduledAmpsMax=%d\n", v.ScheduledAmpsMax)
	fmt.Fprintf(&b, "scheduledAmpsStartHour=%g\n", v.ScheduledAmpsStartHour)
	fmt.Fprintf(&b, "scheduledAmpsEndHour=%g\n", v.ScheduledAmpsEndHour)
	fmt.Fprintf(&b, "scheduledAmpsDaysBitmap=%d\n", v.ScheduledAmpsDaysBitmap)
	fmt.Fprintf(&b, "hourResumeTrackGreenEnergy=%g\n", v.HourResumeTrackGreenEnergy)
	fmt.Fprintf(&b, "kWhDelivered=%g\n", v.KWhDelivered)
	fmt.Fprintf(&b, "carApiBearerToken=%s\n", v.CarApiBearerToken)
	fmt.Fprintf(&b, "carApiRefreshToken=%s\n", v.CarApiRefreshToken)
	fmt.Fprintf(&b, "carApiTokenExpireTime=%d\n", v.CarApiTokenExpireTime)
	fmt.Fprintf(&b, "homeLat=%g\n", v.HomeLat)
	fmt.Fprintf(&b, "homeLon=%g", v.HomeLon)

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("settings: write %s: %w", path, err)
	}
	return nil
}
