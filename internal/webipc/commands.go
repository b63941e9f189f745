package webipc

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/shaunagostinho/twcmaster/internal/settings"
)

// chargeNowDuration is how long the chargeNow override holds.
const chargeNowDuration = 24 * time.Hour

// Raw frame prefixes the web interface may never transmit: FC 19 and FC 1A
// can permanently disable a TWC, FB E8 can crash one.
var forbiddenPrefixes = [][]byte{{0xFC, 0x19}, {0xFC, 0x1A}, {0xFB, 0xE8}}

// handleCommand executes one ASCII command and returns the response body
// ("" means no response packet is sent).
func (s *Server) handleCommand(cmd []byte) string {
	c := string(cmd)

	logged := c
	if strings.HasPrefix(c, "carApiEmailPassword=") {
		logged = "carApiEmailPassword=[HIDDEN]"
	}
	log.Printf("[webipc] query %q", logged)

	switch {
	case c == "getStatus":
		return s.statusResponse()

	case strings.HasPrefix(c, "setNonScheduledAmps="):
		if n, err := strconv.Atoi(strings.TrimPrefix(c, "setNonScheduledAmps=")); err == nil {
			s.persist(func() {
				s.deps.Settings.Update(func(v *settings.Values) { v.NonScheduledAmpsMax = n })
			})
		}
		return ""

	case strings.HasPrefix(c, "setScheduledAmps="):
		s.setScheduledAmps(strings.TrimPrefix(c, "setScheduledAmps="))
		return ""

	case strings.HasPrefix(c, "setResumeTrackGreenEnergyTime="):
		if h, ok := parseClock(strings.TrimPrefix(c, "setResumeTrackGreenEnergyTime=")); ok {
			s.persist(func() {
				s.deps.Settings.Update(func(v *settings.Values) { v.HourResumeTrackGreenEnergy = h })
			})
		}
		return ""

	case c == "chargeNow":
		s.deps.State.ChargeNow(s.deps.State.WiringMaxAll(), chargeNowDuration)
		return ""

	case c == "chargeNowCancel":
		s.deps.State.CancelChargeNow()
		return ""

	case strings.HasPrefix(c, "sendTWCMsg="):
		s.sendTWCMsg(strings.TrimPrefix(c, "sendTWCMsg="))
		return ""

	case c == "getLastTWCMsgResponse":
		if resp := s.deps.Engine.LastResponse(); len(resp) > 0 {
			return strings.ToUpper(hex.EncodeToString(resp))
		}
		return "None"

	case strings.HasPrefix(c, "setMasterHeartbeatData="):
		arg := strings.TrimPrefix(c, "setMasterHeartbeatData=")
		if arg == "" {
			s.deps.Engine.SetOverrideHeartbeat(nil)
			return ""
		}
		if data, err := hex.DecodeString(arg); err == nil {
			s.deps.Engine.SetOverrideHeartbeat(data)
		}
		return ""

	case strings.HasPrefix(c, "setDebugLevel="):
		if n, err := strconv.Atoi(strings.TrimPrefix(c, "setDebugLevel=")); err == nil {
			s.deps.Engine.SetDebugLevel(n)
		}
		return ""

	case c == "dumpState":
		return s.deps.Engine.DumpState()

	case strings.HasPrefix(c, "carApiEmailPassword="):
		s.carApiEmailPassword(strings.TrimPrefix(c, "carApiEmailPassword="))
		return ""
	}

	log.Printf("[webipc] unknown request %q", logged)
	return ""
}

// statusResponse renders the backtick-delimited status line the web UI
// polls: allocator numbers, schedule settings, token state, then one
// tilde-delimited block per slave.
func (s *Server) statusResponse() string {
	st := s.deps.State
	v := s.deps.Settings.Get()

	needToken := 0
	if s.deps.Car != nil && s.deps.Car.NeedBearerToken() {
		// Only protocol 2 chargers pair with cars the cloud API can
		// control, so only they make credentials worth asking for.
		for _, sess := range s.deps.Registry.Sessions() {
			if sess.ProtocolVersion == 2 {
				needToken = 1
			}
		}
	}

	sessions := s.deps.Registry.Sessions()
	var b strings.Builder
	fmt.Fprintf(&b, "%.2f`%.2f`%.2f`%.2f`%d`%d`%s`%s`%d`%s`%d`%d",
		st.MaxAmpsToDivide().Amps(),
		st.WiringMaxAll().Amps(),
		st.MinAmpsPerTWC().Amps(),
		st.ChargeNowAmps().Amps(),
		v.NonScheduledAmpsMax,
		v.ScheduledAmpsMax,
		formatClock(v.ScheduledAmpsStartHour),
		formatClock(v.ScheduledAmpsEndHour),
		v.ScheduledAmpsDaysBitmap,
		formatClock(v.HourResumeTrackGreenEnergy),
		needToken,
		len(sessions))

	for _, sess := range sessions {
		fmt.Fprintf(&b, "`%s~%.2f~%.2f~%.2f~%d",
			sess.ID,
			sess.MaxAmps.Amps(),
			sess.ReportedAmps().Amps(),
			sess.OfferedAmps().Amps(),
			sess.ReportedState())
	}
	return b.String()
}

func (s *Server) setScheduledAmps(arg string) {
	// Payload: "<amps>\nstartTime=HH:MM\nendTime=HH:MM\ndays=<bitmap>"
	lines := strings.Split(arg, "\n")
	if len(lines) < 4 {
		return
	}
	amps, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return
	}
	start, ok1 := parseClock(strings.TrimPrefix(lines[1], "startTime="))
	end, ok2 := parseClock(strings.TrimPrefix(lines[2], "endTime="))
	days, err := strconv.Atoi(strings.TrimPrefix(lines[3], "days="))
	if !ok1 || !ok2 || err != nil {
		return
	}
	s.persist(func() {
		s.deps.Settings.Update(func(v *settings.Values) {
			v.ScheduledAmpsMax = amps
			v.ScheduledAmpsStartHour = start
			v.ScheduledAmpsEndHour = end
			v.ScheduledAmpsDaysBitmap = days
		})
	})
}

func (s *Server) sendTWCMsg(arg string) {
	payload, err := hex.DecodeString(arg)
	if err != nil || len(payload) < 2 {
		return
	}
	for _, prefix := range forbiddenPrefixes {
		if bytes.HasPrefix(payload, prefix) {
			log.Printf("[webipc] ERROR: refusing to send %s command, it can disable or crash the TWC",
				strings.ToUpper(hex.EncodeToString(prefix)))
			return
		}
	}
	s.deps.Engine.QueueRaw(payload)
}

func (s *Server) carApiEmailPassword(arg string) {
	email, password, ok := strings.Cut(arg, "\n")
	if !ok || s.deps.Car == nil {
		return
	}
	car := s.deps.Car
	s.deps.Tasks.Enqueue("carApiEmailPassword", func(ctx context.Context) {
		car.ClearErrorBackoff()
		car.Available(ctx, email, password)
	})
}

// persist runs a settings mutation and then pushes the result into the
// allocator.
func (s *Server) persist(update func()) {
	update()
	if s.deps.SyncPolicy != nil {
		s.deps.SyncPolicy()
	}
}

// parseClock converts "HH:MM" to fractional hours.
func parseClock(v string) (float64, bool) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, false
	}
	h, err1 := strconv.Atoi(hs)
	m, err2 := strconv.Atoi(ms)
	if err1 != nil || err2 != nil || m < 0 || m > 59 {
		return 0, false
	}
	if h < 0 {
		return -1, true
	}
	return float64(h) + float64(m)/60, true
}

// formatClock renders fractional hours as "HH:MM"; negative means unset.
func formatClock(h float64) string {
	if h < 0 {
		return "-1:00"
	}
	return fmt.Sprintf("%02d:%02d", int(h), int(h*60)%60)
}
