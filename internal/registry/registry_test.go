package registry

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/twcmaster/internal/twc"
)

func TestRegistryLifecycle(t *testing.T) {
	t.Run("create_on_linkready", func(t *testing.T) {
		clk := clock.NewMock()
		r := New(clk, 8000)

		s, created := r.FindOrCreate(twc.ID{0xAB, 0xCD}, 0x77, 8000, twc.ProtocolV1)
		require.True(t, created)
		assert.Equal(t, twc.ID{0xAB, 0xCD}, s.ID)
		assert.Equal(t, twc.Centiamps(8000), s.MaxAmps)
		assert.Equal(t, twc.Centiamps(500), s.MinAmps)
		assert.Equal(t, twc.ProtocolV1, s.ProtocolVersion)

		again, created := r.FindOrCreate(twc.ID{0xAB, 0xCD}, 0x77, 8000, twc.ProtocolV1)
		assert.False(t, created)
		assert.Same(t, s, again)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("wiring_cap_applies", func(t *testing.T) {
		r := New(clock.NewMock(), 4000)
		s, _ := r.FindOrCreate(twc.ID{1, 2}, 0, 8000, twc.ProtocolV1)
		assert.Equal(t, twc.Centiamps(4000), s.WiringMaxAmps)
	})

	t.Run("wiring_above_advertised_falls_back_to_quarter", func(t *testing.T) {
		r := New(clock.NewMock(), 9000)
		s, _ := r.FindOrCreate(twc.ID{1, 2}, 0, 3200, twc.ProtocolV2)
		assert.Equal(t, twc.Centiamps(800), s.WiringMaxAmps)
	})

	t.Run("fourth_slave_evicts_oldest", func(t *testing.T) {
		r := New(clock.NewMock(), 8000)
		for i := byte(1); i <= 4; i++ {
			r.FindOrCreate(twc.ID{i, i}, 0, 8000, twc.ProtocolV1)
		}
		assert.Equal(t, 3, r.Len())
		_, ok := r.Get(twc.ID{1, 1})
		assert.False(t, ok, "oldest slave must be gone")
		_, ok = r.Get(twc.ID{4, 4})
		assert.True(t, ok)
	})

	t.Run("idle_eviction_after_26s", func(t *testing.T) {
		clk := clock.NewMock()
		r := New(clk, 8000)
		s, _ := r.FindOrCreate(twc.ID{0xAB, 0xCD}, 0x77, 8000, twc.ProtocolV1)

		clk.Add(25 * time.Second)
		assert.False(t, r.Stale(s))
		clk.Add(2 * time.Second)
		assert.True(t, r.Stale(s))

		r.Evict(s.ID)
		assert.Equal(t, 0, r.Len())
		assert.Nil(t, r.Next())
	})

	t.Run("round_robin_cursor_survives_eviction", func(t *testing.T) {
		r := New(clock.NewMock(), 8000)
		a, _ := r.FindOrCreate(twc.ID{1, 1}, 0, 8000, twc.ProtocolV1)
		b, _ := r.FindOrCreate(twc.ID{2, 2}, 0, 8000, twc.ProtocolV1)
		c, _ := r.FindOrCreate(twc.ID{3, 3}, 0, 8000, twc.ProtocolV1)

		assert.Same(t, a, r.Next())
		assert.Same(t, b, r.Next())

		r.Evict(c.ID)
		// Cursor pointed at c; it must wrap rather than run off the end.
		assert.Same(t, a, r.Next())
		assert.Same(t, b, r.Next())

		r.Evict(a.ID)
		assert.Same(t, b, r.Next())
		assert.Same(t, b, r.Next())
	})

	t.Run("totals", func(t *testing.T) {
		clk := clock.NewMock()
		r := New(clk, 8000)
		a, _ := r.FindOrCreate(twc.ID{1, 1}, 0, 8000, twc.ProtocolV1)
		b, _ := r.FindOrCreate(twc.ID{2, 2}, 0, 8000, twc.ProtocolV1)

		a.NoteHeartbeat(StateCharging, 4000, 2400, clk.Now())
		b.NoteHeartbeat(StateIdle, 4000, 0, clk.Now())

		assert.Equal(t, twc.Centiamps(2400), r.TotalAmpsActual())
		assert.Equal(t, 1, r.NumCharging())
	})
}

func TestSessionOfferClamp(t *testing.T) {
	clk := clock.NewMock()
	r := New(clk, 4000)
	s, _ := r.FindOrCreate(twc.ID{1, 1}, 0, 8000, twc.ProtocolV1)

	s.SetOfferedAmps(9000)
	assert.Equal(t, twc.Centiamps(4000), s.OfferedAmps(), "offer clamps to wiring max")

	s.SetOfferedAmps(-100)
	assert.Equal(t, twc.Centiamps(0), s.OfferedAmps())
}

func TestHeartbeatCommand(t *testing.T) {
	newSlave := func(maxAmps twc.Centiamps) *Session {
		r := New(clock.NewMock(), maxAmps)
		s, _ := r.FindOrCreate(twc.ID{0xAB, 0xCD}, 0x77, maxAmps, twc.ProtocolV1)
		return s
	}

	t.Run("steady_zero_on_fresh_session", func(t *testing.T) {
		s := newSlave(8000)
		cmd, amps := s.HeartbeatCommand()
		assert.Equal(t, byte(CmdSteady), cmd)
		assert.Equal(t, twc.Centiamps(0), amps)
	})

	t.Run("spike_then_target_then_steady", func(t *testing.T) {
		// Resuming from 0 A with a US 80 A charger: one 21 A spike
		// cycle, then the real 24 A target, then steady state.
		s := newSlave(8000)
		s.HeartbeatCommand() // settle at zero
		s.SetOfferedAmps(2400)

		cmd, amps := s.HeartbeatCommand()
		assert.Equal(t, byte(CmdNewTarget), cmd)
		assert.Equal(t, twc.Centiamps(2100), amps)

		cmd, amps = s.HeartbeatCommand()
		assert.Equal(t, byte(CmdNewTarget), cmd)
		assert.Equal(t, twc.Centiamps(2400), amps)

		cmd, amps = s.HeartbeatCommand()
		assert.Equal(t, byte(CmdSteady), cmd)
		assert.Equal(t, twc.Centiamps(2400), amps)
	})

	t.Run("eu_charger_spikes_to_16", func(t *testing.T) {
		s := newSlave(3200)
		s.SetOfferedAmps(2000)
		_, amps := s.HeartbeatCommand()
		assert.Equal(t, twc.Centiamps(1600), amps)
	})

	t.Run("stop_while_drawing", func(t *testing.T) {
		clk := clock.NewMock()
		r := New(clk, 8000)
		s, _ := r.FindOrCreate(twc.ID{0xAB, 0xCD}, 0x77, 8000, twc.ProtocolV1)

		s.SetOfferedAmps(2400)
		s.HeartbeatCommand() // spike
		s.HeartbeatCommand() // target
		s.NoteHeartbeat(StateCharging, 2400, 2400, clk.Now())

		s.SetOfferedAmps(0)
		cmd, amps := s.HeartbeatCommand()
		assert.Equal(t, byte(CmdStop), cmd)
		assert.Equal(t, twc.Centiamps(0), amps)

		// Once the car winds down, the command returns to steady zero.
		s.NoteHeartbeat(StateIdle, 2400, 0, clk.Now())
		cmd, _ = s.HeartbeatCommand()
		assert.Equal(t, byte(CmdSteady), cmd)
	})

	t.Run("spike_rearms_after_pause", func(t *testing.T) {
		s := newSlave(8000)
		s.SetOfferedAmps(2400)
		s.HeartbeatCommand() // spike
		s.HeartbeatCommand() // target

		s.SetOfferedAmps(0)
		s.HeartbeatCommand()

		s.SetOfferedAmps(1800)
		_, amps := s.HeartbeatCommand()
		assert.Equal(t, twc.Centiamps(2100), amps, "resume must spike again")
	})

	t.Run("target_change_without_pause_skips_spike", func(t *testing.T) {
		s := newSlave(8000)
		s.SetOfferedAmps(2400)
		s.HeartbeatCommand() // spike
		s.HeartbeatCommand() // target 24A

		s.SetOfferedAmps(3000)
		cmd, amps := s.HeartbeatCommand()
		assert.Equal(t, byte(CmdNewTarget), cmd)
		assert.Equal(t, twc.Centiamps(3000), amps)
	})
}
