package twc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("slave_linkready_v1", func(t *testing.T) {
		payload := []byte{0xFD, 0xE2, 0xAB, 0xCD, 0x77, 0x1F, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
		msg, err := Parse(payload)
		require.NoError(t, err)

		lr, ok := msg.(SlaveLinkReady)
		require.True(t, ok)
		assert.Equal(t, ID{0xAB, 0xCD}, lr.From)
		assert.Equal(t, byte(0x77), lr.Sign)
		assert.Equal(t, Centiamps(8000), lr.MaxAmps)
		assert.Equal(t, 80.0, lr.MaxAmps.Amps())
		assert.Equal(t, ProtocolV1, lr.Version)
	})

	t.Run("slave_linkready_v2", func(t *testing.T) {
		payload := []byte{0xFD, 0xE2, 0xAB, 0xCD, 0x77, 0x0C, 0x80, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
		msg, err := Parse(payload)
		require.NoError(t, err)

		lr := msg.(SlaveLinkReady)
		assert.Equal(t, ProtocolV2, lr.Version)
		assert.Equal(t, Centiamps(3200), lr.MaxAmps)
	})

	t.Run("slave_heartbeat", func(t *testing.T) {
		payload := []byte{0xFD, 0xE0, 0xAB, 0xCD, 0x77, 0x77, 0x08, 0x0F, 0xA0, 0x09, 0x60, 0x00, 0x00}
		msg, err := Parse(payload)
		require.NoError(t, err)

		hb := msg.(SlaveHeartbeat)
		assert.Equal(t, ID{0xAB, 0xCD}, hb.From)
		assert.Equal(t, ID{0x77, 0x77}, hb.To)
		assert.Equal(t, byte(0x08), hb.State)
		assert.Equal(t, Centiamps(4000), hb.AmpsMax)
		assert.Equal(t, Centiamps(2400), hb.AmpsActual)
	})

	t.Run("master_linkready_variants", func(t *testing.T) {
		m1, err := Parse([]byte{0xFC, 0xE1, 0x11, 0x22, 0x33, 0, 0, 0, 0, 0, 0, 0, 0})
		require.NoError(t, err)
		require.IsType(t, MasterLinkReady1{}, m1)

		m2, err := Parse([]byte{0xFB, 0xE2, 0x11, 0x22, 0x33, 0, 0, 0, 0, 0, 0, 0, 0})
		require.NoError(t, err)
		require.IsType(t, MasterLinkReady2{}, m2)

		// Some peer masters emit FC E2 for the second stage.
		m3, err := Parse([]byte{0xFC, 0xE2, 0x11, 0x22, 0x33, 0, 0, 0, 0, 0, 0, 0, 0})
		require.NoError(t, err)
		require.IsType(t, MasterLinkReady2{}, m3)
	})

	t.Run("voltage_report", func(t *testing.T) {
		payload := []byte{0xFD, 0xEB, 0x77, 0x77, 0x00, 0x00, 0x00, 0x38, 0x00, 0xE6, 0x00, 0xF1, 0x00, 0xE8, 0x00}
		msg, err := Parse(payload)
		require.NoError(t, err)

		vr := msg.(VoltageReport)
		assert.Equal(t, uint32(56), vr.KWh)
		assert.Equal(t, uint16(230), vr.VoltsA)
		assert.Equal(t, uint16(241), vr.VoltsB)
		assert.Equal(t, uint16(232), vr.VoltsC)
	})

	t.Run("idle_ping", func(t *testing.T) {
		msg, err := Parse([]byte{0xFC, 0x1D, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
		require.NoError(t, err)
		require.IsType(t, IdlePing{}, msg)
		_, hasSender := msg.Sender()
		assert.False(t, hasSender)
	})

	t.Run("unknown_type", func(t *testing.T) {
		payload := []byte{0xFC, 0x19, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
		msg, err := Parse(payload)
		require.NoError(t, err)
		u := msg.(Unknown)
		assert.Equal(t, payload, u.Raw)
	})

	t.Run("bad_length", func(t *testing.T) {
		_, err := Parse([]byte{0xFD, 0xE2, 0xAB})
		require.Error(t, err)
	})
}

func TestEncode(t *testing.T) {
	t.Run("linkready_lengths", func(t *testing.T) {
		assert.Len(t, EncodeMasterLinkReady1(ID{0x77, 0x77}, 0x77), 13)
		assert.Len(t, EncodeMasterLinkReady2(ID{0x77, 0x77}, 0x77), 13)
	})

	t.Run("heartbeat_v1", func(t *testing.T) {
		p := EncodeMasterHeartbeat(ID{0x77, 0x77}, ID{0xAB, 0xCD}, 0x09, 2100, ProtocolV1)
		require.Len(t, p, 13)
		assert.Equal(t, []byte{0xFB, 0xE0, 0x77, 0x77, 0xAB, 0xCD, 0x09, 0x08, 0x34, 0x00, 0x00, 0x00, 0x00}, p)
	})

	t.Run("heartbeat_v2_padded", func(t *testing.T) {
		p := EncodeMasterHeartbeat(ID{0x77, 0x77}, ID{0xAB, 0xCD}, 0x00, 0, ProtocolV2)
		assert.Len(t, p, 15)
	})

	t.Run("heartbeat_round_trips", func(t *testing.T) {
		p := EncodeMasterHeartbeat(ID{0x77, 0x77}, ID{0xAB, 0xCD}, 0x09, 2400, ProtocolV1)
		msg, err := Parse(p)
		require.NoError(t, err)
		hb := msg.(MasterHeartbeat)
		assert.Equal(t, ID{0x77, 0x77}, hb.From)
		assert.Equal(t, ID{0xAB, 0xCD}, hb.To)
		assert.Equal(t, []byte{0x09, 0x09, 0x60, 0x00, 0x00, 0x00, 0x00}, hb.Data)
	})

	t.Run("slave_linkready_carries_centiamps", func(t *testing.T) {
		p := EncodeSlaveLinkReady(ID{0xAB, 0xCD}, 0x77, 8000, ProtocolV1)
		msg, err := Parse(p)
		require.NoError(t, err)
		assert.Equal(t, Centiamps(8000), msg.(SlaveLinkReady).MaxAmps)
	})
}

func TestCentiamps(t *testing.T) {
	assert.Equal(t, Centiamps(2400), FromAmps(24))
	assert.Equal(t, "30.00", Centiamps(3000).String())
	assert.Equal(t, Centiamps(3330), Centiamps(3333).RoundDownTenth())
	assert.Equal(t, Centiamps(500), MinAmpsForVersion(ProtocolV1))
	assert.Equal(t, Centiamps(600), MinAmpsForVersion(ProtocolV2))
}
