package frame

import (
	"bytes"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	t.Run("round_trip", func(t *testing.T) {
		payload := []byte{0xFB, 0xE0, 0x77, 0x77, 0xAB, 0xCD, 0x09, 0x08, 0x34, 0x00, 0x00, 0x00, 0x00}
		framed := Encode(payload)

		require.Equal(t, byte(Delim), framed[0])
		require.Equal(t, byte(Delim), framed[len(framed)-1])

		got, err := Decode(framed)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("escapes_delimiter_and_escape_bytes", func(t *testing.T) {
		// A payload holding both special values must never show them
		// literally between the delimiters.
		payload := []byte{0xFB, 0xE0, 0x77, 0x77, 0xAB, 0xCD, 0x00, 0xC0, 0x00, 0xDB, 0x00, 0x00, 0x00, 0x00}
		framed := Encode(payload)

		inner := framed[1 : len(framed)-1]
		assert.NotContains(t, inner, byte(Delim))
		assert.True(t, bytes.Contains(inner, []byte{0xDB, 0xDC}), "literal C0 must escape to DB DC")
		assert.True(t, bytes.Contains(inner, []byte{0xDB, 0xDD}), "literal DB must escape to DB DD")

		got, err := Decode(framed)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("checksum_excludes_first_byte", func(t *testing.T) {
		assert.Equal(t, byte(0x05), Checksum([]byte{0xFF, 0x02, 0x03}))
	})

	t.Run("checksum_mismatch", func(t *testing.T) {
		payload := []byte{0xFD, 0xE2, 0xAB, 0xCD, 0x77, 0x1F, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
		framed := Encode(payload)
		framed[5] ^= 0x01

		_, err := Decode(framed)
		require.ErrorIs(t, err, ErrChecksum)
	})

	t.Run("corrupt_escape_becomes_literal_db", func(t *testing.T) {
		// DB followed by anything but DC/DD keeps a literal DB and the
		// following byte.
		out := Unescape([]byte{0x01, 0xDB, 0x42, 0x03})
		assert.Equal(t, []byte{0x01, 0xDB, 0x42, 0x03}, out)
	})
}

func slaveLinkReadyWire() []byte {
	return Encode([]byte{0xFD, 0xE2, 0xAB, 0xCD, 0x77, 0x1F, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
}

func TestReader(t *testing.T) {
	t.Run("whole_frame", func(t *testing.T) {
		rd := NewReader(clock.NewMock())
		frames := rd.Feed(slaveLinkReadyWire())
		require.Len(t, frames, 1)
		assert.Equal(t, []byte{0xFD, 0xE2, 0xAB, 0xCD, 0x77, 0x1F, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, frames[0])
		assert.False(t, rd.Partial())
	})

	t.Run("byte_at_a_time", func(t *testing.T) {
		rd := NewReader(clock.NewMock())
		var frames [][]byte
		for _, b := range slaveLinkReadyWire() {
			frames = append(frames, rd.Feed([]byte{b})...)
		}
		require.Len(t, frames, 1)
	})

	t.Run("noise_between_frames_ignored", func(t *testing.T) {
		rd := NewReader(clock.NewMock())
		stream := append([]byte{0x00, 0xFE, 0x13}, slaveLinkReadyWire()...)
		stream = append(stream, 0xFE, 0xFE)
		frames := rd.Feed(stream)
		require.Len(t, frames, 1)
	})

	t.Run("premature_delimiter_resynchronizes", func(t *testing.T) {
		rd := NewReader(clock.NewMock())
		// A short fragment ending where a new frame begins: the early
		// C0 discards the fragment and the real frame decodes.
		stream := append([]byte{0xC0, 0x01, 0x02, 0x03}, slaveLinkReadyWire()...)
		frames := rd.Feed(stream)
		require.Len(t, frames, 1)
	})

	t.Run("bad_checksum_dropped_stream_continues", func(t *testing.T) {
		rd := NewReader(clock.NewMock())
		var errs int
		rd.OnError = func(error) { errs++ }

		bad := slaveLinkReadyWire()
		bad[5] ^= 0x01
		frames := rd.Feed(append(bad, slaveLinkReadyWire()...))
		require.Len(t, frames, 1)
		assert.Equal(t, 1, errs)
	})

	t.Run("partial_times_out_after_2s", func(t *testing.T) {
		clk := clock.NewMock()
		rd := NewReader(clk)

		rd.Feed(slaveLinkReadyWire()[:5])
		require.True(t, rd.Partial())

		assert.False(t, rd.DropStale(), "fresh partial must not drop")
		clk.Add(3 * time.Second)
		assert.True(t, rd.DropStale())
		assert.False(t, rd.Partial())
	})

	t.Run("escaped_frame_reassembles", func(t *testing.T) {
		rd := NewReader(clock.NewMock())
		payload := []byte{0xFB, 0xE0, 0x77, 0x77, 0xAB, 0xCD, 0x00, 0xC0, 0x00, 0xDB, 0x00, 0x00, 0x00}
		frames := rd.Feed(Encode(payload))
		require.Len(t, frames, 1)
		assert.Equal(t, payload, frames[0])
	})
}
