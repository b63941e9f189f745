package frame

import (
	"time"

	"github.com/benbjohnson/clock"
)

// partialTimeout drops a half-received frame when the bus goes quiet
// mid-message.
const partialTimeout = 2 * time.Second

// resyncThreshold: a delimiter seen before this many unescaped bytes have
// accumulated starts a new frame instead of ending one. Complete frames are
// at least completeThreshold unescaped bytes including both delimiters.
const (
	resyncThreshold   = 15
	completeThreshold = 16
)

// Reader reassembles frames from the raw byte stream of a half-duplex bus.
// It is resynchronizing: garbage between frames is skipped, a premature
// delimiter restarts the frame, and a stalled partial is dropped after 2 s.
// Reader is not safe for concurrent use; the bus loop owns it.
type Reader struct {
	clk clock.Clock

	buf      []byte
	lastByte time.Time

	// OnError, when set, observes per-frame decode failures (checksum or
	// length). The stream always continues past them.
	OnError func(error)
}

// NewReader returns a Reader using the given clock for the partial timeout.
func NewReader(clk clock.Clock) *Reader {
	return &Reader{clk: clk}
}

// Partial reports whether a partially received frame is buffered. The bus
// loop must not transmit while this is true.
func (r *Reader) Partial() bool {
	return len(r.buf) > 0
}

// DropStale discards a buffered partial frame that has not grown within the
// partial timeout, reporting whether anything was dropped.
func (r *Reader) DropStale() bool {
	if len(r.buf) == 0 || r.clk.Now().Sub(r.lastByte) < partialTimeout {
		return false
	}
	r.buf = r.buf[:0]
	return true
}

// Feed consumes raw bytes and returns the checksum-valid payloads of every
// frame completed by them, in arrival order.
func (r *Reader) Feed(data []byte) [][]byte {
	var payloads [][]byte
	for _, b := range data {
		r.lastByte = r.clk.Now()

		if len(r.buf) == 0 {
			// Between frames: ignore noise until a delimiter.
			if b == Delim {
				r.buf = append(r.buf, b)
			}
			continue
		}

		if b == Delim && len(Unescape(r.buf)) < resyncThreshold {
			// Delimiter before a plausible frame length: what we
			// buffered was a tail fragment or noise. Start over.
			r.buf = r.buf[:0]
			r.buf = append(r.buf, b)
			continue
		}

		r.buf = append(r.buf, b)

		if b == Delim && len(Unescape(r.buf)) >= completeThreshold {
			if p := r.complete(); p != nil {
				payloads = append(payloads, p)
			}
			r.buf = r.buf[:0]
		}
	}
	return payloads
}

// complete unescapes and validates the buffered frame, returning its payload
// or nil.
func (r *Reader) complete() []byte {
	body := Unescape(r.buf[1 : len(r.buf)-1])
	if len(body) != 14 && len(body) != 16 {
		r.fail(ErrLength)
		return nil
	}
	payload, err := VerifyUnescaped(body)
	if err != nil {
		r.fail(err)
		return nil
	}
	return payload
}

func (r *Reader) fail(err error) {
	if r.OnError != nil {
		r.OnError(err)
	}
}
