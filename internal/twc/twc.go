// Package twc holds the wire-level vocabulary of the TWC link protocol:
// device identifiers, the centiamp fixed-point representation used in every
// amperage field, and the typed message set exchanged on the RS-485 bus.
package twc

import (
	"fmt"
	"math/rand"
)

// ID is the two-byte identifier a TWC uses on the bus. The protocol does not
// enforce uniqueness; a slave seeing its own ID from another device reseeds
// itself.
type ID [2]byte

func (id ID) String() string {
	return fmt.Sprintf("%02X%02X", id[0], id[1])
}

// RandomID returns a freshly seeded ID for conflict resolution.
func RandomID() ID {
	return ID{byte(rand.Intn(256)), byte(rand.Intn(256))}
}

// RandomSign returns a new one-byte device nonce.
func RandomSign() byte {
	return byte(rand.Intn(256))
}

// Centiamps is an amperage in hundredths of an ampere. All amp values on the
// wire are big-endian centiamps; keeping the internal representation integral
// avoids float drift when budgets are divided and re-summed.
type Centiamps int32

// FromAmps converts a float amperage to centiamps, truncating toward zero.
func FromAmps(a float64) Centiamps {
	return Centiamps(a * 100)
}

// Amps returns the value in amperes.
func (c Centiamps) Amps() float64 {
	return float64(c) / 100
}

func (c Centiamps) String() string {
	return fmt.Sprintf("%.2f", c.Amps())
}

// RoundDownTenth truncates to one decimal place of amps (whole deciamps).
func (c Centiamps) RoundDownTenth() Centiamps {
	return c / 10 * 10
}

// Protocol versions inferred from the first slave link-ready frame length.
// V1 slaves emit 14-byte frames and support a 5 A minimum; V2 slaves emit
// 16-byte frames and support a 6 A minimum.
const (
	ProtocolV1 = 1
	ProtocolV2 = 2
)

// MinAmpsForVersion returns the minimum current a slave of the given protocol
// version supports.
func MinAmpsForVersion(version int) Centiamps {
	if version == ProtocolV2 {
		return 600
	}
	return 500
}
