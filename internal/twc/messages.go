package twc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Message type prefixes. The first two payload bytes identify the message.
var (
	typeMasterLinkReady1 = []byte{0xFC, 0xE1}
	typeMasterLinkReady2 = []byte{0xFB, 0xE2}
	typePeerLinkReady2   = []byte{0xFC, 0xE2}
	typeSlaveLinkReady   = []byte{0xFD, 0xE2}
	typeMasterHeartbeat  = []byte{0xFB, 0xE0}
	typeSlaveHeartbeat   = []byte{0xFD, 0xE0}
	typeVoltageRequest   = []byte{0xFB, 0xEB}
	typeVoltageReport    = []byte{0xFD, 0xEB}
	typeVINRequest       = []byte{0xFB, 0xEE}
	typeVINReport        = []byte{0xFD, 0xEE}
	typeIdlePing         = []byte{0xFC, 0x1D}
)

// Payload lengths after unescaping and checksum removal. V1 devices use
// 13-byte payloads (14 with checksum), V2 devices 15 (16 with checksum).
const (
	payloadLenV1 = 13
	payloadLenV2 = 15
)

// ErrLength reports a payload whose length matches neither protocol version.
type ErrLength int

func (e ErrLength) Error() string {
	return fmt.Sprintf("twc: payload length %d is neither %d nor %d", int(e), payloadLenV1, payloadLenV2)
}

// Message is the closed sum of frames this controller understands. Sender
// returns the originating device ID when the message carries one, and false
// otherwise (the 2-hour idle ping carries no identity at all).
type Message interface {
	Sender() (ID, bool)
}

// MasterLinkReady1 is the FC E1 discovery broadcast a master sends on
// startup. Receiving one means another master shares the bus.
type MasterLinkReady1 struct {
	From ID
	Sign byte
}

// MasterLinkReady2 is the second-stage discovery broadcast (FB E2, or FC E2
// from some peers).
type MasterLinkReady2 struct {
	From ID
	Sign byte
}

// SlaveLinkReady is the FD E2 bonding request a slave emits every 10 s until
// a master heartbeats it. MaxAmps is the advertised hardware ceiling.
type SlaveLinkReady struct {
	From    ID
	Sign    byte
	MaxAmps Centiamps
	Version int
}

// MasterHeartbeat is the FB E0 per-slave command frame. Data is the 7-byte
// (v1) or 9-byte (v2) command block: status byte followed by a big-endian
// centiamp field.
type MasterHeartbeat struct {
	From ID
	To   ID
	Data []byte
}

// SlaveHeartbeat is the FD E0 status reply. AmpsMax mirrors the last
// commanded limit; AmpsActual is the current the vehicle is drawing.
type SlaveHeartbeat struct {
	From       ID
	To         ID
	State      byte
	AmpsMax    Centiamps
	AmpsActual Centiamps
	Data       []byte
}

// VoltageRequest is the FB EB kWh/voltage poll a master may send.
type VoltageRequest struct {
	From ID
	To   ID
}

// VoltageReport is the FD EB reply: lifetime kWh plus per-phase voltages.
type VoltageReport struct {
	From   ID
	KWh    uint32
	VoltsA uint16
	VoltsB uint16
	VoltsC uint16
}

// VINRequest is the FB EE query for the plugged vehicle's VIN tail.
type VINRequest struct {
	From ID
	To   ID
}

// VINReport is the FD EE reply: 7 ASCII bytes, all zero when the vehicle does
// not expose its VIN.
type VINReport struct {
	From ID
	VIN  [7]byte
}

// IdlePing is the FC 1D frame a lonely master broadcasts every 2 hours.
type IdlePing struct{}

// Unknown wraps any frame whose type prefix we do not decode.
type Unknown struct {
	Raw []byte
}

func (m MasterLinkReady1) Sender() (ID, bool) { return m.From, true }
func (m MasterLinkReady2) Sender() (ID, bool) { return m.From, true }
func (m SlaveLinkReady) Sender() (ID, bool)   { return m.From, true }
func (m MasterHeartbeat) Sender() (ID, bool)  { return m.From, true }
func (m SlaveHeartbeat) Sender() (ID, bool)   { return m.From, true }
func (m VoltageRequest) Sender() (ID, bool)   { return m.From, true }
func (m VoltageReport) Sender() (ID, bool)    { return m.From, true }
func (m VINRequest) Sender() (ID, bool)       { return m.From, true }
func (m VINReport) Sender() (ID, bool)        { return m.From, true }
func (m IdlePing) Sender() (ID, bool)         { return ID{}, false }
func (m Unknown) Sender() (ID, bool)          { return ID{}, false }

// Parse decodes an unescaped, checksum-stripped payload into a typed message.
// Unrecognized type prefixes come back as Unknown rather than an error so the
// dispatcher can log and move on.
func Parse(payload []byte) (Message, error) {
	if len(payload) != payloadLenV1 && len(payload) != payloadLenV2 {
		return nil, ErrLength(len(payload))
	}

	id2 := func(off int) ID { return ID{payload[off], payload[off+1]} }

	switch {
	case bytes.Equal(payload[0:2], typeSlaveLinkReady):
		version := ProtocolV1
		if len(payload) == payloadLenV2 {
			version = ProtocolV2
		}
		return SlaveLinkReady{
			From:    id2(2),
			Sign:    payload[4],
			MaxAmps: Centiamps(binary.BigEndian.Uint16(payload[5:7])),
			Version: version,
		}, nil

	case bytes.Equal(payload[0:2], typeMasterLinkReady1):
		return MasterLinkReady1{From: id2(2), Sign: payload[4]}, nil

	case bytes.Equal(payload[0:2], typeMasterLinkReady2),
		bytes.Equal(payload[0:2], typePeerLinkReady2):
		return MasterLinkReady2{From: id2(2), Sign: payload[4]}, nil

	case bytes.Equal(payload[0:2], typeMasterHeartbeat):
		data := make([]byte, len(payload)-6)
		copy(data, payload[6:])
		return MasterHeartbeat{From: id2(2), To: id2(4), Data: data}, nil

	case bytes.Equal(payload[0:2], typeSlaveHeartbeat):
		data := make([]byte, len(payload)-6)
		copy(data, payload[6:])
		return SlaveHeartbeat{
			From:       id2(2),
			To:         id2(4),
			State:      data[0],
			AmpsMax:    Centiamps(binary.BigEndian.Uint16(data[1:3])),
			AmpsActual: Centiamps(binary.BigEndian.Uint16(data[3:5])),
			Data:       data,
		}, nil

	case bytes.Equal(payload[0:2], typeVoltageRequest):
		return VoltageRequest{From: id2(2), To: id2(4)}, nil

	case bytes.Equal(payload[0:2], typeVoltageReport):
		rpt := VoltageReport{
			From:   id2(2),
			KWh:    binary.BigEndian.Uint32(payload[4:8]),
			VoltsA: binary.BigEndian.Uint16(payload[8:10]),
			VoltsB: binary.BigEndian.Uint16(payload[10:12]),
		}
		// Two-phase regions send the short frame without a phase C field.
		if len(payload) >= 14 {
			rpt.VoltsC = binary.BigEndian.Uint16(payload[12:14])
		}
		return rpt, nil

	case bytes.Equal(payload[0:2], typeVINRequest):
		return VINRequest{From: id2(2), To: id2(4)}, nil

	case bytes.Equal(payload[0:2], typeVINReport):
		var vin [7]byte
		copy(vin[:], payload[4:11])
		return VINReport{From: id2(2), VIN: vin}, nil

	case bytes.Equal(payload[0:2], typeIdlePing):
		return IdlePing{}, nil
	}

	raw := make([]byte, len(payload))
	copy(raw, payload)
	return Unknown{Raw: raw}, nil
}

// pad extends p with zeros to the payload length of the given version.
func pad(p []byte, version int) []byte {
	want := payloadLenV1
	if version == ProtocolV2 {
		want = payloadLenV2
	}
	for len(p) < want {
		p = append(p, 0)
	}
	return p[:want]
}

// EncodeMasterLinkReady1 builds the startup discovery broadcast.
func EncodeMasterLinkReady1(from ID, sign byte) []byte {
	p := append([]byte{}, typeMasterLinkReady1...)
	p = append(p, from[0], from[1], sign)
	return pad(p, ProtocolV1)
}

// EncodeMasterLinkReady2 builds the second-stage discovery broadcast.
func EncodeMasterLinkReady2(from ID, sign byte) []byte {
	p := append([]byte{}, typeMasterLinkReady2...)
	p = append(p, from[0], from[1], sign)
	return pad(p, ProtocolV1)
}

// EncodeSlaveLinkReady builds the bonding request emitted in slave
// impersonation mode.
func EncodeSlaveLinkReady(from ID, sign byte, maxAmps Centiamps, version int) []byte {
	p := append([]byte{}, typeSlaveLinkReady...)
	p = append(p, from[0], from[1], sign)
	p = binary.BigEndian.AppendUint16(p, uint16(maxAmps))
	return pad(p, version)
}

// EncodeMasterHeartbeat builds the per-slave command frame. The command block
// is status, big-endian centiamps, then zeros; it is sized 7 or 9 bytes to
// match the slave's protocol version.
func EncodeMasterHeartbeat(from, to ID, status byte, amps Centiamps, version int) []byte {
	p := append([]byte{}, typeMasterHeartbeat...)
	p = append(p, from[0], from[1], to[0], to[1], status)
	p = binary.BigEndian.AppendUint16(p, uint16(amps))
	return pad(p, version)
}

// EncodeMasterHeartbeatRaw builds a heartbeat carrying an operator-supplied
// command block (setMasterHeartbeatData diagnostics).
func EncodeMasterHeartbeatRaw(from, to ID, data []byte, version int) []byte {
	p := append([]byte{}, typeMasterHeartbeat...)
	p = append(p, from[0], from[1], to[0], to[1])
	p = append(p, data...)
	return pad(p, version)
}

// EncodeSlaveHeartbeat builds the status reply sent in slave impersonation
// mode.
func EncodeSlaveHeartbeat(from, to ID, state byte, ampsMax, ampsActual Centiamps, version int) []byte {
	p := append([]byte{}, typeSlaveHeartbeat...)
	p = append(p, from[0], from[1], to[0], to[1], state)
	p = binary.BigEndian.AppendUint16(p, uint16(ampsMax))
	p = binary.BigEndian.AppendUint16(p, uint16(ampsActual))
	return pad(p, version)
}

// EncodeVoltageRequest builds the kWh/voltage poll. Only protocol 2 devices
// answer it, so the frame is always v2-sized.
func EncodeVoltageRequest(from, to ID) []byte {
	p := append([]byte{}, typeVoltageRequest...)
	p = append(p, from[0], from[1], to[0], to[1])
	return pad(p, ProtocolV2)
}

// EncodeVoltageReport builds the kWh/voltage reply sent in slave
// impersonation mode.
func EncodeVoltageReport(from ID, kwh uint32, voltsA, voltsB, voltsC uint16) []byte {
	p := append([]byte{}, typeVoltageReport...)
	p = append(p, from[0], from[1])
	p = binary.BigEndian.AppendUint32(p, kwh)
	p = binary.BigEndian.AppendUint16(p, voltsA)
	p = binary.BigEndian.AppendUint16(p, voltsB)
	p = binary.BigEndian.AppendUint16(p, voltsC)
	return pad(p, ProtocolV2)
}

// EncodeVINRequest builds the VIN query.
func EncodeVINRequest(from, to ID) []byte {
	p := append([]byte{}, typeVINRequest...)
	p = append(p, from[0], from[1], to[0], to[1])
	return pad(p, ProtocolV2)
}
