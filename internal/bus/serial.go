// Package bus provides the half-duplex byte transport under the TWC link
// protocol: the real RS-485 serial port and a simulated slave used for demo
// mode and tests.
package bus

import (
	"fmt"
	"log"
	"time"

	"go.bug.st/serial"
)

// Transport is the byte interface the master engine drives. Read returns 0
// when no data arrives within the idle timeout; the engine uses that quiet
// moment to transmit.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// idleReadTimeout bounds a Read so the bus loop keeps its ~25 ms cadence
// when the wire is silent.
const idleReadTimeout = 25 * time.Millisecond

// SerialPort is the RS-485 adapter transport. 8-N-1, no flow control; the
// bus is single-writer single-reader for this process.
type SerialPort struct {
	path string
	port serial.Port
}

// OpenSerial opens the RS-485 adapter. Failure here is a fatal startup
// error; the caller exits.
func OpenSerial(path string, baud int) (*SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("bus: failed to open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(idleReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("bus: failed to set timeout on %s: %w", path, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("bus: failed to flush %s: %w", path, err)
	}
	log.Printf("[bus] connected to %s at %d baud", path, baud)
	return &SerialPort{path: path, port: port}, nil
}

func (s *SerialPort) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

// Write pushes the whole buffer out, looping over short writes.
func (s *SerialPort) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := s.port.Write(p[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("bus: write to %s: %w", s.path, err)
		}
	}
	return total, nil
}

func (s *SerialPort) Close() error {
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}
