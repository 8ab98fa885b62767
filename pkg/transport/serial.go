package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// SerialPort is a Port over a local serial device.
type SerialPort struct {
	path string

	mu    sync.Mutex
	state PortState
	port  *serial.Port
}

// OpenSerial opens the serial device at path with the Z-Wave line settings.
func OpenSerial(path string) (*SerialPort, error) {
	sp := &SerialPort{path: path}
	if err := sp.open(); err != nil {
		return nil, err
	}
	return sp, nil
}

func (sp *SerialPort) open() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.state == StateOpen {
		return ErrAlreadyOpen
	}
	sp.state = StateOpening

	port, err := serial.OpenPort(&serial.Config{
		Name: sp.path,
		Baud: DefaultBaudRate,
		// A short read timeout keeps the read loop responsive to Close.
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		sp.state = StateClosed
		return fmt.Errorf("failed to open serial port %s: %w", sp.path, err)
	}

	sp.port = port
	sp.state = StateOpen
	return nil
}

// Read reads available bytes. A read timeout yields (0, nil); callers poll.
func (sp *SerialPort) Read(p []byte) (int, error) {
	sp.mu.Lock()
	port := sp.port
	state := sp.state
	sp.mu.Unlock()

	if state != StateOpen {
		return 0, ErrPortClosed
	}
	return port.Read(p)
}

// Write writes bytes to the device.
func (sp *SerialPort) Write(p []byte) (int, error) {
	sp.mu.Lock()
	port := sp.port
	state := sp.state
	sp.mu.Unlock()

	if state != StateOpen {
		return 0, ErrPortClosed
	}
	return port.Write(p)
}

// Close closes the device.
func (sp *SerialPort) Close() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.state != StateOpen {
		return nil
	}
	sp.state = StateClosed
	err := sp.port.Close()
	sp.port = nil
	return err
}

// Reopen closes and reopens the device, waiting out re-enumeration with a
// backoff between attempts.
func (sp *SerialPort) Reopen() error {
	sp.Close()
	return retryReopen(sp.open)
}

// Path returns the device path.
func (sp *SerialPort) Path() string { return sp.path }
