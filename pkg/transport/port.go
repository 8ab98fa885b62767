package transport

import (
	"errors"
	"io"
	"strings"
	"time"
)

// Port states.
type PortState int

const (
	// StateClosed indicates no open port.
	StateClosed PortState = iota

	// StateOpening indicates open in progress.
	StateOpening

	// StateOpen indicates an open, usable port.
	StateOpen
)

// String returns the port state name.
func (s PortState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Port errors.
var (
	ErrPortClosed  = errors.New("port closed")
	ErrAlreadyOpen = errors.New("port already open")
)

// DefaultBaudRate is the serial speed Z-Wave controllers use.
const DefaultBaudRate = 115200

// Port is a byte transport to a controller. Read returns bytes as they
// arrive; implementations apply a short read timeout internally so Close
// unblocks a pending Read promptly.
type Port interface {
	io.ReadWriteCloser

	// Reopen closes and reopens the underlying device. Used after a
	// controller soft reset, when USB sticks re-enumerate.
	Reopen() error

	// Path returns the path or address the port was opened with.
	Path() string
}

// reopenBackoff is the wait schedule between failed reopen attempts.
var reopenBackoff = []time.Duration{
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	15 * time.Second,
}

// Open opens the byte transport for the given path. Paths of the form
// "tcp://host:port" dial a serial-over-TCP bridge; anything else is treated
// as a local serial device.
func Open(path string) (Port, error) {
	if strings.HasPrefix(path, "tcp://") {
		return OpenTCP(path)
	}
	return OpenSerial(path)
}

// retryReopen runs open with the reopen backoff schedule, returning the
// last error when every attempt fails.
func retryReopen(open func() error) error {
	err := open()
	if err == nil {
		return nil
	}
	for _, wait := range reopenBackoff {
		time.Sleep(wait)
		if err = open(); err == nil {
			return nil
		}
	}
	return err
}
