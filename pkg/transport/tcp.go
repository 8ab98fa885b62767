package transport

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// TCPPort is a Port over a serial-to-network bridge (ser2net and friends).
type TCPPort struct {
	path    string
	address string

	mu    sync.Mutex
	state PortState
	conn  net.Conn
}

// dialTimeout bounds a single bridge connection attempt.
const dialTimeout = 5 * time.Second

// OpenTCP dials the serial bridge at "tcp://host:port".
func OpenTCP(path string) (*TCPPort, error) {
	address := strings.TrimPrefix(path, "tcp://")
	if address == path || address == "" {
		return nil, fmt.Errorf("invalid tcp port path %q", path)
	}
	tp := &TCPPort{path: path, address: address}
	if err := tp.open(); err != nil {
		return nil, err
	}
	return tp, nil
}

func (tp *TCPPort) open() error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.state == StateOpen {
		return ErrAlreadyOpen
	}
	tp.state = StateOpening

	conn, err := net.DialTimeout("tcp", tp.address, dialTimeout)
	if err != nil {
		tp.state = StateClosed
		return fmt.Errorf("failed to dial serial bridge %s: %w", tp.address, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	tp.conn = conn
	tp.state = StateOpen
	return nil
}

// Read reads available bytes. A deadline expiry yields (0, nil) so the
// read loop can poll for shutdown like the serial port does.
func (tp *TCPPort) Read(p []byte) (int, error) {
	tp.mu.Lock()
	conn := tp.conn
	state := tp.state
	tp.mu.Unlock()

	if state != StateOpen {
		return 0, ErrPortClosed
	}

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	n, err := conn.Read(p)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

// Write writes bytes to the bridge.
func (tp *TCPPort) Write(p []byte) (int, error) {
	tp.mu.Lock()
	conn := tp.conn
	state := tp.state
	tp.mu.Unlock()

	if state != StateOpen {
		return 0, ErrPortClosed
	}
	return conn.Write(p)
}

// Close closes the bridge connection.
func (tp *TCPPort) Close() error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.state != StateOpen {
		return nil
	}
	tp.state = StateClosed
	err := tp.conn.Close()
	tp.conn = nil
	return err
}

// Reopen redials the bridge with the reopen backoff.
func (tp *TCPPort) Reopen() error {
	tp.Close()
	return retryReopen(tp.open)
}

// Path returns the tcp:// path the port was opened with.
func (tp *TCPPort) Path() string { return tp.path }

// Compile-time interface satisfaction checks.
var (
	_ Port = (*SerialPort)(nil)
	_ Port = (*TCPPort)(nil)
)
