package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDispatch(t *testing.T) {
	// A bogus device path fails as a serial open, not a tcp dial.
	_, err := Open("/dev/does-not-exist-zw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serial port")
}

func TestOpenTCPInvalidPath(t *testing.T) {
	_, err := OpenTCP("tcp://")
	require.Error(t, err)

	_, err = OpenTCP("/dev/ttyUSB0")
	require.Error(t, err)
}

func TestTCPPortReadWrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	port, err := Open("tcp://" + ln.Addr().String())
	require.NoError(t, err)
	defer port.Close()
	assert.Equal(t, "tcp://"+ln.Addr().String(), port.Path())

	peer := <-accepted
	defer peer.Close()

	_, err = port.Write([]byte{0x06})
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, byte(0x06), buf[0])

	_, err = peer.Write([]byte{0x01, 0x03})
	require.NoError(t, err)

	got := make([]byte, 0, 2)
	for len(got) < 2 {
		n, err := port.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, []byte{0x01, 0x03}, got)
}

func TestTCPPortReadTimeoutPolls(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, _ := ln.Accept()
		if conn != nil {
			defer conn.Close()
			select {}
		}
	}()

	port, err := OpenTCP("tcp://" + ln.Addr().String())
	require.NoError(t, err)
	defer port.Close()

	// No data pending: the deadline expires and Read reports zero bytes.
	n, err := port.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPortClosed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port, err := OpenTCP("tcp://" + ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, port.Close())

	_, err = port.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrPortClosed)
	_, err = port.Write([]byte{0x06})
	assert.ErrorIs(t, err, ErrPortClosed)

	// Closing twice is fine.
	assert.NoError(t, port.Close())
}

func TestPortStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPENING", StateOpening.String())
	assert.Equal(t, "OPEN", StateOpen.String())
}
