package transportservice

import (
	"errors"
	"fmt"

	"github.com/zwave-host/zwgo/pkg/cc"
)

// Wire limits. The datagram size field is 11 bits and the session id 4.
const (
	MaxDatagramSize = 0x07FF
	MaxSessionID    = 0x0F

	// DefaultFragmentSize is the payload budget per segment on a stick
	// without an explicitly negotiated MTU.
	DefaultFragmentSize = 39
)

// Segment codec errors.
var (
	ErrBadSegment      = errors.New("transportservice: malformed segment")
	ErrChecksum        = errors.New("transportservice: segment checksum mismatch")
	ErrDatagramSize    = errors.New("transportservice: datagram exceeds 2047 bytes")
	ErrSessionID       = errors.New("transportservice: session id exceeds 15")
	ErrFragmentSize    = errors.New("transportservice: fragment size must be positive")
	ErrSessionMismatch = errors.New("transportservice: segment for different datagram")
)

// SegmentKind discriminates the five transport service commands.
type SegmentKind uint8

const (
	KindFirst SegmentKind = iota
	KindSubsequent
	KindComplete
	KindRequest
	KindWait
)

// String returns the segment kind name.
func (k SegmentKind) String() string {
	switch k {
	case KindFirst:
		return "FIRST_SEGMENT"
	case KindSubsequent:
		return "SUBSEQUENT_SEGMENT"
	case KindComplete:
		return "SEGMENT_COMPLETE"
	case KindRequest:
		return "SEGMENT_REQUEST"
	case KindWait:
		return "SEGMENT_WAIT"
	default:
		return fmt.Sprintf("SegmentKind(%d)", uint8(k))
	}
}

// Segment is one decoded transport service command.
type Segment struct {
	Kind         SegmentKind
	NodeID       uint8
	SessionID    uint8
	DatagramSize int
	Offset       int
	// Pending carries the segment wait backoff count.
	Pending int
	Data    []byte
}

// segmentChecksum covers the class byte, the command byte and the
// payload up to the checksum itself.
func segmentChecksum(command uint8, payload []byte) uint16 {
	covered := make([]byte, 0, 2+len(payload))
	covered = append(covered, uint8(cc.ClassTransportService), command)
	covered = append(covered, payload...)
	return cc.ChecksumCRC16(covered)
}

func appendChecksum(command uint8, payload []byte) []byte {
	sum := segmentChecksum(command, payload)
	return append(payload, uint8(sum>>8), uint8(sum))
}

func verifyChecksum(c *cc.Command) ([]byte, error) {
	if len(c.Payload) < 2 {
		return nil, fmt.Errorf("%w: %d byte payload", ErrBadSegment, len(c.Payload))
	}
	body := c.Payload[:len(c.Payload)-2]
	got := uint16(c.Payload[len(c.Payload)-2])<<8 | uint16(c.Payload[len(c.Payload)-1])
	if want := segmentChecksum(c.Command, body); got != want {
		return nil, fmt.Errorf("%w: got 0x%04x want 0x%04x", ErrChecksum, got, want)
	}
	return body, nil
}

// EncodeFirstSegment builds the opening segment of a datagram. The low
// three bits of the command byte extend the datagram size field.
func EncodeFirstSegment(nodeID, sessionID uint8, datagramSize int, data []byte) (*cc.Command, error) {
	if datagramSize > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d", ErrDatagramSize, datagramSize)
	}
	if sessionID > MaxSessionID {
		return nil, fmt.Errorf("%w: %d", ErrSessionID, sessionID)
	}
	command := cc.TransportServiceFirstSegment | uint8(datagramSize>>8)&0x07

	payload := make([]byte, 0, 2+len(data)+2)
	payload = append(payload, uint8(datagramSize), sessionID<<4)
	payload = append(payload, data...)
	payload = appendChecksum(command, payload)
	return cc.New(nodeID, cc.ClassTransportService, command, payload), nil
}

// EncodeSubsequentSegment builds a follow-up segment at a byte offset.
func EncodeSubsequentSegment(nodeID, sessionID uint8, datagramSize, offset int, data []byte) (*cc.Command, error) {
	if datagramSize > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d", ErrDatagramSize, datagramSize)
	}
	if sessionID > MaxSessionID {
		return nil, fmt.Errorf("%w: %d", ErrSessionID, sessionID)
	}
	command := cc.TransportServiceSubsequentSegment | uint8(datagramSize>>8)&0x07

	payload := make([]byte, 0, 3+len(data)+2)
	payload = append(payload, uint8(datagramSize), sessionID<<4|uint8(offset>>8)&0x07, uint8(offset))
	payload = append(payload, data...)
	payload = appendChecksum(command, payload)
	return cc.New(nodeID, cc.ClassTransportService, command, payload), nil
}

// EncodeSegmentComplete acknowledges full reassembly of a session.
func EncodeSegmentComplete(nodeID, sessionID uint8) *cc.Command {
	payload := appendChecksum(cc.TransportServiceSegmentComplete, []byte{sessionID << 4})
	return cc.New(nodeID, cc.ClassTransportService, cc.TransportServiceSegmentComplete, payload)
}

// EncodeSegmentRequest asks the sender to retransmit from a byte offset.
func EncodeSegmentRequest(nodeID, sessionID uint8, offset int) *cc.Command {
	payload := appendChecksum(cc.TransportServiceSegmentRequest,
		[]byte{sessionID<<4 | uint8(offset>>8)&0x07, uint8(offset)})
	return cc.New(nodeID, cc.ClassTransportService, cc.TransportServiceSegmentRequest, payload)
}

// EncodeSegmentWait tells the sender to back off until the receiver has
// drained the given number of pending segments.
func EncodeSegmentWait(nodeID uint8, pending int) *cc.Command {
	payload := appendChecksum(cc.TransportServiceSegmentWait, []byte{uint8(pending)})
	return cc.New(nodeID, cc.ClassTransportService, cc.TransportServiceSegmentWait, payload)
}

// Matches reports whether the command is any transport service segment.
func Matches(c *cc.Command) bool {
	if c.Class != cc.ClassTransportService {
		return false
	}
	switch c.Command & cc.TransportServiceCmdMask {
	case cc.TransportServiceFirstSegment, cc.TransportServiceSubsequentSegment,
		cc.TransportServiceSegmentComplete, cc.TransportServiceSegmentRequest,
		cc.TransportServiceSegmentWait:
		return true
	}
	return false
}

// ParseSegment decodes and checksum-verifies a transport service command.
func ParseSegment(c *cc.Command) (*Segment, error) {
	if c.Class != cc.ClassTransportService {
		return nil, fmt.Errorf("%w: class %s", ErrBadSegment, c.Class)
	}
	body, err := verifyChecksum(c)
	if err != nil {
		return nil, err
	}

	s := &Segment{NodeID: c.NodeID}
	switch c.Command & cc.TransportServiceCmdMask {
	case cc.TransportServiceFirstSegment:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: first segment %d bytes", ErrBadSegment, len(body))
		}
		s.Kind = KindFirst
		s.DatagramSize = int(c.Command&0x07)<<8 | int(body[0])
		s.SessionID = body[1] >> 4
		s.Data = body[2:]

	case cc.TransportServiceSubsequentSegment:
		if len(body) < 3 {
			return nil, fmt.Errorf("%w: subsequent segment %d bytes", ErrBadSegment, len(body))
		}
		s.Kind = KindSubsequent
		s.DatagramSize = int(c.Command&0x07)<<8 | int(body[0])
		s.SessionID = body[1] >> 4
		s.Offset = int(body[1]&0x07)<<8 | int(body[2])
		s.Data = body[3:]

	case cc.TransportServiceSegmentComplete:
		if len(body) < 1 {
			return nil, fmt.Errorf("%w: segment complete", ErrBadSegment)
		}
		s.Kind = KindComplete
		s.SessionID = body[0] >> 4

	case cc.TransportServiceSegmentRequest:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: segment request", ErrBadSegment)
		}
		s.Kind = KindRequest
		s.SessionID = body[0] >> 4
		s.Offset = int(body[0]&0x07)<<8 | int(body[1])

	case cc.TransportServiceSegmentWait:
		if len(body) < 1 {
			return nil, fmt.Errorf("%w: segment wait", ErrBadSegment)
		}
		s.Kind = KindWait
		s.Pending = int(body[0])

	default:
		return nil, fmt.Errorf("%w: command 0x%02x", ErrBadSegment, c.Command)
	}
	return s, nil
}
