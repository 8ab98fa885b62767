package cc

import (
	"fmt"
	"sync"
	"time"
)

// Supervision Get properties byte: session id in the low 6 bits, status
// updates requested in the top bit.
const (
	supervisionSessionMask    uint8 = 0x3F
	supervisionStatusUpdates  uint8 = 0x80
	supervisionMoreUpdates    uint8 = 0x80
)

// SupervisionGetCommand is a decoded Supervision Get wrapper.
type SupervisionGetCommand struct {
	SessionID      uint8
	StatusUpdates  bool
	EncapsulatedCC []byte
}

// EncodeSupervisionGet wraps inner command bytes in a Supervision Get.
func EncodeSupervisionGet(nodeID uint8, sessionID uint8, statusUpdates bool, inner []byte) *Command {
	props := sessionID & supervisionSessionMask
	if statusUpdates {
		props |= supervisionStatusUpdates
	}
	payload := make([]byte, 0, 2+len(inner))
	payload = append(payload, props, uint8(len(inner)))
	payload = append(payload, inner...)
	return New(nodeID, ClassSupervision, SupervisionGet, payload)
}

// DecodeSupervisionGet parses a Supervision Get payload.
func DecodeSupervisionGet(c *Command) (*SupervisionGetCommand, error) {
	if c.Class != ClassSupervision || c.Command != SupervisionGet {
		return nil, fmt.Errorf("%w: %s", ErrValidation, c)
	}
	if len(c.Payload) < 2 {
		return nil, fmt.Errorf("%w: supervision get %d bytes", ErrTooShort, len(c.Payload))
	}
	ccLen := int(c.Payload[1])
	if len(c.Payload) < 2+ccLen {
		return nil, fmt.Errorf("%w: supervision inner length %d", ErrTooShort, ccLen)
	}
	return &SupervisionGetCommand{
		SessionID:      c.Payload[0] & supervisionSessionMask,
		StatusUpdates:  c.Payload[0]&supervisionStatusUpdates != 0,
		EncapsulatedCC: c.Payload[2 : 2+ccLen],
	}, nil
}

// SupervisionReportCommand is a decoded Supervision Report.
type SupervisionReportCommand struct {
	SessionID         uint8
	MoreUpdatesFollow bool
	Status            uint8
	Duration          time.Duration
}

// EncodeSupervisionReport builds a Supervision Report reply.
func EncodeSupervisionReport(nodeID uint8, sessionID uint8, moreUpdates bool, status uint8, duration time.Duration) *Command {
	props := sessionID & supervisionSessionMask
	if moreUpdates {
		props |= supervisionMoreUpdates
	}
	return New(nodeID, ClassSupervision, SupervisionReport,
		[]byte{props, status, encodeDuration(duration)})
}

// DecodeSupervisionReport parses a Supervision Report payload.
func DecodeSupervisionReport(c *Command) (*SupervisionReportCommand, error) {
	if c.Class != ClassSupervision || c.Command != SupervisionReport {
		return nil, fmt.Errorf("%w: %s", ErrValidation, c)
	}
	if len(c.Payload) < 3 {
		return nil, fmt.Errorf("%w: supervision report %d bytes", ErrTooShort, len(c.Payload))
	}
	return &SupervisionReportCommand{
		SessionID:         c.Payload[0] & supervisionSessionMask,
		MoreUpdatesFollow: c.Payload[0]&supervisionMoreUpdates != 0,
		Status:            c.Payload[1],
		Duration:          decodeDuration(c.Payload[2]),
	}, nil
}

// encodeDuration converts a duration to the CC duration byte: seconds up
// to 127, minutes (bit 7 set) beyond.
func encodeDuration(d time.Duration) uint8 {
	secs := int(d / time.Second)
	if secs <= 0 {
		return 0
	}
	if secs <= 127 {
		return uint8(secs)
	}
	mins := secs / 60
	if mins > 126 {
		mins = 126
	}
	return 0x80 | uint8(mins)
}

// decodeDuration converts the CC duration byte back to a duration.
func decodeDuration(b uint8) time.Duration {
	if b&0x80 != 0 {
		return time.Duration(b&0x7F) * time.Minute
	}
	return time.Duration(b) * time.Second
}

// SessionCounter hands out supervision session ids, cycling 0..63.
type SessionCounter struct {
	mu   sync.Mutex
	last uint8
}

// Next returns the next session id.
func (s *SessionCounter) Next() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = (s.last + 1) & supervisionSessionMask
	return s.last
}
