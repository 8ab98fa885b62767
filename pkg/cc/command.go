package cc

import (
	"errors"
	"fmt"
)

// Command errors.
var (
	// ErrTooShort indicates a command payload shorter than its header.
	ErrTooShort = errors.New("command too short")

	// ErrNotImplemented indicates a command with no registered codec.
	ErrNotImplemented = errors.New("command class not implemented")

	// ErrValidation indicates a decoded command that failed its own
	// validation.
	ErrValidation = errors.New("command validation failed")
)

// EncapFlags records which wrappers a command passed through on the way
// in, so a reply can mirror them on the way out.
type EncapFlags uint8

const (
	EncapSupervision EncapFlags = 1 << iota
	EncapSecurity
	EncapCRC16
	EncapMultiChannel
)

// Has reports whether all the given flags are set.
func (f EncapFlags) Has(flags EncapFlags) bool {
	return f&flags == flags
}

// String returns the set flags joined by "|", or "none".
func (f EncapFlags) String() string {
	if f == 0 {
		return "none"
	}
	names := []struct {
		flag EncapFlags
		name string
	}{
		{EncapSupervision, "supervision"},
		{EncapSecurity, "security"},
		{EncapCRC16, "crc16"},
		{EncapMultiChannel, "multichannel"},
	}
	var s string
	for _, n := range names {
		if f&n.flag == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += n.name
	}
	return s
}

// Command is one command class PDU, addressed to or from a node.
type Command struct {
	Class   CommandClass
	Command uint8

	NodeID   uint8
	Endpoint uint8

	// Payload is the command body after the two header bytes.
	Payload []byte

	// Flags records the encapsulation wrappers applied to this command.
	Flags EncapFlags

	// Inner is set on encapsulating commands after unwrapping.
	Inner *Command
}

// New builds a leaf command for the given node.
func New(nodeID uint8, class CommandClass, command uint8, payload []byte) *Command {
	return &Command{Class: class, Command: command, NodeID: nodeID, Payload: payload}
}

// Bytes serializes the command to its wire form: class, command, payload.
// No Operation serializes to its bare class byte.
func (c *Command) Bytes() []byte {
	if c.Class == ClassNoOperation {
		return []byte{uint8(ClassNoOperation)}
	}
	buf := make([]byte, 0, 2+len(c.Payload))
	buf = append(buf, uint8(c.Class), c.Command)
	buf = append(buf, c.Payload...)
	return buf
}

// Parse decodes raw command class bytes into a Command for the node.
func Parse(nodeID uint8, data []byte) (*Command, error) {
	if len(data) == 1 && CommandClass(data[0]) == ClassNoOperation {
		return &Command{Class: ClassNoOperation, NodeID: nodeID}, nil
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(data))
	}
	return &Command{
		Class:   CommandClass(data[0]),
		Command: data[1],
		NodeID:  nodeID,
		Payload: data[2:],
	}, nil
}

// String returns a short human-readable description.
func (c *Command) String() string {
	s := fmt.Sprintf("%s/0x%02x node=%d", c.Class, c.Command, c.NodeID)
	if c.Endpoint != 0 {
		s += fmt.Sprintf(" ep=%d", c.Endpoint)
	}
	if c.Flags != 0 {
		s += " flags=" + c.Flags.String()
	}
	return s
}

// Innermost follows the Inner chain to the leaf command.
func (c *Command) Innermost() *Command {
	for c.Inner != nil {
		c = c.Inner
	}
	return c
}

// IsEncapsulating reports whether the command wraps an inner command.
func (c *Command) IsEncapsulating() bool {
	switch c.Class {
	case ClassSupervision:
		return c.Command == SupervisionGet
	case ClassMultiChannel:
		return c.Command == MultiChannelCmdEncap
	case ClassCRC16:
		return c.Command == CRC16Encap
	case ClassSecurity:
		return c.Command == SecurityMessageEncap || c.Command == SecurityMessageEncapNonceGet
	case ClassSecurity2:
		return c.Command == Security2MessageEncap
	case ClassMultiCommand:
		return c.Command == MultiCommandEncap
	}
	return false
}
