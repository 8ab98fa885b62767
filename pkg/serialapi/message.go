package serialapi

import (
	"fmt"
	"sync"

	"github.com/zwave-host/zwgo/pkg/frame"
)

// MessageType mirrors the frame type byte.
type MessageType uint8

const (
	MessageRequest  MessageType = 0x00
	MessageResponse MessageType = 0x01
)

// String returns "Request" or "Response".
func (t MessageType) String() string {
	switch t {
	case MessageRequest:
		return "Request"
	case MessageResponse:
		return "Response"
	}
	return hexByte(uint8(t))
}

// Message is one typed host<->controller exchange unit. The scheduler
// enqueues outbound Messages and the dispatcher decodes inbound frames
// into them.
type Message struct {
	Function   FunctionType
	Type       MessageType
	CallbackID uint8
	NodeID     uint8
	Payload    []byte
}

// NewRequest builds a Request message for the given function.
func NewRequest(fn FunctionType, payload []byte) *Message {
	return &Message{Function: fn, Type: MessageRequest, Payload: payload}
}

// NewResponse builds a Response message for the given function.
func NewResponse(fn FunctionType, payload []byte) *Message {
	return &Message{Function: fn, Type: MessageResponse, Payload: payload}
}

// Frame serializes the message into a SOF data frame. The callback id, if
// set, is already part of Payload; encoders append it before this point.
func (m *Message) Frame() *frame.Frame {
	return &frame.Frame{
		Control:  frame.SOF,
		Type:     uint8(m.Type),
		Function: uint8(m.Function),
		Payload:  m.Payload,
	}
}

// FromFrame converts a SOF data frame into a Message.
func FromFrame(f *frame.Frame) (*Message, error) {
	if !f.IsData() {
		return nil, fmt.Errorf("cannot convert control frame %s to message", f)
	}
	return &Message{
		Function: FunctionType(f.Function),
		Type:     MessageType(f.Type),
		Payload:  f.Payload,
	}, nil
}

// String returns a short human-readable description.
func (m *Message) String() string {
	s := fmt.Sprintf("%s %s", m.Type, m.Function)
	if m.CallbackID != 0 {
		s += fmt.Sprintf(" cb=%d", m.CallbackID)
	}
	if m.NodeID != 0 {
		s += fmt.Sprintf(" node=%d", m.NodeID)
	}
	if len(m.Payload) > 0 {
		s += fmt.Sprintf(" len=%d", len(m.Payload))
	}
	return s
}

// CallbackCounter hands out callback ids for request correlation.
// Ids cycle 1..0xFF; zero is reserved for "no callback requested".
type CallbackCounter struct {
	mu   sync.Mutex
	last uint8
}

// Next returns the next callback id.
func (c *CallbackCounter) Next() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last++
	if c.last == 0 {
		c.last = 1
	}
	return c.last
}
