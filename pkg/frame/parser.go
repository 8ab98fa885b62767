package frame

import "fmt"

// parseState tracks the parser position within a SOF frame.
type parseState uint8

const (
	stateControl parseState = iota
	stateLength
	stateType
	stateFunction
	statePayload
	stateChecksum
)

// Parser converts a serial byte stream into Frames one byte at a time.
// It is not safe for concurrent use; the read loop owns it.
type Parser struct {
	state   parseState
	partial Frame
	length  uint8
}

// NewParser creates a parser waiting for a frame start.
func NewParser() *Parser {
	return &Parser{}
}

// InFrame reports whether the parser is mid-frame. The read loop uses this
// to apply the inter-byte timeout only while a frame is in progress.
func (p *Parser) InFrame() bool {
	return p.state != stateControl
}

// Reset discards any partial frame, returning the parser to the
// frame-start state. Called on inter-byte timeout.
func (p *Parser) Reset() {
	p.state = stateControl
	p.partial = Frame{}
	p.length = 0
}

// Parse consumes one byte. When a complete frame has been assembled the
// Frame return is non-nil. On a framing error the parser resets itself and
// returns the error; the caller replies NAK and carries on.
func (p *Parser) Parse(b uint8) (*Frame, error) {
	switch p.state {

	case stateControl:
		switch b {
		case ACK, NAK, CAN:
			return &Frame{Control: b}, nil
		case SOF:
			p.partial = Frame{Control: SOF}
			p.state = stateLength
			return nil, nil
		default:
			p.Reset()
			return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidPreamble, b)
		}

	case stateLength:
		if b < 3 {
			p.Reset()
			return nil, fmt.Errorf("%w: %d", ErrInvalidLength, b)
		}
		p.length = b
		p.state = stateType
		return nil, nil

	case stateType:
		if b != TypeRequest && b != TypeResponse {
			p.Reset()
			return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidType, b)
		}
		p.partial.Type = b
		p.state = stateFunction
		return nil, nil

	case stateFunction:
		p.partial.Function = b
		if p.length == 3 {
			p.state = stateChecksum
		} else {
			p.partial.Payload = make([]byte, 0, int(p.length)-3)
			p.state = statePayload
		}
		return nil, nil

	case statePayload:
		p.partial.Payload = append(p.partial.Payload, b)
		// Length covers type, function, payload and checksum.
		if len(p.partial.Payload) == int(p.length)-3 {
			p.state = stateChecksum
		}
		return nil, nil

	case stateChecksum:
		done := p.partial
		p.Reset()
		if done.Checksum() != b {
			return nil, fmt.Errorf("%w: got 0x%02x want 0x%02x", ErrChecksum, b, done.Checksum())
		}
		return &done, nil

	default:
		p.Reset()
		return nil, fmt.Errorf("frame parser in invalid state %d", p.state)
	}
}
