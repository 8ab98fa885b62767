package cc

import "fmt"

// MultiChannelEncapCommand is a decoded Multi Channel Command Encapsulation.
type MultiChannelEncapCommand struct {
	SourceEndpoint uint8
	DestEndpoint   uint8
	BitAddress     bool
	EncapsulatedCC []byte
}

// EncodeMultiChannelEncap wraps inner command bytes for an endpoint.
// Source endpoint zero means the root device.
func EncodeMultiChannelEncap(nodeID uint8, sourceEndpoint, destEndpoint uint8, inner []byte) *Command {
	payload := make([]byte, 0, 2+len(inner))
	payload = append(payload, sourceEndpoint&0x7F, destEndpoint&0x7F)
	payload = append(payload, inner...)
	c := New(nodeID, ClassMultiChannel, MultiChannelCmdEncap, payload)
	c.Endpoint = destEndpoint
	return c
}

// DecodeMultiChannelEncap parses a Multi Channel encapsulation payload.
func DecodeMultiChannelEncap(c *Command) (*MultiChannelEncapCommand, error) {
	if c.Class != ClassMultiChannel || c.Command != MultiChannelCmdEncap {
		return nil, fmt.Errorf("%w: %s", ErrValidation, c)
	}
	if len(c.Payload) < 4 {
		return nil, fmt.Errorf("%w: multichannel encap %d bytes", ErrTooShort, len(c.Payload))
	}
	return &MultiChannelEncapCommand{
		SourceEndpoint: c.Payload[0] & 0x7F,
		DestEndpoint:   c.Payload[1] & 0x7F,
		BitAddress:     c.Payload[1]&0x80 != 0,
		EncapsulatedCC: c.Payload[2:],
	}, nil
}
