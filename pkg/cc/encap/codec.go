package encap

import (
	"errors"

	"github.com/zwave-host/zwgo/pkg/cc"
)

// Pipeline errors.
var (
	// ErrMultiCommand indicates a Multi Command encapsulation, which the
	// driver rejects.
	ErrMultiCommand = errors.New("multi command encapsulation rejected")

	// ErrNoCodec indicates an encapsulating command with no codec to
	// unwrap it, typically a security layer without keys.
	ErrNoCodec = errors.New("no codec for encapsulation layer")
)

// Codec wraps and unwraps one encapsulation layer. Security managers
// implement this for S0 and S2.
type Codec interface {
	// Flag is the encapsulation flag this codec records.
	Flag() cc.EncapFlags

	// Matches reports whether the codec can unwrap the command.
	Matches(c *cc.Command) bool

	// Wrap encapsulates the command.
	Wrap(c *cc.Command) (*cc.Command, error)

	// Unwrap removes the layer and returns the inner command.
	Unwrap(c *cc.Command) (*cc.Command, error)
}

// SecurityScheme is the security level assigned to a node.
type SecurityScheme uint8

const (
	SchemeNone SecurityScheme = iota
	SchemeS0
	SchemeS2
)

// NodeInfo supplies the per-node facts the pipeline routes on.
type NodeInfo interface {
	// SecurityScheme returns the scheme active for the node.
	SecurityScheme(nodeID uint8) SecurityScheme

	// SupportsCRC16 reports whether the node accepts CRC-16 encapsulation.
	SupportsCRC16(nodeID uint8) bool

	// SupportsSupervision reports whether the node supports Supervision
	// for the given command class.
	SupportsSupervision(nodeID uint8, class cc.CommandClass) bool
}
