package node

import (
	"github.com/zwave-host/zwgo/pkg/cc"
	"github.com/zwave-host/zwgo/pkg/security"
)

// Status is a node's power state.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusAlive
	StatusAwake
	StatusAsleep
	StatusDead
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusAlive:
		return "ALIVE"
	case StatusAwake:
		return "AWAKE"
	case StatusAsleep:
		return "ASLEEP"
	case StatusDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Node holds the per-node facts the driver core routes on. Fields are
// guarded by the owning Registry's lock; callers access them through
// Registry methods or inside a Registry.With block.
type Node struct {
	ID     uint8
	Status Status

	// CanSleep marks battery devices that leave the listening state.
	CanSleep bool

	// SupportsWakeUp is set once the Wake Up CC shows up in the node's
	// command-class list.
	SupportsWakeUp bool

	// KeepAwake suppresses the back-to-sleep command, for example
	// during an interview or firmware update.
	KeepAwake bool

	// WakeUpIntervalSeconds is the reported wake-up interval. Zero
	// means the node only wakes manually and is never sent back to
	// sleep by the driver.
	WakeUpIntervalSeconds uint32

	// SecurityClass is the highest granted key class.
	SecurityClass security.KeyClass

	// SupportsCRC16 is learned from the node's command-class list.
	SupportsCRC16 bool

	// SecureClasses lists command classes the node only accepts under
	// security encapsulation.
	SecureClasses map[cc.CommandClass]bool

	// SupervisionSupport records per-class Supervision support.
	SupervisionSupport map[cc.CommandClass]bool

	// CCVersions maps command class to its highest supported version.
	CCVersions map[cc.CommandClass]uint8

	// Manufacturer identity from the Manufacturer Specific report.
	ManufacturerID uint16
	ProductType    uint16
	ProductID      uint16

	// InterviewAttempts counts interview starts for this node.
	InterviewAttempts int
}

// newNode creates a node in the Unknown state.
func newNode(id uint8) *Node {
	return &Node{
		ID:                 id,
		Status:             StatusUnknown,
		SecureClasses:      make(map[cc.CommandClass]bool),
		SupervisionSupport: make(map[cc.CommandClass]bool),
		CCVersions:         make(map[cc.CommandClass]uint8),
	}
}

// Asleep reports whether the node is currently asleep.
func (n *Node) Asleep() bool { return n.Status == StatusAsleep }

// EligibleForSleep reports whether the driver should send the node back
// to sleep when its queue drains.
func (n *Node) EligibleForSleep() bool {
	return n.CanSleep && n.SupportsWakeUp && n.WakeUpIntervalSeconds != 0 && !n.KeepAwake
}
