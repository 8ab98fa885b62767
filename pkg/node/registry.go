package node

import (
	"sort"
	"sync"
	"time"

	"github.com/zwave-host/zwgo/pkg/cc"
	"github.com/zwave-host/zwgo/pkg/cc/encap"
	"github.com/zwave-host/zwgo/pkg/log"
	"github.com/zwave-host/zwgo/pkg/security"
)

// StatusListener observes node power-state transitions.
type StatusListener func(nodeID uint8, old, new Status)

// Registry is the arena of known nodes, indexed by node id. It is the
// single owner of Node records; Controller and Driver hold ids only.
type Registry struct {
	mu    sync.Mutex
	nodes map[uint8]*Node

	listeners []StatusListener

	logger    log.Logger
	sessionID string
}

var _ encap.NodeInfo = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		nodes:  make(map[uint8]*Node),
		logger: log.NoopLogger{},
	}
}

// SetLogger configures logging. Pass nil to disable.
func (r *Registry) SetLogger(logger log.Logger, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = log.OrNoop(logger)
	r.sessionID = sessionID
}

// OnStatusChange registers a listener for power-state transitions.
// Listeners run outside the registry lock.
func (r *Registry) OnStatusChange(fn StatusListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Ensure returns the node record for id, creating it if absent.
func (r *Registry) Ensure(id uint8) *Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureLocked(id)
}

func (r *Registry) ensureLocked(id uint8) *Node {
	n, ok := r.nodes[id]
	if !ok {
		n = newNode(id)
		r.nodes[id] = n
	}
	return n
}

// Has reports whether the node is known.
func (r *Registry) Has(id uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.nodes[id]
	return ok
}

// Remove deletes the node record. The caller purges queued work and
// nonce tables separately.
func (r *Registry) Remove(id uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, id)
}

// IDs returns the known node ids in ascending order.
func (r *Registry) IDs() []uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint8, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// With runs fn with the node record under the registry lock, creating
// the node if absent. fn must not call back into the registry.
func (r *Registry) With(id uint8, fn func(n *Node)) {
	r.mu.Lock()
	n := r.ensureLocked(id)
	fn(n)
	r.mu.Unlock()
}

// Status returns the node's power state, StatusUnknown if not known.
func (r *Registry) Status(id uint8) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		return n.Status
	}
	return StatusUnknown
}

// SetStatus transitions the node's power state, logging the change and
// notifying listeners. It reports whether the state actually changed.
func (r *Registry) SetStatus(id uint8, status Status) bool {
	r.mu.Lock()
	n := r.ensureLocked(id)
	old := n.Status
	if old == status {
		r.mu.Unlock()
		return false
	}
	n.Status = status
	listeners := append([]StatusListener(nil), r.listeners...)
	logger, sessionID := r.logger, r.sessionID
	r.mu.Unlock()

	logger.Log(log.Event{
		Timestamp: time.Now(),
		SessionID: sessionID,
		Layer:     log.LayerDriver,
		Category:  log.CategoryState,
		NodeID:    id,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityNode,
			OldState: old.String(),
			NewState: status.String(),
		},
	})
	for _, fn := range listeners {
		fn(id, old, status)
	}
	return true
}

// MarkAlive records traffic from the node: Dead and Unknown nodes
// become Alive, Asleep nodes become Awake. It returns the transition
// that occurred, if any.
func (r *Registry) MarkAlive(id uint8) (old, new Status, changed bool) {
	r.mu.Lock()
	n := r.ensureLocked(id)
	old = n.Status
	canSleep := n.CanSleep
	r.mu.Unlock()

	switch old {
	case StatusAsleep:
		return old, StatusAwake, r.SetStatus(id, StatusAwake)
	case StatusDead, StatusUnknown:
		next := StatusAlive
		if old == StatusUnknown && canSleep {
			next = StatusAwake
		}
		return old, next, r.SetStatus(id, next)
	}
	return old, old, false
}

// SecurityScheme implements encap.NodeInfo. S2 wins for any S2 or
// temporary bootstrap class, S0 for the legacy class.
func (r *Registry) SecurityScheme(nodeID uint8) encap.SecurityScheme {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return encap.SchemeNone
	}
	switch {
	case n.SecurityClass.IsS2():
		return encap.SchemeS2
	case n.SecurityClass == security.KeyClassS0Legacy:
		return encap.SchemeS0
	default:
		return encap.SchemeNone
	}
}

// SupportsCRC16 implements encap.NodeInfo.
func (r *Registry) SupportsCRC16(nodeID uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	return ok && n.SupportsCRC16
}

// SupportsSupervision implements encap.NodeInfo.
func (r *Registry) SupportsSupervision(nodeID uint8, class cc.CommandClass) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	return ok && n.SupervisionSupport[class]
}

// RequiresSecurity reports whether a command of the given class from
// this node must arrive under security encapsulation.
func (r *Registry) RequiresSecurity(nodeID uint8, class cc.CommandClass) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return false
	}
	if n.SecurityClass == security.KeyClassNone || n.SecurityClass == security.KeyClassTemporary {
		return false
	}
	return n.SecureClasses[class]
}
