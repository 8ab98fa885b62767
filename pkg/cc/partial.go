package cc

import (
	"fmt"
	"sync"
)

// Merger combines buffered partial commands into the final aggregate.
// The final command is last in parts.
type Merger func(parts []*Command) (*Command, error)

type partialKey struct {
	node    uint8
	class   CommandClass
	command uint8
	session uint8
}

// PartialAssembler buffers commands that arrive as multi-report series
// keyed by (node, class, command, session id) until the final report.
type PartialAssembler struct {
	mu      sync.Mutex
	pending map[partialKey][]*Command
	mergers map[registryKey]Merger
}

// NewPartialAssembler creates an empty assembler.
func NewPartialAssembler() *PartialAssembler {
	return &PartialAssembler{
		pending: make(map[partialKey][]*Command),
		mergers: make(map[registryKey]Merger),
	}
}

// RegisterMerger installs the merge routine for (class, command).
func (a *PartialAssembler) RegisterMerger(class CommandClass, command uint8, merge Merger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mergers[registryKey{class, command}] = merge
}

// Add buffers one command of a series. When final is true the buffered
// parts are merged and the aggregate returned; the buffer entry is removed
// whether or not the merge succeeds. When final is false Add returns
// (nil, nil).
func (a *PartialAssembler) Add(c *Command, session uint8, final bool) (*Command, error) {
	key := partialKey{node: c.NodeID, class: c.Class, command: c.Command, session: session}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending[key] = append(a.pending[key], c)
	if !final {
		return nil, nil
	}

	parts := a.pending[key]
	delete(a.pending, key)

	merge, ok := a.mergers[registryKey{c.Class, c.Command}]
	if !ok {
		return nil, fmt.Errorf("%w: no merger for %s", ErrNotImplemented, c)
	}
	merged, err := merge(parts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return merged, nil
}

// Drop discards any buffered parts for the key.
func (a *PartialAssembler) Drop(nodeID uint8, class CommandClass, command uint8, session uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, partialKey{node: nodeID, class: class, command: command, session: session})
}

// PendingCount returns the number of open series, for diagnostics.
func (a *PartialAssembler) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
