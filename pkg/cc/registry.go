package cc

import (
	"fmt"
	"sync"
)

// Validator checks a decoded command. Returning an error drops it.
type Validator func(c *Command) error

// Handler processes a decoded inbound command.
type Handler func(c *Command) error

type registration struct {
	validate Validator
	handle   Handler
}

// Registry maps (class, command) to validation and handling.
// Unregistered commands decode to raw Commands and Dispatch reports
// ErrNotImplemented so the dispatcher can ACK and drop them.
type Registry struct {
	mu   sync.RWMutex
	regs map[registryKey]registration
}

type registryKey struct {
	class   CommandClass
	command uint8
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{regs: make(map[registryKey]registration)}
}

// Register installs a validator and handler for (class, command).
// A nil validator accepts everything.
func (r *Registry) Register(class CommandClass, command uint8, validate Validator, handle Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[registryKey{class, command}] = registration{validate: validate, handle: handle}
}

// Supported reports whether (class, command) has a registration.
func (r *Registry) Supported(class CommandClass, command uint8) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.regs[registryKey{class, command}]
	return ok
}

// Dispatch validates and handles a decoded command.
func (r *Registry) Dispatch(c *Command) error {
	r.mu.RLock()
	reg, ok := r.regs[registryKey{c.Class, c.Command}]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotImplemented, c)
	}
	if reg.validate != nil {
		if err := reg.validate(c); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if reg.handle == nil {
		return nil
	}
	return reg.handle(c)
}
