package driver

import (
	"sync"

	"github.com/zwave-host/zwgo/pkg/serialapi"
)

// RequestHandler processes an unsolicited request. Returning true
// consumes the message and stops the chain.
type RequestHandler func(m *serialapi.Message) bool

type handlerEntry struct {
	fn      RequestHandler
	oneTime bool
}

// handlerChain maps function types to their handlers, invoked in
// registration order. One-time handlers remove themselves after the
// first message they consume.
type handlerChain struct {
	mu       sync.Mutex
	handlers map[serialapi.FunctionType][]*handlerEntry
}

func newHandlerChain() *handlerChain {
	return &handlerChain{handlers: make(map[serialapi.FunctionType][]*handlerEntry)}
}

func (h *handlerChain) register(fn serialapi.FunctionType, handler RequestHandler, oneTime bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[fn] = append(h.handlers[fn], &handlerEntry{fn: handler, oneTime: oneTime})
}

func (h *handlerChain) unregisterAll(fn serialapi.FunctionType) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, fn)
}

// dispatch walks the chain for the message's function type. It reports
// whether a handler consumed the message.
func (h *handlerChain) dispatch(m *serialapi.Message) bool {
	h.mu.Lock()
	chain := append([]*handlerEntry(nil), h.handlers[m.Function]...)
	h.mu.Unlock()

	for _, e := range chain {
		if !e.fn(m) {
			continue
		}
		if e.oneTime {
			h.remove(m.Function, e)
		}
		return true
	}
	return false
}

func (h *handlerChain) remove(fn serialapi.FunctionType, entry *handlerEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	chain := h.handlers[fn]
	for i, e := range chain {
		if e == entry {
			h.handlers[fn] = append(chain[:i], chain[i+1:]...)
			return
		}
	}
}
