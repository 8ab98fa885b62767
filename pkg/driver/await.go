package driver

import (
	"context"
	"sync"
	"time"

	"github.com/zwave-host/zwgo/pkg/cc"
	"github.com/zwave-host/zwgo/pkg/serialapi"
)

// MessagePredicate matches an inbound Serial API message.
type MessagePredicate func(m *serialapi.Message) bool

// CommandPredicate matches an unwrapped inbound command.
type CommandPredicate func(c *cc.Command) bool

type messageAwaiter struct {
	pred  MessagePredicate
	ch    chan *serialapi.Message
	timer *time.Timer
}

type commandAwaiter struct {
	pred  CommandPredicate
	ch    chan *cc.Command
	timer *time.Timer
}

// awaiters holds the pending wait_for registrations in insertion order.
// The first matching awaiter consumes the message; each has its own
// timeout.
type awaiters struct {
	mu       sync.Mutex
	messages []*messageAwaiter
	commands []*commandAwaiter
}

func (a *awaiters) addMessage(pred MessagePredicate, timeout time.Duration) *messageAwaiter {
	w := &messageAwaiter{pred: pred, ch: make(chan *serialapi.Message, 1)}
	a.mu.Lock()
	a.messages = append(a.messages, w)
	a.mu.Unlock()
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { a.removeMessage(w) })
	}
	return w
}

func (a *awaiters) removeMessage(w *messageAwaiter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, cur := range a.messages {
		if cur == w {
			a.messages = append(a.messages[:i], a.messages[i+1:]...)
			return
		}
	}
}

func (a *awaiters) addCommand(pred CommandPredicate, timeout time.Duration) *commandAwaiter {
	w := &commandAwaiter{pred: pred, ch: make(chan *cc.Command, 1)}
	a.mu.Lock()
	a.commands = append(a.commands, w)
	a.mu.Unlock()
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { a.removeCommand(w) })
	}
	return w
}

func (a *awaiters) removeCommand(w *commandAwaiter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, cur := range a.commands {
		if cur == w {
			a.commands = append(a.commands[:i], a.commands[i+1:]...)
			return
		}
	}
}

// offerMessage hands the message to the first matching awaiter. It
// reports whether one consumed it.
func (a *awaiters) offerMessage(m *serialapi.Message) bool {
	a.mu.Lock()
	var match *messageAwaiter
	for i, w := range a.messages {
		if w.pred(m) {
			match = w
			a.messages = append(a.messages[:i], a.messages[i+1:]...)
			break
		}
	}
	a.mu.Unlock()
	if match == nil {
		return false
	}
	if match.timer != nil {
		match.timer.Stop()
	}
	match.ch <- m
	return true
}

// offerCommand hands the command to the first matching awaiter.
func (a *awaiters) offerCommand(c *cc.Command) bool {
	a.mu.Lock()
	var match *commandAwaiter
	for i, w := range a.commands {
		if w.pred(c) {
			match = w
			a.commands = append(a.commands[:i], a.commands[i+1:]...)
			break
		}
	}
	a.mu.Unlock()
	if match == nil {
		return false
	}
	if match.timer != nil {
		match.timer.Stop()
	}
	match.ch <- c
	return true
}

func awaitMessage(ctx context.Context, w *messageAwaiter, timeout time.Duration) (*serialapi.Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case m := <-w.ch:
		return m, nil
	case <-deadline.C:
		return nil, ErrAwaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func awaitCommand(ctx context.Context, w *commandAwaiter, timeout time.Duration) (*cc.Command, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case c := <-w.ch:
		return c, nil
	case <-deadline.C:
		return nil, ErrAwaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
