package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zwave-host/zwgo/pkg/serialapi"
)

// Priority orders transactions, highest first.
type Priority int

const (
	PriorityNonce Priority = iota
	PrioritySupervision
	PriorityController
	PriorityPing
	PriorityMultistepController
	PriorityHandshake
	PriorityPreTransmitHandshake
	PriorityNodeQuery
	PriorityNormal
	PriorityPoll
	PriorityWakeUp
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityNonce:
		return "NONCE"
	case PrioritySupervision:
		return "SUPERVISION"
	case PriorityController:
		return "CONTROLLER"
	case PriorityPing:
		return "PING"
	case PriorityMultistepController:
		return "MULTISTEP_CONTROLLER"
	case PriorityHandshake:
		return "HANDSHAKE"
	case PriorityPreTransmitHandshake:
		return "PRE_TRANSMIT_HANDSHAKE"
	case PriorityNodeQuery:
		return "NODE_QUERY"
	case PriorityNormal:
		return "NORMAL"
	case PriorityPoll:
		return "POLL"
	case PriorityWakeUp:
		return "WAKE_UP"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Result is the settled outcome of a transaction.
type Result struct {
	Message *serialapi.Message
	Err     error
}

// PartsFunc generates the message sequence of a transaction. It is
// called with nil to produce the first message, then with the result of
// each completed part. Returning done reports the transaction finished;
// the last completed result settles the promise.
type PartsFunc func(prev *serialapi.Message) (next *serialapi.Message, done bool)

// Transaction is one unit of scheduler work.
type Transaction struct {
	Priority Priority
	NodeID   uint8
	Tag      string

	// ExpiresAt rejects the transaction with ErrMessageExpired if it is
	// still queued at that instant. Zero means no expiry.
	ExpiresAt time.Time

	// ChangeNodeStatusOnTimeout asks the driver to re-evaluate the node
	// power state when this transaction fails with ErrNodeTimeout.
	ChangeNodeStatusOnTimeout bool

	// PauseSendThreadOnDispatch pauses the scheduler once this
	// transaction settles. Used around soft reset.
	PauseSendThreadOnDispatch bool

	// NoResponse marks messages the controller never answers, such as
	// SendDataAbort and SoftReset.
	NoResponse bool

	// WaitForNodeUpdate holds the transaction open until an
	// ApplicationUpdate arrives, as RequestNodeInfo requires.
	WaitForNodeUpdate bool

	parts PartsFunc
	seq   uint64

	once sync.Once
	done chan Result
}

// New creates a single-message transaction.
func New(priority Priority, msg *serialapi.Message) *Transaction {
	sent := false
	return NewMultiStep(priority, func(prev *serialapi.Message) (*serialapi.Message, bool) {
		if sent {
			return nil, true
		}
		sent = true
		return msg, false
	})
}

// NewMultiStep creates a transaction driven by a parts generator.
func NewMultiStep(priority Priority, parts PartsFunc) *Transaction {
	return &Transaction{
		Priority: priority,
		parts:    parts,
		done:     make(chan Result, 1),
	}
}

func (t *Transaction) next(prev *serialapi.Message) (*serialapi.Message, bool) {
	return t.parts(prev)
}

func (t *Transaction) settle(r Result) {
	t.once.Do(func() { t.done <- r })
}

// Await blocks until the transaction settles or the context ends.
func (t *Transaction) Await(ctx context.Context) (*serialapi.Message, error) {
	select {
	case r := <-t.done:
		return r.Message, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done exposes the settled result channel.
func (t *Transaction) Done() <-chan Result { return t.done }

// expired reports whether the expiry deadline passed.
func (t *Transaction) expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}
