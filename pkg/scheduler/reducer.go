package scheduler

import "github.com/zwave-host/zwgo/pkg/serialapi"

// Verdict is a reducer's decision for one transaction.
type Verdict int

const (
	// VerdictKeep leaves the transaction untouched.
	VerdictKeep Verdict = iota
	// VerdictDrop terminates it with ErrMessageDropped.
	VerdictDrop
	// VerdictReject terminates it with the reducer's error.
	VerdictReject
	// VerdictRequeue moves it to a new priority, preserving relative
	// order among requeued transactions.
	VerdictRequeue
	// VerdictResolve settles it with the reducer's message.
	VerdictResolve
)

// Reduction is the full decision: verdict plus its parameters.
type Reduction struct {
	Verdict  Verdict
	Err      error
	Priority Priority
	Tag      string
	Message  *serialapi.Message
}

// Keep is the no-op reduction.
func Keep() Reduction { return Reduction{Verdict: VerdictKeep} }

// Drop removes the transaction.
func Drop() Reduction { return Reduction{Verdict: VerdictDrop} }

// Reject fails the transaction with err.
func Reject(err error) Reduction { return Reduction{Verdict: VerdictReject, Err: err} }

// Requeue moves the transaction to a new priority band, optionally
// retagging it.
func Requeue(p Priority, tag string) Reduction {
	return Reduction{Verdict: VerdictRequeue, Priority: p, Tag: tag}
}

// Resolve settles the transaction successfully with msg.
func Resolve(msg *serialapi.Message) Reduction {
	return Reduction{Verdict: VerdictResolve, Message: msg}
}

// Reducer decides the fate of each queued or active transaction. It
// must be pure: no I/O, no scheduler calls.
type Reducer func(t *Transaction) Reduction
