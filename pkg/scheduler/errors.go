package scheduler

import "errors"

// Transaction failure kinds surfaced on the promise.
var (
	// ErrACKTimeout indicates the controller never ACKed the frame
	// within the attempt budget. Covers NAK and CAN replies too.
	ErrACKTimeout = errors.New("scheduler: no ACK from controller")

	// ErrResponseTimeout indicates the Response to a Request never
	// arrived.
	ErrResponseTimeout = errors.New("scheduler: response timeout")

	// ErrCallbackTimeout indicates the asynchronous callback never
	// arrived.
	ErrCallbackTimeout = errors.New("scheduler: callback timeout")

	// ErrResponseNOK indicates the controller rejected the command in
	// its immediate response.
	ErrResponseNOK = errors.New("scheduler: controller rejected command")

	// ErrCallbackNOK indicates the controller reported transmit failure
	// in the callback.
	ErrCallbackNOK = errors.New("scheduler: transmit failed")

	// ErrNodeTimeout indicates the target node did not acknowledge the
	// radio frame.
	ErrNodeTimeout = errors.New("scheduler: node did not respond")

	// ErrMessageDropped indicates a reducer removed the transaction,
	// typically because its node was removed or declared dead.
	ErrMessageDropped = errors.New("scheduler: message dropped")

	// ErrMessageExpired indicates the transaction outlived its
	// expiry deadline while queued.
	ErrMessageExpired = errors.New("scheduler: message expired")

	// ErrInterviewRestarted indicates queued interview steps were
	// cancelled because the interview started over.
	ErrInterviewRestarted = errors.New("scheduler: interview restarted")

	// ErrStopped indicates the scheduler shut down with the
	// transaction still pending.
	ErrStopped = errors.New("scheduler: stopped")
)
