package driver

import "errors"

// Driver lifecycle errors.
var (
	// ErrNotReady indicates the driver has not finished starting.
	ErrNotReady = errors.New("driver: not ready")

	// ErrDestroyed indicates the driver has been destroyed.
	ErrDestroyed = errors.New("driver: destroyed")

	// ErrInvalidOptions indicates the configuration failed validation.
	ErrInvalidOptions = errors.New("driver: invalid options")

	// ErrNoErrorHandler indicates no error listener was registered
	// before starting.
	ErrNoErrorHandler = errors.New("driver: no error handler registered")

	// ErrFeatureDisabled indicates the operation needs a feature the
	// configuration disabled.
	ErrFeatureDisabled = errors.New("driver: feature disabled")

	// ErrFailed indicates an unrecoverable driver failure.
	ErrFailed = errors.New("driver: failed")

	// ErrNodeRemoved rejects work queued for a node that was removed.
	ErrNodeRemoved = errors.New("driver: node removed")

	// ErrAwaitTimeout indicates a wait_for expired before a match.
	ErrAwaitTimeout = errors.New("driver: timed out waiting for message")
)
