package broker

import "errors"

// Domain errors for the broker registry.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, broker.ErrBusy) {
//	    // retry removal later
//	}
var (
	// ErrNotFound is returned when no active broker has the given name.
	ErrNotFound = errors.New("broker: not found")

	// ErrExists is returned when adding a broker whose name is already registered.
	ErrExists = errors.New("broker: already exists")

	// ErrRegistryFull is returned when all MaxBrokers slots are in use.
	ErrRegistryFull = errors.New("broker: registry full")

	// ErrBusy is returned when removing or updating a broker that still has
	// messages in flight.
	ErrBusy = errors.New("broker: messages in flight")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("broker: invalid config")

	// ErrInvalidTransition is returned for a connection state change that the
	// state machine does not allow.
	ErrInvalidTransition = errors.New("broker: invalid state transition")
)
