package slot

import "errors"

// Domain errors for slot encoding.
//
// Check with errors.Is():
//
//	if errors.Is(err, slot.ErrTooLarge) {
//	    // route through the outbox
//	}
var (
	// ErrTooLarge is returned when topic and payload exceed DataCapacity.
	// It is a routing signal, not a delivery failure.
	ErrTooLarge = errors.New("slot: message exceeds slot capacity")

	// ErrCorrupt is returned when a slot fails magic or length validation.
	ErrCorrupt = errors.New("slot: corrupt slot")

	// ErrInvalidMessage is returned for messages that violate the hard
	// limits on broker name, topic, payload or QoS.
	ErrInvalidMessage = errors.New("slot: invalid message")
)
