package outbox

import "errors"

// Domain errors for the outbox store.
var (
	// ErrStorage wraps every failure of the underlying database. Callers
	// treat it as transient: the message was not accepted.
	ErrStorage = errors.New("outbox: storage error")

	// ErrNotFound is returned when acknowledging or retrying a row that no
	// longer exists.
	ErrNotFound = errors.New("outbox: entry not found")
)
