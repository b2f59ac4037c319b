package delivery

import "errors"

// Domain errors for the delivery engine.
//
//	ok, err := router.Route(ctx, msg)
//	if errors.Is(err, delivery.ErrRejected) {
//	    // unknown broker: caller error, do not retry
//	}
var (
	// ErrRejected is returned by Route when the target broker is unknown.
	ErrRejected = errors.New("delivery: rejected")

	// ErrStateCorrupt is returned by Worker.Run when the shared queue state
	// fails its invariant check. It is fatal: the worker halts rather than
	// risk delivering out of order.
	ErrStateCorrupt = errors.New("delivery: shared state corrupt")

	// ErrWorkerRunning is returned by Worker.Run when a worker already
	// owns the shared state.
	ErrWorkerRunning = errors.New("delivery: worker already running")
)
