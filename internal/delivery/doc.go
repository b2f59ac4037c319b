// Package delivery is the hybrid hot/cold delivery engine.
//
// A single State value holds everything shared between producers and the
// drain worker: the broker registry, the ring buffer, the outbox store, the
// global delivery mode and a handful of atomic counters. It is built once
// at startup and passed to every component.
//
// Producers call Router.Route. While the mode is HOT and the target broker
// is connected, messages that fit a slot go to the ring buffer; everything
// else goes to the outbox. A full ring buffer never blocks a producer: the
// message falls back to the outbox.
//
// One Worker drains both sources. Each cycle it takes a batch from the
// outbox first and only reads the ring buffer once the outbox has nothing
// ready, so messages persisted while COLD are dispatched before anything
// that entered the hot path afterwards. Every message carries a
// process-wide sequence number; hot messages that must be persisted keep
// it, which lets the outbox slot them back in order.
//
// Failed publishes are retried with capped exponential backoff and
// dead-lettered once MaxAttempts is reached.
//
// The ModeController flips HOT to COLD when any active broker becomes
// unhealthy and back to HOT only when every active broker is connected.
// A producer that read HOT just before a flip may still push one message
// to the ring buffer; the worker spills such messages to the outbox with
// their original sequence number, so ordering is kept.
package delivery
