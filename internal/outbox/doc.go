// Package outbox is the durable cold path: a SQLite-backed FIFO of messages
// waiting for delivery, plus the dead-letter table for messages that will
// never be delivered.
//
// Rows are consumed with a two-phase protocol so a crash never loses an
// accepted message:
//
//	DrainBatch  marks up to N ready rows claimed and returns them
//	Ack         deletes a claimed row once the broker confirmed it
//	Retry       unclaims a row with a new attempt count and due time
//	Release     unclaims a row that was never dispatched
//
// RecoverClaimed unclaims everything left claimed by a previous process, so
// delivery is at-least-once across restarts.
//
// Rows are ordered by seq, the process-wide sequence number the router
// stamps on every message, then by id. Messages spilled from the ring
// buffer keep their original seq and so slot in ahead of anything newer.
package outbox
