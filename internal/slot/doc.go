// Package slot encodes a single outbound MQTT message into the fixed-size
// binary container carried through the in-memory ring buffer.
//
// # Layout
//
// Every slot is exactly Size bytes. Integers are big-endian:
//
//	offset  size  field
//	0       2     magic (0x4D51, "MQ")
//	2       1     flags (bits 0-1 QoS, bit 2 retain)
//	3       32    broker name, NUL padded
//	35      2     topic length
//	37      4     payload length
//	41      8     sequence number
//	49      ...   topic bytes followed by payload bytes
//
// Messages whose topic and payload do not fit in DataCapacity bytes are
// rejected with ErrTooLarge; the router sends those through the durable
// outbox instead.
//
// Encode and Decode are pure functions and safe for concurrent use.
package slot
