// Package ringbuf implements the hot-path queue: a fixed-capacity circular
// buffer of encoded message slots shared by many producers and exactly one
// consumer.
//
// Producers serialise on a mutex that guards the slot write and the tail
// advance. The consumer never takes that mutex; it relies on the atomic
// head/tail cursors for visibility. Push never blocks on a full buffer and
// never overwrites: it returns ErrFull so the caller can fall back to the
// durable outbox.
//
// # Cursor arithmetic
//
// Head and tail are cursors in the range [0, 2*capacity). A cursor wraps at
// twice the capacity rather than at the integer width, so:
//
//	depth = (tail - head) mod 2*capacity   always in [0, capacity]
//	slot  = cursor mod capacity
//
// empty is tail == head, full is depth == capacity. Any depth above capacity
// means the shared indices are corrupt; Verify reports that condition.
package ringbuf

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Codarn/pg-mqtt-pub/internal/slot"
)

var (
	// ErrFull is returned by Push when depth == capacity.
	ErrFull = errors.New("ringbuf: queue full")

	// ErrEmpty is returned by Pop when there is nothing to read.
	ErrEmpty = errors.New("ringbuf: queue empty")

	// ErrInvariant is returned by Verify when head/tail are inconsistent.
	ErrInvariant = errors.New("ringbuf: index invariant violated")

	// ErrInvalidCapacity is returned by New for a non-positive capacity.
	ErrInvalidCapacity = errors.New("ringbuf: capacity must be positive")
)

// Queue is the shared hot-path ring buffer.
//
// Thread Safety:
//   - Push and PushRaw are safe for concurrent use by any number of producers.
//   - Pop and Verify must only be called from the single consumer goroutine.
//   - Len and Cap are safe from any goroutine.
type Queue struct {
	mu    sync.Mutex // producer lock: slot write + tail advance
	slots []byte

	capacity uint64
	wrap     uint64 // 2 * capacity

	head atomic.Uint64 // next read cursor, written by the consumer only
	tail atomic.Uint64 // next write cursor, written under mu
}

// New allocates a queue with room for capacity slots of slot.Size bytes.
func New(capacity int) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	c := uint64(capacity)
	return &Queue{
		slots:    make([]byte, c*slot.Size),
		capacity: c,
		wrap:     2 * c,
	}, nil
}

// advance moves a cursor forward by one, wrapping at 2*capacity.
func (q *Queue) advance(cursor uint64) uint64 {
	cursor++
	if cursor == q.wrap {
		return 0
	}
	return cursor
}

// distance returns (tail - head) mod 2*capacity.
func (q *Queue) distance(tail, head uint64) uint64 {
	if tail >= head {
		return tail - head
	}
	return tail + q.wrap - head
}

// slotAt returns the slot buffer addressed by cursor.
func (q *Queue) slotAt(cursor uint64) []byte {
	off := (cursor % q.capacity) * slot.Size
	return q.slots[off : off+slot.Size]
}

// Push encodes m into the next free slot.
//
// Returns ErrFull without blocking when the buffer is saturated, or the
// codec's error (slot.ErrTooLarge, slot.ErrInvalidMessage) when m cannot
// be carried in a slot. Validation happens before the lock is taken.
func (q *Queue) Push(m slot.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if !m.Fits() {
		return fmt.Errorf("%w: %d bytes", slot.ErrTooLarge, len(m.Topic)+len(m.Payload))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tail := q.tail.Load()
	if q.distance(tail, q.head.Load()) >= q.capacity {
		return ErrFull
	}
	if err := slot.EncodeInto(q.slotAt(tail), m); err != nil {
		return err
	}
	q.tail.Store(q.advance(tail))
	return nil
}

// PushRaw copies an already encoded slot into the queue. It is intended for
// callers that hold encoded slots (tests, replay tooling); no validation of
// the slot contents is performed.
func (q *Queue) PushRaw(buf []byte) error {
	if len(buf) > slot.Size {
		return fmt.Errorf("%w: raw slot of %d bytes", slot.ErrTooLarge, len(buf))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tail := q.tail.Load()
	if q.distance(tail, q.head.Load()) >= q.capacity {
		return ErrFull
	}
	dst := q.slotAt(tail)
	n := copy(dst, buf)
	clear(dst[n:])
	q.tail.Store(q.advance(tail))
	return nil
}

// Pop removes and decodes the oldest slot. Consumer only.
//
// A slot that fails to decode is still consumed; the error wraps
// slot.ErrCorrupt so the caller can dead-letter it.
func (q *Queue) Pop() (slot.Message, error) {
	head := q.head.Load()
	if head == q.tail.Load() {
		return slot.Message{}, ErrEmpty
	}

	m, err := slot.Decode(q.slotAt(head))
	q.head.Store(q.advance(head))
	if err != nil {
		return slot.Message{}, err
	}
	return m, nil
}

// Len returns the current depth. Safe from any goroutine; the value is a
// snapshot and is clamped to the capacity.
func (q *Queue) Len() int {
	head := q.head.Load()
	tail := q.tail.Load()
	d := q.distance(tail, head)
	if d > q.capacity {
		d = q.capacity
	}
	return int(d) // #nosec G115 -- bounded by capacity, which came from an int
}

// Cap returns the fixed capacity.
func (q *Queue) Cap() int {
	return int(q.capacity) // #nosec G115 -- capacity came from an int
}

// Verify checks the cursor invariant 0 <= tail-head <= capacity. Consumer
// only: with head stable and tail read under the producer lock the check
// is exact.
func (q *Queue) Verify() error {
	q.mu.Lock()
	tail := q.tail.Load()
	q.mu.Unlock()
	head := q.head.Load()

	if head >= q.wrap || tail >= q.wrap {
		return fmt.Errorf("%w: head=%d tail=%d wrap=%d", ErrInvariant, head, tail, q.wrap)
	}
	if d := q.distance(tail, head); d > q.capacity {
		return fmt.Errorf("%w: depth %d exceeds capacity %d", ErrInvariant, d, q.capacity)
	}
	return nil
}
