package ringbuf

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/Codarn/pg-mqtt-pub/internal/slot"
)

func msg(i int) slot.Message {
	return slot.Message{
		Broker:  "default",
		Topic:   fmt.Sprintf("t/%d", i),
		Payload: []byte(fmt.Sprintf("payload-%d", i)),
		Seq:     uint64(i),
	}
}

func newQueue(t *testing.T, capacity int) *Queue {
	t.Helper()
	q, err := New(capacity)
	if err != nil {
		t.Fatalf("New(%d) error = %v", capacity, err)
	}
	return q
}

func TestNew_InvalidCapacity(t *testing.T) {
	for _, c := range []int{0, -1} {
		if _, err := New(c); !errors.Is(err, ErrInvalidCapacity) {
			t.Errorf("New(%d) error = %v, want ErrInvalidCapacity", c, err)
		}
	}
}

func TestPushPop_FIFO(t *testing.T) {
	q := newQueue(t, 4)

	for i := 0; i < 4; i++ {
		if err := q.Push(msg(i)); err != nil {
			t.Fatalf("Push(%d) error = %v", i, err)
		}
	}
	if q.Len() != 4 {
		t.Errorf("Len() = %d, want 4", q.Len())
	}

	for i := 0; i < 4; i++ {
		m, err := q.Pop()
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if m.Seq != uint64(i) {
			t.Errorf("Pop() seq = %d, want %d", m.Seq, i)
		}
	}
}

func TestPush_FullNeverOverwrites(t *testing.T) {
	q := newQueue(t, 2)

	_ = q.Push(msg(1))
	_ = q.Push(msg(2))
	if err := q.Push(msg(3)); !errors.Is(err, ErrFull) {
		t.Fatalf("Push() on full queue error = %v, want ErrFull", err)
	}

	m, err := q.Pop()
	if err != nil || m.Seq != 1 {
		t.Errorf("Pop() = seq %d, %v; want seq 1", m.Seq, err)
	}
}

func TestPop_Empty(t *testing.T) {
	q := newQueue(t, 2)
	if _, err := q.Pop(); !errors.Is(err, ErrEmpty) {
		t.Errorf("Pop() on empty queue error = %v, want ErrEmpty", err)
	}
}

func TestPush_TooLarge(t *testing.T) {
	q := newQueue(t, 2)
	big := slot.Message{Broker: "b", Topic: "t", Payload: make([]byte, slot.DataCapacity)}
	if err := q.Push(big); !errors.Is(err, slot.ErrTooLarge) {
		t.Errorf("Push() error = %v, want slot.ErrTooLarge", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after rejected push, want 0", q.Len())
	}
}

func TestWrapAround_ManyCycles(t *testing.T) {
	q := newQueue(t, 3)

	next := 0
	want := 0
	for cycle := 0; cycle < 1000; cycle++ {
		for i := 0; i < 2; i++ {
			if err := q.Push(msg(next)); err != nil {
				t.Fatalf("cycle %d Push() error = %v", cycle, err)
			}
			next++
		}
		for i := 0; i < 2; i++ {
			m, err := q.Pop()
			if err != nil {
				t.Fatalf("cycle %d Pop() error = %v", cycle, err)
			}
			if m.Seq != uint64(want) {
				t.Fatalf("cycle %d Pop() seq = %d, want %d", cycle, m.Seq, want)
			}
			want++
		}
		if err := q.Verify(); err != nil {
			t.Fatalf("cycle %d Verify() error = %v", cycle, err)
		}
	}
}

// TestRandomInterleaving checks 0 <= depth <= capacity across random
// push/pop sequences and that Push/Pop only fail at the bounds.
func TestRandomInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for _, capacity := range []int{1, 2, 5, 16} {
		q := newQueue(t, capacity)
		model := 0
		seq := 0
		expect := 0

		for step := 0; step < 5000; step++ {
			if rng.Intn(2) == 0 {
				err := q.Push(msg(seq))
				if model == capacity {
					if !errors.Is(err, ErrFull) {
						t.Fatalf("cap %d step %d: Push() at capacity error = %v", capacity, step, err)
					}
				} else {
					if err != nil {
						t.Fatalf("cap %d step %d: Push() error = %v", capacity, step, err)
					}
					model++
					seq++
				}
			} else {
				m, err := q.Pop()
				if model == 0 {
					if !errors.Is(err, ErrEmpty) {
						t.Fatalf("cap %d step %d: Pop() on empty error = %v", capacity, step, err)
					}
				} else {
					if err != nil {
						t.Fatalf("cap %d step %d: Pop() error = %v", capacity, step, err)
					}
					if m.Seq != uint64(expect) {
						t.Fatalf("cap %d step %d: Pop() seq = %d, want %d", capacity, step, m.Seq, expect)
					}
					model--
					expect++
				}
			}

			if got := q.Len(); got != model || got < 0 || got > capacity {
				t.Fatalf("cap %d step %d: Len() = %d, model %d", capacity, step, got, model)
			}
			if err := q.Verify(); err != nil {
				t.Fatalf("cap %d step %d: Verify() error = %v", capacity, step, err)
			}
		}
	}
}

func TestConcurrentProducersSingleConsumer(t *testing.T) {
	const producers = 8
	const perProducer = 500
	q := newQueue(t, 64)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; {
				m := slot.Message{Broker: fmt.Sprintf("b%d", p), Topic: "t", Seq: uint64(i)}
				if err := q.Push(m); errors.Is(err, ErrFull) {
					continue
				} else if err != nil {
					t.Errorf("Push() error = %v", err)
					return
				}
				i++
			}
		}(p)
	}

	lastSeq := make(map[string]int)
	received := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for received < producers*perProducer {
		m, err := q.Pop()
		if errors.Is(err, ErrEmpty) {
			select {
			case <-done:
				if q.Len() == 0 {
					t.Fatalf("producers finished but only %d messages received", received)
				}
			default:
			}
			continue
		}
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		prev, seen := lastSeq[m.Broker]
		if seen && int(m.Seq) != prev+1 {
			t.Fatalf("producer %s: seq %d after %d", m.Broker, m.Seq, prev)
		}
		lastSeq[m.Broker] = int(m.Seq)
		received++
	}
}

func TestPop_CorruptSlotIsConsumed(t *testing.T) {
	q := newQueue(t, 2)
	garbage := make([]byte, slot.Size)
	garbage[0] = 0xDE

	if err := q.PushRaw(garbage); err != nil {
		t.Fatalf("PushRaw() error = %v", err)
	}
	_ = q.Push(msg(9))

	if _, err := q.Pop(); !errors.Is(err, slot.ErrCorrupt) {
		t.Fatalf("Pop() error = %v, want slot.ErrCorrupt", err)
	}
	m, err := q.Pop()
	if err != nil || m.Seq != 9 {
		t.Errorf("Pop() after corrupt slot = seq %d, %v; want seq 9", m.Seq, err)
	}
}

func TestVerify_DetectsCorruptIndices(t *testing.T) {
	q := newQueue(t, 4)
	q.head.Store(q.wrap + 1)
	if err := q.Verify(); !errors.Is(err, ErrInvariant) {
		t.Errorf("Verify() error = %v, want ErrInvariant", err)
	}

	q = newQueue(t, 4)
	q.tail.Store(6) // depth 6 > capacity 4
	if err := q.Verify(); !errors.Is(err, ErrInvariant) {
		t.Errorf("Verify() error = %v, want ErrInvariant", err)
	}
}
