package delivery

import "time"

// Default retry policy.
const (
	DefaultMaxAttempts = 5
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 30 * time.Second
)

// Backoff is the poison-message retry policy.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns base 1s, cap 30s, 5 attempts.
func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBackoffBase, Cap: DefaultBackoffCap, MaxAttempts: DefaultMaxAttempts}
}

// Delay returns min(Base * 2^(attempts-1), Cap) for attempts >= 1.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		if d >= b.Cap || d > b.Cap/2 {
			return b.Cap
		}
		d *= 2
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}

// Exhausted reports whether a message that has failed attempts times must
// be dead-lettered instead of retried.
func (b Backoff) Exhausted(attempts int) bool {
	return attempts >= b.MaxAttempts
}
