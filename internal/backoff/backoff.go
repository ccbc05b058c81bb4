// Package backoff implements the doubling, capped retry delay used for
// database/redis startup and push channel reconnects.
package backoff

import "time"

const (
	DefaultInitial = 2 * time.Second
	DefaultMax     = 30 * time.Second
)

// Backoff is not safe for concurrent use; each retry loop owns one.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func New(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultInitial
	}
	if max < initial {
		max = initial
	}
	return &Backoff{initial: initial, max: max, next: initial}
}

// Next returns the current delay and doubles it for the following call, never exceeding max.
func (b *Backoff) Next() time.Duration {
	d := b.next
	if b.next < b.max {
		b.next *= 2
		if b.next > b.max {
			b.next = b.max
		}
	}
	return d
}

// Reset is called after a successful attempt.
func (b *Backoff) Reset() {
	b.next = b.initial
}
