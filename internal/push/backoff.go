package push

import "time"

// Backoff defaults.
const (
	DefaultBackoffInitial = 5 * time.Second
	DefaultBackoffMax     = 300 * time.Second
)

// Backoff computes reconnect delays: Initial doubling per consecutive
// failure, capped at Max.
//
// Backoff is not safe for concurrent use. The manager's run loop owns it.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	failures int
}

// Failure records a failed attempt and returns the delay before the next one.
func (b *Backoff) Failure() time.Duration {
	b.failures++
	return b.delay(b.failures)
}

// Peek returns the delay Failure would return, without recording it.
func (b *Backoff) Peek() time.Duration {
	return b.delay(b.failures + 1)
}

// Reset clears the failure count after a successful connection.
func (b *Backoff) Reset() {
	b.failures = 0
}

// Failures returns the number of consecutive failures.
func (b *Backoff) Failures() int {
	return b.failures
}

// Limit returns the capped delay.
func (b *Backoff) Limit() time.Duration {
	_, limit := b.bounds()
	return limit
}

func (b *Backoff) bounds() (initial, limit time.Duration) {
	initial, limit = b.Initial, b.Max
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	if limit <= 0 {
		limit = DefaultBackoffMax
	}
	if limit < initial {
		limit = initial
	}
	return initial, limit
}

func (b *Backoff) delay(n int) time.Duration {
	initial, limit := b.bounds()
	d := initial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}
