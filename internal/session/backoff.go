package session

import "time"

// Backoff yields exponentially growing retry delays: base, 2*base, ...
// capped at max. It is owned by one session goroutine.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

// NewBackoff creates a Backoff. max below base is raised to base.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max, current: base}
}

// Next returns the delay to wait now and advances the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.current
	if b.current < b.max {
		b.current *= 2
		if b.current > b.max {
			b.current = b.max
		}
	}
	return d
}

// Reset returns the schedule to the base delay.
func (b *Backoff) Reset() {
	b.current = b.base
}

