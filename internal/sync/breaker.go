package sync

import "time"

// breaker counts consecutive failed cycles. Once tripped it stays
// half-open after the cooldown: a single further failure trips it again
// with a doubled cooldown, and only a success closes it.
type breaker struct {
	threshold int
	base, max time.Duration

	failures  int
	trips     int
	openUntil time.Time
}

func (b *breaker) success() {
	b.failures = 0
	b.trips = 0
	b.openUntil = time.Time{}
}

// failure records a failed cycle and reports whether the breaker opened.
func (b *breaker) failure(now time.Time) bool {
	b.failures++
	if b.trips == 0 && b.failures < b.threshold {
		return false
	}
	b.trips++
	b.failures = 0
	b.openUntil = now.Add(b.cooldown())
	return true
}

func (b *breaker) cooldown() time.Duration {
	d := b.base
	for i := 1; i < b.trips; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	return min(d, b.max)
}

// remaining returns the time left before automatic cycles resume.
func (b *breaker) remaining(now time.Time) time.Duration {
	if b.openUntil.IsZero() || !now.Before(b.openUntil) {
		return 0
	}
	return b.openUntil.Sub(now)
}

func (b *breaker) open(now time.Time) bool {
	return b.remaining(now) > 0
}
