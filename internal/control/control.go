package control

import "time"

// Backoff defines how long to wait between failed attempts.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff doubles from one second up to thirty.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second}
}

// Delay returns the wait before the given attempt (1-based). Attempt 0 waits nothing.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
