package queue

import "time"

// Backoff is the retry delay policy: min(Base * 2^(attempt-1), Max).
// attempt is the number of attempts already made, starting at 1.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		return 0
	}

	d := b.Base
	for i := 1; i < attempt; i++ {
		// doubling past Max can overflow, stop early
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
