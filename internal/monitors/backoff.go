package monitors

import "time"

// NextDelay doubles base once per consecutive error, capped at limit
func NextDelay(base, limit time.Duration, consecutiveErrors int) time.Duration {
	if base >= limit {
		return limit
	}
	d := base
	for i := 0; i < consecutiveErrors; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return d
}

// Backoff poll scheduling state of one monitor
type Backoff struct {
	Base      time.Duration
	Cap       time.Duration
	MaxErrors int // 0 never gives up

	consecutive int
}

// Success resets the error count and returns the base interval
func (b *Backoff) Success() time.Duration {
	b.consecutive = 0
	return b.Base
}

// Failure records an error; exhausted is true once MaxErrors consecutive errors happened
func (b *Backoff) Failure() (delay time.Duration, exhausted bool) {
	b.consecutive++
	if b.MaxErrors > 0 && b.consecutive >= b.MaxErrors {
		return 0, true
	}
	return NextDelay(b.Base, b.Cap, b.consecutive), false
}

func (b *Backoff) ConsecutiveErrors() int {
	return b.consecutive
}
