package scan

import (
	"math"
	"time"
)

// Backoff is a bounded exponential retry schedule with symmetric jitter.
type Backoff struct {
	Attempts int
	Base     time.Duration
	Factor   float64
	Max      time.Duration
	// Jitter is the fraction of the delay added or removed at random.
	Jitter float64
}

// DefaultBackoff is three attempts at 2s, 4s with ±25% jitter, capped at 30s.
func DefaultBackoff() Backoff {
	return Backoff{Attempts: 3, Base: 2 * time.Second, Factor: 2, Max: 30 * time.Second, Jitter: 0.25}
}

// Delay returns the wait after the given zero-based failed attempt. rnd
// returns values in [0,1); nil disables jitter.
func (b Backoff) Delay(attempt int, rnd func() float64) time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Base) * math.Pow(factor, float64(attempt))
	if b.Jitter > 0 && rnd != nil {
		d *= 1 + b.Jitter*(2*rnd()-1)
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (b Backoff) attempts() int {
	if b.Attempts < 1 {
		return 1
	}
	return b.Attempts
}
