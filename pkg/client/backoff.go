package client

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes capped exponential reconnect delays with jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	// Jitter is the fraction of each delay that is randomized, in [0, 1].
	// 0.5 yields delays uniformly in [d/2, d].
	Jitter float64

	// rand returns a value in [0, 1). Nil uses math/rand.
	rand func() float64
}

// Delay returns the wait before attempt n (n >= 1).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(n-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}

	jitter := b.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	if jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		d = d*(1-jitter) + d*jitter*r()
	}
	return time.Duration(d)
}
