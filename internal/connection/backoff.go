package connection

import (
	"math/rand/v2"
	"time"

	"github.com/jpillora/backoff"
)

// jitterFraction is the largest random extension added to a base delay.
const jitterFraction = 0.2

// Backoff computes reconnect delays: min(initial*2^(attempt-1), max) plus up
// to 20% random jitter.
type Backoff struct {
	base   backoff.Backoff
	random func() float64
}

// NewBackoff creates a capped exponential backoff.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		base: backoff.Backoff{
			Min:    initial,
			Max:    max,
			Factor: 2,
			Jitter: false,
		},
		random: rand.Float64,
	}
}

// Base returns the delay for a 1-based attempt before jitter.
func (b *Backoff) Base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return b.base.ForAttempt(float64(attempt - 1))
}

// Delay returns the jittered delay for a 1-based attempt, always within
// [Base(attempt), 1.2*Base(attempt)].
func (b *Backoff) Delay(attempt int) time.Duration {
	base := b.Base(attempt)
	return base + time.Duration(b.random()*jitterFraction*float64(base))
}
