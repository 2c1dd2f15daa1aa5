package indexer

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff computes the delay after a failed iteration. Delays double from twice the
// poll interval up to min(4*interval, ceiling) and restart after a success.
type Backoff struct {
	b *backoff.ExponentialBackOff
}

func NewBackoff(interval, ceiling time.Duration) *Backoff {
	max := 4 * interval
	if ceiling > 0 && max > ceiling {
		max = ceiling
	}
	initial := 2 * interval
	if initial > max {
		initial = max
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      0, // Never give up
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return &Backoff{b: b}
}

// Next returns the delay for the next consecutive failure
func (b *Backoff) Next() time.Duration {
	return b.b.NextBackOff()
}

// Reset starts over after a successful iteration
func (b *Backoff) Reset() {
	b.b.Reset()
}

// Max returns the cap
func (b *Backoff) Max() time.Duration {
	return b.b.MaxInterval
}
