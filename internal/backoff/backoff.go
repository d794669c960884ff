// Package backoff provides the jittered exponential delay used by both the
// server's feed re-subscription and the reconnecting client. Exponential
// implements backoff.BackOff from cenkalti/backoff so it composes with
// backoff.WithMaxRetries and friends.
package backoff

import (
	rand "math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Spread selects how jitter is applied around the nominal delay.
type Spread int

const (
	// Symmetric scales the delay by a factor in [1-J, 1+J].
	Symmetric Spread = iota
	// Upward scales the delay by a factor in [1, 1+J].
	Upward
)

// Stop is re-exported for callers that only import this package.
const Stop = backoff.Stop

// Exponential doubles the delay on every attempt, capped at Max.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction, e.g. 0.2 for ±20%
	Spread Spread

	mu      sync.Mutex
	attempt int
	random  func() float64
}

var _ backoff.BackOff = (*Exponential)(nil)

// NewExponential returns a policy with the given base, cap and jitter.
func NewExponential(base, max time.Duration, jitter float64, spread Spread) *Exponential {
	return &Exponential{Base: base, Max: max, Jitter: jitter, Spread: spread}
}

// WithRandom replaces the jitter source; f must return values in [0, 1).
func (e *Exponential) WithRandom(f func() float64) *Exponential {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.random = f
	return e
}

// Delay returns the delay for the given zero-based attempt without changing
// the policy's state.
func (e *Exponential) Delay(attempt int) time.Duration {
	e.mu.Lock()
	random := e.random
	e.mu.Unlock()
	if random == nil {
		random = rand.Float64
	}

	if attempt < 0 {
		attempt = 0
	}
	nominal := float64(e.Base)
	for i := 0; i < attempt && i < 62 && (e.Max <= 0 || nominal < float64(e.Max)); i++ {
		nominal *= 2
	}

	var factor float64
	switch e.Spread {
	case Upward:
		factor = 1 + random()*e.Jitter
	default:
		factor = 1 + (random()*2-1)*e.Jitter
	}

	d := time.Duration(nominal * factor)
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// NextBackOff implements backoff.BackOff.
func (e *Exponential) NextBackOff() time.Duration {
	e.mu.Lock()
	attempt := e.attempt
	e.attempt++
	e.mu.Unlock()
	return e.Delay(attempt)
}

// Reset implements backoff.BackOff.
func (e *Exponential) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempt = 0
}

// Attempts returns how many delays were handed out since the last Reset.
func (e *Exponential) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempt
}
