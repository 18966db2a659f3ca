// SPDX-License-Identifier: MIT

package timeutil

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffShape parameterises an exponential backoff curve.
type BackoffShape struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay, applied uniformly in [-Jitter, +Jitter]
}

// ReconnectShape is the backoff curve for connector reconnect probing.
func ReconnectShape() BackoffShape {
	return BackoffShape{Base: 30 * time.Second, Max: 600 * time.Second, Multiplier: 2, Jitter: 0.25}
}

// RetryShape is the backoff curve for upstream HTTP retries.
func RetryShape() BackoffShape {
	return BackoffShape{Base: time.Second, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.25}
}

// Backoff returns the jittered delay for the given zero-based attempt:
// floor(min(base*multiplier^attempt, max) * (1 + U(-jitter, +jitter))).
func (s BackoffShape) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(s.Base) * math.Pow(s.Multiplier, float64(attempt))
	if delay > float64(s.Max) {
		delay = float64(s.Max)
	}
	if s.Jitter > 0 {
		// rand.Float64 in [0,1) mapped to [-jitter, +jitter)
		delay *= 1 + s.Jitter*(2*rand.Float64()-1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(math.Floor(delay))
}
