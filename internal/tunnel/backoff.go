package tunnel

import (
	"math"
	"time"
)

const (
	backoffBase     = time.Second
	backoffCap      = 60 * time.Second
	cooldownAttempt = 10
	cooldownDelay   = 5 * time.Minute
)

// CalculateBackoff returns the delay before the next reconnect attempt.
// attempt is the number of consecutive failures so far. rand must return
// values in [0, 1); it is injectable so callers can pin the jitter.
//
// The delay doubles from one second with up to one second of additive jitter
// and clamps at one minute. After ten consecutive failures the circuit
// settles into a flat five-minute cooldown. The clamp is applied after the
// jitter, so an attempt whose raw delay already exceeds the cap cannot
// overshoot it.
func CalculateBackoff(attempt int, rand func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= cooldownAttempt {
		return cooldownDelay
	}
	jitter := time.Duration(math.Floor(rand()*1000)) * time.Millisecond
	d := backoffBase<<uint(attempt) + jitter
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
