// Package backoff provides exponential backoff with symmetric jitter for
// reconnect and retry loops.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Base is the delay for the first attempt.
	Base time.Duration
	// Max caps the pre-jitter delay.
	Max time.Duration
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter is the symmetric randomization fraction (0.0 to 1.0): the
	// final delay is scaled by a factor drawn from [1-Jitter, 1+Jitter).
	Jitter float64
}

// Delay computes the backoff for a given attempt number. Attempts start
// at 1; the formula is min(Max, Base * Factor^(attempt-1)) scaled by the
// jitter factor.
func Delay(policy Policy, attempt int) time.Duration {
	return DelayWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand computes the backoff using a provided random value in
// [0.0, 1.0), for deterministic tests.
func DelayWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)

	base := float64(policy.Base) * math.Pow(policy.Factor, exp)
	base = math.Min(float64(policy.Max), base)

	// Symmetric jitter: scale by [1-j, 1+j).
	scale := 1 + policy.Jitter*(2*randomValue-1)
	total := base * scale
	if total < 0 {
		total = 0
	}

	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}

// DefaultPolicy matches the client reconnect defaults.
// Base: 1s, Max: 30s, Factor: 2, Jitter: 20%
func DefaultPolicy() Policy {
	return Policy{
		Base:   time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: 0.2,
	}
}

// AggressivePolicy retries quickly with short delays, used for local
// status queries where the relay is expected to be up.
// Base: 100ms, Max: 2s, Factor: 2, Jitter: 20%
func AggressivePolicy() Policy {
	return Policy{
		Base:   100 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: 0.2,
	}
}
