package backoff

import (
	"testing"
	"time"
)

func TestDelayWithRand(t *testing.T) {
	noJitter := Policy{Base: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0}

	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:        "first attempt is base",
			policy:      noJitter,
			attempt:     1,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "second attempt doubles",
			policy:      noJitter,
			attempt:     2,
			randomValue: 0.5,
			expected:    200 * time.Millisecond,
		},
		{
			name:        "fifth attempt",
			policy:      noJitter,
			attempt:     5,
			randomValue: 0.5,
			expected:    1600 * time.Millisecond,
		},
		{
			name:        "clamped to max before jitter",
			policy:      Policy{Base: 100 * time.Millisecond, Max: 500 * time.Millisecond, Factor: 2, Jitter: 0},
			attempt:     10,
			randomValue: 0.5,
			expected:    500 * time.Millisecond,
		},
		{
			name:        "jitter at max random adds 20%",
			policy:      Policy{Base: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.2},
			attempt:     1,
			randomValue: 1.0,
			// base = 100ms, scale = 1 + 0.2*(2*1-1) = 1.2
			expected: 120 * time.Millisecond,
		},
		{
			name:        "jitter at zero random subtracts 20%",
			policy:      Policy{Base: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.2},
			attempt:     1,
			randomValue: 0.0,
			// scale = 1 + 0.2*(2*0-1) = 0.8
			expected: 80 * time.Millisecond,
		},
		{
			name:        "jitter at mid random is neutral",
			policy:      Policy{Base: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.2},
			attempt:     2,
			randomValue: 0.5,
			expected:    200 * time.Millisecond,
		},
		{
			name:        "jitter applies after max clamp",
			policy:      Policy{Base: 100 * time.Millisecond, Max: 100 * time.Millisecond, Factor: 2, Jitter: 0.2},
			attempt:     8,
			randomValue: 1.0,
			// pre-jitter clamp to 100ms, then scale 1.2
			expected: 120 * time.Millisecond,
		},
		{
			name:        "attempt 0 treated as 1",
			policy:      noJitter,
			attempt:     0,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "negative attempt treated as 1",
			policy:      noJitter,
			attempt:     -5,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "factor 1.5",
			policy:      Policy{Base: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 1.5, Jitter: 0},
			attempt:     3,
			randomValue: 0.5,
			// 100ms * 1.5^2 = 225ms
			expected: 225 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DelayWithRand(tt.policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("DelayWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDelay_JitterRange(t *testing.T) {
	policy := Policy{Base: 100 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: 0.2}

	// For attempt 1 the scale is in [0.8, 1.2), so [80ms, 120ms).
	minExpected := 80 * time.Millisecond
	maxExpected := 120 * time.Millisecond

	for i := 0; i < 100; i++ {
		got := Delay(policy, 1)
		if got < minExpected || got > maxExpected {
			t.Errorf("Delay() = %v, want in range [%v, %v]", got, minExpected, maxExpected)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	policy := DefaultPolicy()

	if policy.Base != time.Second {
		t.Errorf("Base = %v, want 1s", policy.Base)
	}
	if policy.Max != 30*time.Second {
		t.Errorf("Max = %v, want 30s", policy.Max)
	}
	if policy.Factor != 2 {
		t.Errorf("Factor = %v, want 2", policy.Factor)
	}
	if policy.Jitter != 0.2 {
		t.Errorf("Jitter = %v, want 0.2", policy.Jitter)
	}
}

func TestAggressivePolicy(t *testing.T) {
	policy := AggressivePolicy()

	if policy.Base != 100*time.Millisecond {
		t.Errorf("Base = %v, want 100ms", policy.Base)
	}
	if policy.Max != 2*time.Second {
		t.Errorf("Max = %v, want 2s", policy.Max)
	}

	// Aggressive should always wait less than default at the same attempt.
	if agg, def := DelayWithRand(policy, 3, 0.5), DelayWithRand(DefaultPolicy(), 3, 0.5); agg >= def {
		t.Errorf("aggressive delay %v should be < default delay %v", agg, def)
	}
}
