// SPDX-License-Identifier: MIT

package retrypolicy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffGrowsExponentially(t *testing.T) {
	p := Policy{Base: time.Second, JitterPct: 0}

	assert.Equal(t, 1*time.Second, Backoff(p, 1))
	assert.Equal(t, 2*time.Second, Backoff(p, 2))
	assert.Equal(t, 4*time.Second, Backoff(p, 3))
	assert.Equal(t, 8*time.Second, Backoff(p, 4))
}

func TestBackoffCeiling(t *testing.T) {
	p := Policy{Base: time.Minute, JitterPct: 0}

	assert.Equal(t, 5*time.Minute, Backoff(p, 10))
	assert.Equal(t, 5*time.Minute, Backoff(p, 60))
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	tests := []struct {
		name   string
		jitter float64
	}{
		{name: "fraction", jitter: 0.2},
		{name: "percentage", jitter: 20},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := Policy{Base: 2 * time.Second, JitterPct: tc.jitter}

			// attempt 3: nominal 8s, jitter 20% => [6.4s, 9.6s]
			lo := time.Duration(float64(8*time.Second) * 0.8)
			hi := time.Duration(float64(8*time.Second) * 1.2)

			for i := 0; i < 200; i++ {
				d := Backoff(p, 3)
				require.GreaterOrEqual(t, d, lo)
				require.LessOrEqual(t, d, hi)
			}
		})
	}
}

func TestBackoffZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff(Policy{}, 3))
}

func TestBackoffAttemptFloor(t *testing.T) {
	p := Policy{Base: time.Second, JitterPct: 0}

	assert.Equal(t, Backoff(p, 1), Backoff(p, 0))
	assert.Equal(t, Backoff(p, 1), Backoff(p, -4))
}

func TestNormalizeJitter(t *testing.T) {
	assert.Equal(t, 0.0, normalizeJitter(-1))
	assert.Equal(t, 0.0, normalizeJitter(0))
	assert.Equal(t, 0.25, normalizeJitter(0.25))
	assert.Equal(t, 0.25, normalizeJitter(25))
	assert.Equal(t, 1.0, normalizeJitter(500))
}
