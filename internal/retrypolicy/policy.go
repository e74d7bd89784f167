// SPDX-License-Identifier: MIT

// Package retrypolicy resolves per-job-type retry parameters and computes
// backoff delays. Policies are served from a cached snapshot that merges
// built-in defaults, environment overrides and an optional YAML file.
package retrypolicy

import (
	"math"
	"math/rand"
	"time"
)

// maxBackoff caps a single retry delay regardless of attempt count.
const maxBackoff = 5 * time.Minute

// Policy holds the retry parameters for one job type.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	JitterPct   float64
	Timeout     time.Duration // per-attempt handler budget; zero means no deadline
}

// Backoff returns the delay before the given retry attempt (1-based):
// base·2^(attempt-1) scaled by a symmetric jitter factor, capped at
// five minutes. JitterPct values above 1 are read as percentages.
func Backoff(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		return 0
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if j := normalizeJitter(p.JitterPct); j > 0 {
		delay *= 1 + (rand.Float64()*2-1)*j
	}
	if delay <= 0 {
		return 0
	}
	if delay >= float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(delay)
}

func normalizeJitter(j float64) float64 {
	if j <= 0 {
		return 0
	}
	if j > 1 {
		j /= 100
	}
	if j > 1 {
		j = 1
	}
	return j
}
