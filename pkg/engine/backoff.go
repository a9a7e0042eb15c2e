package engine

import (
	"math"
	"time"
)

// BackoffPolicy is the retry schedule for busy resources and transient errors.
type BackoffPolicy struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration

	// Factor multiplies the delay after each further attempt.
	Factor float64

	// Cap bounds a single delay.
	Cap time.Duration

	// Jitter is the symmetric random fraction applied to every delay (0.2 = ±20%).
	Jitter float64

	// MaxAttempts is the attempt ceiling after which the binding is blocked.
	MaxAttempts int

	// KindMaxAttempts overrides MaxAttempts for operations on one resource kind.
	KindMaxAttempts map[ResourceKind]int
}

// DefaultBackoffPolicy returns base 30s, factor 2, cap 20m, ±20% jitter and 10 attempts.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        30 * time.Second,
		Factor:      2,
		Cap:         20 * time.Minute,
		Jitter:      0.2,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before attempt+1, given attempt failed attempts so far.
// rnd returns a uniform value in [0,1); nil disables jitter.
func (p BackoffPolicy) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	// delay = base * factor^(attempt-1)
	delay := float64(p.Base) * math.Pow(factor, float64(attempt-1))
	if p.Cap > 0 && delay > float64(p.Cap) {
		delay = float64(p.Cap)
	}
	return Jitter(time.Duration(delay), p.Jitter, rnd)
}

// Exhausted reports whether attempt reached the default ceiling.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return p.ExhaustedFor("", attempt)
}

// MaxAttemptsFor returns the ceiling of operations on kind. Zero means no ceiling.
func (p BackoffPolicy) MaxAttemptsFor(kind ResourceKind) int {
	if n, ok := p.KindMaxAttempts[kind]; ok && n > 0 {
		return n
	}
	return p.MaxAttempts
}

// ExhaustedFor reports whether attempt reached the ceiling of kind.
func (p BackoffPolicy) ExhaustedFor(kind ResourceKind, attempt int) bool {
	limit := p.MaxAttemptsFor(kind)
	return limit > 0 && attempt >= limit
}

// Jitter spreads d uniformly over [d*(1-fraction), d*(1+fraction)].
func Jitter(d time.Duration, fraction float64, rnd func() float64) time.Duration {
	if rnd == nil || fraction <= 0 || d <= 0 {
		return d
	}
	spread := (rnd()*2 - 1) * fraction
	return time.Duration(float64(d) * (1 + spread))
}
