package syncer

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures the exponential backoff applied to retryable
// sync failures: delay = min(maxDelay, baseDelay * multiplier^attempt),
// randomized by the jitter factor, up to maxAttempts.
type RetryPolicy struct {
	// BaseDelay is the delay before the first retry. Zero means 1s.
	BaseDelay time.Duration

	// Multiplier grows the delay per attempt. Zero means 2.0.
	Multiplier float64

	// Jitter randomizes each delay within delay*(1±Jitter). Zero means
	// 0.2.
	Jitter float64

	// MaxDelay caps the un-jittered delay. Zero means 5m.
	MaxDelay time.Duration

	// MaxAttempts is the auto-retry ceiling. Beyond it the error is
	// surfaced and auto-retry stops until the next manual or
	// interval-triggered sync. Zero means 6.
	MaxAttempts int
}

// DefaultRetryPolicy returns the standard policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
		MaxDelay:    5 * time.Minute,
		MaxAttempts: 6,
	}
}

// withDefaults fills zero fields.
func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = d.Multiplier
	}
	if p.Jitter <= 0 {
		p.Jitter = d.Jitter
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// BaseDelayFor returns the un-jittered delay for a zero-based attempt
// number: min(maxDelay, baseDelay * multiplier^attempt). Non-decreasing
// in attempt up to the cap.
func (p RetryPolicy) BaseDelayFor(attempt int) time.Duration {
	p = p.withDefaults()
	delay := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// DelayFor returns the jittered delay for a zero-based attempt number,
// always within BaseDelayFor(attempt)*(1±Jitter).
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	p = p.withDefaults()

	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0, // attempts are bounded by MaxAttempts
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()

	// Step the backoff to the requested attempt; the final NextBackOff
	// samples the jittered delay for it.
	delay := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Exhausted reports whether the zero-based attempt number is past the
// auto-retry ceiling.
func (p RetryPolicy) Exhausted(attempt int) bool {
	p = p.withDefaults()
	return attempt >= p.MaxAttempts
}
