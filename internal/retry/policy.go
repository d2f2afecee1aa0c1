// Package retry decides whether a failed action may run again and when.
package retry

import "time"

// Defaults used when a Policy field is left at zero.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 300 * time.Second
)

// Policy bounds retries with a fixed attempt ceiling and capped exponential backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Normalize fills zero fields with defaults.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// CanRetry reports whether another attempt is allowed after attempts have started.
func (p Policy) CanRetry(attempts int) bool {
	return attempts < p.Normalize().MaxAttempts
}

// Exhausted is the negation of CanRetry, used when recording a failure.
func (p Policy) Exhausted(attempts int) bool {
	return !p.CanRetry(attempts)
}

// Backoff returns base * 2^attempts, capped at MaxDelay.
func (p Policy) Backoff(attempts int) time.Duration {
	p = p.Normalize()
	if attempts < 0 {
		attempts = 0
	}
	delay := p.BaseDelay
	for i := 0; i < attempts; i++ {
		// Doubling past the cap (or overflowing) ends the loop early.
		if delay >= p.MaxDelay || delay > p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// ReadyAt returns the earliest time a row that last failed at last may be claimed again.
func (p Policy) ReadyAt(attempts int, last time.Time) time.Time {
	return last.Add(p.Backoff(attempts))
}

// Ready reports whether the backoff window since last has elapsed at now.
func (p Policy) Ready(attempts int, last, now time.Time) bool {
	return !now.Before(p.ReadyAt(attempts, last))
}
