package balancer

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffProvider yields a fresh backoff schedule per invoice request.
type BackoffProvider interface {
	// NewBackoff returns a backoff for one request's retry loop.
	NewBackoff() backoff.BackOff
}

// StopBackoffProvider never retries.
type StopBackoffProvider struct{}

// A compile time check to ensure StopBackoffProvider implements the
// BackoffProvider interface.
var _ BackoffProvider = (*StopBackoffProvider)(nil)

// NewBackoff returns a backoff that stops immediately.
//
// NOTE: This is part of the BackoffProvider interface.
func (StopBackoffProvider) NewBackoff() backoff.BackOff {
	return &backoff.StopBackOff{}
}

// ExponentialBackoffProvider yields jittered exponential backoffs with
// a capped interval and a bounded total elapsed time.
type ExponentialBackoffProvider struct {
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration

	// Multiplier scales the interval after each retry.
	Multiplier float64

	// RandomizationFactor jitters each interval.
	RandomizationFactor float64

	// MaxInterval caps a single retry delay.
	MaxInterval time.Duration

	// MaxElapsedTime ends the schedule once the total retry time
	// exceeds it.
	MaxElapsedTime time.Duration
}

// A compile time check to ensure ExponentialBackoffProvider implements
// the BackoffProvider interface.
var _ BackoffProvider = (*ExponentialBackoffProvider)(nil)

// NewBackoff returns a fresh exponential backoff schedule.
//
// NOTE: This is part of the BackoffProvider interface.
func (p *ExponentialBackoffProvider) NewBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	if p.RandomizationFactor >= 0 {
		b.RandomizationFactor = p.RandomizationFactor
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsedTime
	b.Reset()

	return b
}
