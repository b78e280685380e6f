package ingest

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often a transiently failing command is redelivered
type RetryPolicy struct {
	// MaxDeliveries counts every attempt, the first included; the last one dead-letters
	MaxDeliveries int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// Jitter is the randomization factor applied to each delay, 0 disables it
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when nothing is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxDeliveries: 5,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		Jitter:        0.2,
	}
}

// Exhausted reports whether a message delivered numDelivered times may not be retried again
func (p RetryPolicy) Exhausted(numDelivered uint64) bool {
	return numDelivered >= uint64(p.MaxDeliveries)
}

// Delay returns the wait before the next delivery of a message already delivered numDelivered times
func (p RetryPolicy) Delay(numDelivered uint64) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = p.Jitter
	b.Reset()

	d := b.InitialInterval
	for i := uint64(0); i < numDelivered; i++ {
		d = b.NextBackOff()
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
