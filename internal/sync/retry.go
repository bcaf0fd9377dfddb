package sync

import (
	"errors"
	"math"
	"time"
)

// RetryPolicy computes capped exponential backoff delays.
type RetryPolicy struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  time.Second,
		Multiplier: 2,
		MaxDelay:   60 * time.Second,
	}
}

// Backoff returns the delay before retry number retryCount. Backoff(0)
// equals BaseDelay; values grow by Multiplier and never exceed MaxDelay.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retryCount))
	if d > float64(p.MaxDelay) || math.IsInf(d, 1) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// RetryScheduler classifies failures and computes when a failed entry
// becomes eligible again.
type RetryScheduler struct {
	policy RetryPolicy
	clock  Clock
}

func NewRetryScheduler(policy RetryPolicy, clock Clock) *RetryScheduler {
	return &RetryScheduler{policy: policy, clock: clock}
}

// Retryable reports whether err is worth another attempt. Validation and
// authorization failures are terminal; network failures and server-side
// (5xx) errors are retryable.
func (s *RetryScheduler) Retryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		switch {
		case te.Code == 0:
			return true // never reached the server
		case te.Code == 408 || te.Code == 429:
			return true
		case te.Code >= 500:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrInvalidTransition) {
		return false
	}
	return true
}

// NextRetryAt returns the wake-up time for the given attempt count.
func (s *RetryScheduler) NextRetryAt(retryCount int) time.Time {
	return s.clock.Now().Add(s.policy.Backoff(retryCount))
}
