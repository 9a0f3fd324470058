package jobs

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds attempts and shapes the delay between them.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
	// Jitter is the fraction (0..1) by which a delay is randomly widened or shortened.
	Jitter float64
}

// DefaultRetryPolicy returns five attempts with 500ms doubling up to 15s and 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Base:        500 * time.Millisecond,
		MaxDelay:    15 * time.Second,
		Jitter:      0.2,
	}
}

// Exhausted reports whether a job that has run attempts times may not run again.
func (p RetryPolicy) Exhausted(attempts, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return attempts >= maxAttempts
}

// Delay returns the wait before the retry following attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64)
}

func (p RetryPolicy) delay(attempt int, randFloat func() float64) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if p.Jitter > 0 {
		r := (randFloat()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
