package registry

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes when a failed record becomes due for another
// attempt: exponential in the retry count with a uniform jitter of up to
// half the delay, capped at MaxDelay.
type BackoffPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p BackoffPolicy) NextRetryTime(retryCount int, now time.Time) time.Time {
	delay := p.BaseDelay
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return now.Add(delay + jitter)
}
