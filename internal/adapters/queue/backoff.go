package queue

import (
	"math"
	"time"
)

const backoffFactor = 2.0

// retryDelay returns the wait before the next attempt after a failed one.
// attempt is the number of attempts already made.
func retryDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := time.Duration(float64(base) * math.Pow(backoffFactor, float64(attempt-1)))

	if maxDelay > 0 && (delay > maxDelay || delay <= 0) {
		delay = maxDelay
	}

	return delay
}
