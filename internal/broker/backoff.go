package broker

import (
	"math"
	"time"
)

// maxBackoff caps retry delays so a misconfigured base cannot park a
// message for hours.
const maxBackoff = 15 * time.Minute

// RetryDelay returns the exponential backoff delay before redelivering a
// message that has already failed attemptsMade times: base * 2^attemptsMade,
// capped at maxBackoff. With the default 2s base the first three retries
// wait 2s, 4s, and 8s.
func RetryDelay(base time.Duration, attemptsMade int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if attemptsMade < 0 {
		attemptsMade = 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attemptsMade)))
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
