package queue

import "time"

// ExponentialBackoff returns the delay before retry number numRetries:
// 2^n seconds, capped at max. Rate-limit waits bypass this entirely and
// use the server-provided duration.
func ExponentialBackoff(numRetries int, max time.Duration) time.Duration {
	if numRetries < 0 {
		numRetries = 0
	}
	if numRetries > 30 {
		numRetries = 30
	}

	d := time.Duration(1<<uint(numRetries)) * time.Second
	if max > 0 && d > max {
		return max
	}
	return d
}
