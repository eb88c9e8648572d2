package outbox

import "time"

// backoff returns the retry delay after the given attempt count, doubling
// from base and capped at max. Attempt 1 waits base.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
