package queue

import (
	"math"
	"time"
)

// Backoff returns the delay before the retry that follows the given attempt:
// base * 2^(attempts-1). Attempts below one are treated as one and the result
// saturates instead of overflowing.
func Backoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift >= 62 || base > time.Duration(math.MaxInt64>>shift) {
		return time.Duration(math.MaxInt64)
	}
	return base << shift
}
