package postgres

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 30 * time.Second
	backoffCap  = time.Hour
)

// RetryBackoff returns the delay before the next attempt of a job that
// has failed `attempts` times: exponential in the attempt count, capped,
// plus uniform jitter in [0, base) to spread retry storms.
func RetryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := backoffCap
	if shift := uint(attempts - 1); shift < 16 {
		if d := backoffBase << shift; d < backoffCap {
			backoff = d
		}
	}
	return backoff + time.Duration(rand.Int63n(int64(backoffBase)))
}
