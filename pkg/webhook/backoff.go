package webhook

import (
	"math/rand"
	"time"
)

const (
	// MaxAttempts is the delivery cap; the attempt that reaches it marks
	// the delivery failed.
	MaxAttempts = 8

	backoffBase = 30 * time.Second
	backoffCap  = time.Hour
)

// Backoff returns the delay before the next attempt after `attempts` tries:
// min(cap, base * 2^(attempts-1)) with +/-20% jitter.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffCap {
			d = backoffCap
			break
		}
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
