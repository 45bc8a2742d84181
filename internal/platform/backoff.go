package platform

import (
	"math/rand"
	"time"
)

// Backoff returns the delay before retry attempt n (1-based):
// base * 2^(n-1), with a uniform +/-jitter fraction applied when jitter > 0.
// Attempts below 1 are treated as 1.
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	if jitter > 0 {
		f := 1 + jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
	}
	return d
}
