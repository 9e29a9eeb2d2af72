package tunnel

import (
	"math/rand"
	"time"
)

const (
	baseReconnectDelay = 1000 * time.Millisecond
	maxReconnectDelay  = 30000 * time.Millisecond
	jitterFraction     = 0.3
)

// baseDelay returns the capped exponential delay before reconnect attempt
// n, without jitter. Attempt 0 is the first retry after an unexpected
// close.
func baseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := baseReconnectDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxReconnectDelay {
			return maxReconnectDelay
		}
	}
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// ReconnectDelay returns the delay before reconnect attempt n: capped
// exponential backoff plus a uniform jitter in [0, 30%) of the base delay,
// so a fleet of daemons losing the orchestrator at once does not
// reconnect in lockstep.
func ReconnectDelay(attempt int) time.Duration {
	d := baseDelay(attempt)
	jitter := time.Duration(rand.Int63n(int64(float64(d) * jitterFraction)))
	return d + jitter
}
