package autohub

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// resetThreshold is the connection duration after which the backoff
// interval resets to its base.
const resetThreshold = 30 * time.Second

// newReconnectBackoff creates the reconnection schedule:
// min(max, base * 1.5^attempts) with jitter.
func newReconnectBackoff(base, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 1.5
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}
