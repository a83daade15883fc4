package session

import (
	"math/rand"
	"time"

	"ibgate/config"
)

// backoffDelay computes the exponential delay before the given reconnect
// attempt (1-based), capped at the configured maximum, with ±20% jitter so a
// fleet of gateways does not stampede the terminal after an outage.
func backoffDelay(cfg config.RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay)
	multiplier := float64(cfg.BackoffMultiplier)
	if multiplier < 1 {
		multiplier = 1
	}
	for i := 1; i < attempt; i++ {
		delay *= multiplier
		if delay >= float64(cfg.MaxDelay) {
			break
		}
	}
	if max := float64(cfg.MaxDelay); delay > max {
		delay = max
	}

	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(delay * jitter)
}
