package link

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Reconnect schedule. An unexpected loss backs off up to MaxRetryDelay to
// avoid hammering a dead peer; after an announced server restart the
// ceiling drops to RestartMaxRetryDelay so players are reconnected fast.
const (
	InitialRetryDelay    = time.Second
	RetryMultiplier      = 1.5
	MaxRetryDelay        = 10 * time.Second
	RestartMaxRetryDelay = time.Second
)

// NewBackOff returns the dialer's retry schedule: 1s, 1.5s, 2.25s, ...
// capped at MaxRetryDelay. RandomizationFactor is zero so the schedule is
// deterministic; jitter buys nothing on a one-dialer link.
func NewBackOff() *backoff.ExponentialBackOff {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     InitialRetryDelay,
		RandomizationFactor: 0,
		Multiplier:          RetryMultiplier,
		MaxInterval:         MaxRetryDelay,
	}
	bo.Reset()
	return bo
}

// ClampRestart caps a delay at the accelerated ceiling used while the
// server is expected back shortly.
func ClampRestart(delay time.Duration, expectedRestart bool) time.Duration {
	if expectedRestart && delay > RestartMaxRetryDelay {
		return RestartMaxRetryDelay
	}
	return delay
}
