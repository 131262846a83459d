package nats

import (
	"math"
	"sync"
	"time"
)

// DelayStrategy controls the pause between failover rounds during
// connect. Reset is called after a successful connection.
type DelayStrategy interface {
	GetConnectWaitDuration(uri string) (time.Duration, error)
	Reset()
}

// FixedDelayStrategy waits a constant duration between rounds. It is
// the default, preserving the standard inter-round timing.
type FixedDelayStrategy struct {
	Delay time.Duration
}

// NewFixedDelayStrategy returns a new FixedDelayStrategy.
func NewFixedDelayStrategy(delay time.Duration) *FixedDelayStrategy {
	if delay < 0 {
		delay = 0
	}
	return &FixedDelayStrategy{Delay: delay}
}

// GetConnectWaitDuration returns the configured constant delay.
func (strategy *FixedDelayStrategy) GetConnectWaitDuration(uri string) (time.Duration, error) {
	return strategy.Delay, nil
}

// Reset is a no-op for a fixed delay.
func (strategy *FixedDelayStrategy) Reset() {}

// ExponentialDelayStrategy grows the inter-round delay per server up to
// a maximum. Useful when hammering an unhealthy cluster with the fixed
// cadence is undesirable.
type ExponentialDelayStrategy struct {
	lock      sync.Mutex
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	attempts  map[string]uint32
}

// NewExponentialDelayStrategy returns a new ExponentialDelayStrategy.
func NewExponentialDelayStrategy(baseDelay, maxDelay time.Duration, factor float64) *ExponentialDelayStrategy {
	if baseDelay < 0 {
		baseDelay = 0
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if factor < 1 {
		factor = 2
	}
	return &ExponentialDelayStrategy{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		Factor:    factor,
		attempts:  make(map[string]uint32),
	}
}

// GetConnectWaitDuration returns the next delay for uri and records the
// attempt.
func (strategy *ExponentialDelayStrategy) GetConnectWaitDuration(uri string) (time.Duration, error) {
	strategy.lock.Lock()
	defer strategy.lock.Unlock()

	attempt := strategy.attempts[uri]
	strategy.attempts[uri] = attempt + 1

	delay := strategy.BaseDelay
	if attempt > 0 && delay > 0 {
		scaled := float64(delay) * math.Pow(strategy.Factor, float64(attempt))
		if scaled > float64(strategy.MaxDelay) {
			scaled = float64(strategy.MaxDelay)
		}
		delay = time.Duration(scaled)
	}
	if delay > strategy.MaxDelay {
		delay = strategy.MaxDelay
	}
	return delay, nil
}

// Reset clears the per-server attempt counters.
func (strategy *ExponentialDelayStrategy) Reset() {
	strategy.lock.Lock()
	strategy.attempts = make(map[string]uint32)
	strategy.lock.Unlock()
}
