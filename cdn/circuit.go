package cdn

import (
	"sync"
	"time"
)

// circuitBreaker tracks per-host health: consecutive failures open the
// breaker for a cooldown window, after which one probe request is
// allowed through (spec.md §4.3 "Connection pool": "a circuit breaker
// opens after a configurable consecutive-failure threshold for a
// cooldown window").
type circuitBreaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration

	consecutiveFailures int
	openedAt            time.Time
	open                bool
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &circuitBreaker{threshold: threshold, cooldown: cooldown}
}

// allow reports whether a request may currently be attempted against
// this host: always true while closed, and true exactly once per
// cooldown window while open (a half-open probe).
func (b *circuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if time.Since(b.openedAt) < b.cooldown {
		return false
	}
	// Cooldown elapsed: let one probe through without closing yet.
	b.openedAt = time.Now()
	return true
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.open = false
}

func (b *circuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.threshold {
		b.open = true
		b.openedAt = time.Now()
	}
}
