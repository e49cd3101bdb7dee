// Package circuitbreaker provides a failure-counting breaker used to stop
// hammering an upstream provider that is refusing connections.
package circuitbreaker

import (
	"sync"
	"time"
)

// Breaker opens after threshold consecutive failures and closes again once
// the cooldown has passed. Only transport-level failures should be recorded;
// an upstream HTTP error still means the upstream is reachable.
type Breaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	open        bool

	threshold int
	cooldown  time.Duration
}

func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed, closing the breaker if the
// cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if time.Since(b.lastFailure) > b.cooldown {
		b.open = false
		b.failures = 0
		return true
	}
	return false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.threshold {
		b.open = true
	}
}

// State returns the breaker position for logging and tests.
func (b *Breaker) State() (open bool, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open, b.failures
}
