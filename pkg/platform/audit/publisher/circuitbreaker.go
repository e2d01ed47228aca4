package publisher

import (
	"sync"
	"time"
)

// CircuitBreaker stops mirroring to an unhealthy audit sink. After threshold
// consecutive failures it opens for cooldown; the first call after cooldown
// is let through as a trial and its outcome decides whether it closes again.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures  int
	openUntil time.Time
	probing   bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether the caller may attempt the sink.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.failures < cb.threshold {
		return true
	}
	if cb.probing || cb.now().Before(cb.openUntil) {
		return false
	}
	cb.probing = true
	return true
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.probing = false
	if cb.failures >= cb.threshold {
		cb.openUntil = cb.now().Add(cb.cooldown)
	}
}

// IsOpen reports whether the sink is currently being skipped.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures >= cb.threshold
}
