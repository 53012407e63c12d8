package capture

import "sync"

// CircuitBreaker latches open after a run of consecutive failures of the
// guarded operation. It stays open until a success is reported or it is
// explicitly reset.
type CircuitBreaker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	open        bool
}

// NewCircuitBreaker returns a breaker that opens after threshold consecutive
// failures. A threshold below 1 is treated as 1.
func NewCircuitBreaker(threshold int) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{threshold: threshold}
}

// RecordFailure notes one failure of the guarded operation.
func (c *CircuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive++
	if c.consecutive >= c.threshold {
		c.open = true
	}
}

// RecordSuccess resets the failure run and closes the circuit.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive = 0
	c.open = false
}

// Reset closes the circuit without a success having been observed.
func (c *CircuitBreaker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutive = 0
	c.open = false
}

// ShouldOpen reports whether the circuit is open.
func (c *CircuitBreaker) ShouldOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// ConsecutiveFailures returns the current failure run length.
func (c *CircuitBreaker) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutive
}
