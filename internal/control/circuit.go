package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker is a minimal per-error-class breaker. Safe for concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow returns whether new work is allowed at this instant. Once the cooldown
// has elapsed the breaker moves to half-open and lets a probe through.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != CircuitOpen {
		return true
	}
	if now.Sub(c.openedAt) >= c.Cooldown {
		c.state = CircuitHalfOpen
		return true
	}
	return false
}

// RecordSuccess closes the breaker and clears failure counts.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CircuitClosed
	c.openedClass = ""
	c.failures = map[string]int{}
}

// RecordFailure counts an error in the given class. A failed half-open probe
// reopens immediately.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errClass == "" {
		errClass = "unknown"
	}
	if c.state == CircuitHalfOpen {
		c.open(errClass, now)
		return
	}
	c.failures[errClass]++
	if c.failures[errClass] >= c.Threshold {
		c.open(errClass, now)
	}
}

func (c *CircuitBreaker) open(errClass string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.openedClass = errClass
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}
