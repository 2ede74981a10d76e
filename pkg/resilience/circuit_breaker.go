package resilience

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit open")

// RateLimitError marks a rejection by a rate limiting upstream.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// CircuitBreaker rejects calls for a cooldown after threshold consecutive
// rate limit failures. Other errors do not count.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Call runs fn unless the breaker is open.
func (c *CircuitBreaker) Call(fn func() error) error {
	if !c.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	c.Record(err)
	return err
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.openUntil)
}

func (c *CircuitBreaker) Record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case err == nil:
		c.failures = 0
		c.openUntil = time.Time{}
	case IsRateLimit(err):
		c.failures++
		if c.failures >= c.threshold {
			c.openUntil = c.now().Add(c.cooldown)
			c.failures = 0
		}
	}
}
