package resilience

import (
	"sync"
	"time"
)

// Cooldown tracks a hold-down window after repeated failures.
// Callers record failures; Active reports whether the window is still open.
type Cooldown struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	window    time.Duration
}

func NewCooldown(threshold int, window time.Duration) *Cooldown {
	if threshold <= 0 {
		threshold = 1
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Cooldown{threshold: threshold, window: window}
}

func (c *Cooldown) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.openUntil)
}

func (c *Cooldown) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

func (c *Cooldown) OnFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.threshold {
		c.openUntil = time.Now().Add(c.window)
	}
}
