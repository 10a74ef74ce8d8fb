package scheduler

import "sync"

// DefaultConcurrencyCap bounds in-flight dispatches absent an explicit
// configured maximum.
const DefaultConcurrencyCap = 8

// concurrencyCap tracks the effective dispatch ceiling for one
// scheduler. It starts at the configured maximum and is lowered
// whenever the executor reports a platform-level resource limit,
// mirroring the teacher's approach of shrinking the active-agent
// ceiling rather than failing outright when a host runs out of room.
type concurrencyCap struct {
	mu           sync.Mutex
	configured   int
	effective    int
}

func newConcurrencyCap(configured int) *concurrencyCap {
	if configured <= 0 {
		configured = DefaultConcurrencyCap
	}
	return &concurrencyCap{configured: configured, effective: configured}
}

// Effective returns the current ceiling.
func (c *concurrencyCap) Effective() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effective
}

// Lower reduces the ceiling by one, never below 1, in response to a
// platform-limit signal from the executor.
func (c *concurrencyCap) Lower() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.effective > 1 {
		c.effective--
	}
	return c.effective
}

// Reset restores the ceiling to its configured maximum. Exposed for
// tests and for an operator-triggered recovery after the platform
// condition has cleared.
func (c *concurrencyCap) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.effective = c.configured
}
