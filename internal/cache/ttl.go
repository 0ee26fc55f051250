// Package cache holds small process-local TTL sets.
package cache

import (
	"sync"
	"time"

	"postpilot/internal/clock"
)

// TTL remembers keys for a fixed duration.
type TTL[K comparable] struct {
	mu   sync.Mutex
	ttl  time.Duration
	clk  clock.Clock
	seen map[K]time.Time
}

func NewTTL[K comparable](ttl time.Duration, clk clock.Clock) *TTL[K] {
	return &TTL[K]{ttl: ttl, clk: clock.OrReal(clk), seen: map[K]time.Time{}}
}

// Add records k until now+ttl.
func (c *TTL[K]) Add(k K) {
	c.mu.Lock()
	c.seen[k] = c.clk.Now().Add(c.ttl)
	c.mu.Unlock()
}

// Has reports whether k was added and has not expired.
func (c *TTL[K]) Has(k K) bool {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.seen[k]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(c.seen, k)
		return false
	}
	return true
}

// Sweep drops expired keys and returns how many were removed.
func (c *TTL[K]) Sweep() int {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, until := range c.seen {
		if !now.Before(until) {
			delete(c.seen, k)
			n++
		}
	}
	return n
}

func (c *TTL[K]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
