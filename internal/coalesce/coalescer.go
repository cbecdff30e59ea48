// Package coalesce deduplicates concurrent requests for the same cache
// key: at any instant at most one worker execution is in flight per key.
package coalesce

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"agentrun/internal/agentsession"
)

// Coalescer wraps golang.org/x/sync/singleflight.Group (the idiomatic
// primitive for "run this once, fan the result out to every caller") and
// additionally tracks which sessions are in flight so getSession can
// answer "is cacheKey currently running" without waiting on it.
type Coalescer struct {
	group singleflight.Group

	mu       sync.Mutex
	inflight map[string]*agentsession.Session
}

// New returns an empty Coalescer.
func New() *Coalescer {
	return &Coalescer{inflight: make(map[string]*agentsession.Session)}
}

// Run executes fn for key if no call for key is already in flight;
// otherwise it attaches to the in-flight call and returns its eventual
// result. shared reports whether the caller attached to someone else's
// call (it did not trigger fn itself).
func (c *Coalescer) Run(key string, session *agentsession.Session, fn func() (any, error)) (value any, err error, shared bool) {
	c.mu.Lock()
	if _, already := c.inflight[key]; !already {
		c.inflight[key] = session
	}
	c.mu.Unlock()

	value, err, shared = c.group.Do(key, fn)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	return value, err, shared
}

// Inflight reports whether key currently has an execution in flight, and
// if so, the session driving it.
func (c *Coalescer) Inflight(key string) (*agentsession.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.inflight[key]
	return s, ok
}

// Len reports how many keys currently have an in-flight execution.
func (c *Coalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
