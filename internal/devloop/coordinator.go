package devloop

import "sync"

// Coordinator mediates between the reloader and admin endpoints. Reloads
// take the write side; introspection handlers take the read side and observe
// either the pre- or post-reload state, never a torn mix.
type Coordinator struct {
	mu sync.RWMutex
}

// Exclusive runs fn while holding the coordinator exclusively.
func (c *Coordinator) Exclusive(fn func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn()
}

// Shared runs fn while holding the coordinator shared.
func (c *Coordinator) Shared(fn func() error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fn()
}
