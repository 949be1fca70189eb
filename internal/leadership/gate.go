package leadership

import (
	"context"
	"sync"
)

// Gate blocks callers while a migration is running elsewhere. Wait returns
// immediately when open; Pause closes it until the next Resume.
type Gate struct {
	mu     sync.Mutex
	paused bool
	opened chan struct{}
}

func newGate() *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{opened: ch}
}

// Pause closes the gate. Idempotent.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.opened = make(chan struct{})
	}
}

// Resume opens the gate, releasing every waiter. Idempotent.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.opened)
	}
}

// Paused reports the current state without blocking.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks until the gate is open or ctx is cancelled.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.opened
		paused := g.paused
		g.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
