package worker

import (
	"context"
	"sync"
)

// gate pauses workers while the sandbox runtime is unavailable. Closed gates
// block wait; open gates let it through immediately.
type gate struct {
	mu    sync.Mutex
	open  bool
	ready chan struct{}
	down  chan struct{}
}

func newGate() *gate {
	ready := make(chan struct{})
	close(ready)
	return &gate{open: true, ready: ready, down: make(chan struct{}, 1)}
}

func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ready := g.ready
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close marks the runtime unavailable and wakes the availability monitor.
// It reports whether the gate was open before.
func (g *gate) close() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return false
	}
	g.open = false
	g.ready = make(chan struct{})
	select {
	case g.down <- struct{}{}:
	default:
	}
	return true
}

func (g *gate) reopen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return false
	}
	g.open = true
	close(g.ready)
	return true
}

func (g *gate) isOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}
