package pipeline

import "context"

// Gate serializes access to the local inference endpoint. The model is
// loaded on one GPU; a second concurrent job would thrash it, so exactly
// one holder at a time.
type Gate struct {
	ch chan struct{}
}

// NewGate builds a single-slot gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{}, 1)}
}

// Acquire blocks until the slot frees up or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire grabs the slot without blocking.
func (g *Gate) TryAcquire() bool {
	select {
	case g.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the slot. Must pair with a successful Acquire.
func (g *Gate) Release() {
	select {
	case <-g.ch:
	default:
		panic("pipeline: release of unheld gate")
	}
}
