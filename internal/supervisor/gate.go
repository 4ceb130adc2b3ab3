package supervisor

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate caps how many sessions may be resolving or connecting at once.
// A nil Gate or one built with n <= 0 admits everyone.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate creates a gate admitting n concurrent holders.
func NewGate(n int) *Gate {
	if n <= 0 {
		return &Gate{}
	}
	return &Gate{sem: semaphore.NewWeighted(int64(n))}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if g == nil || g.sem == nil {
		return ctx.Err()
	}
	return g.sem.Acquire(ctx, 1)
}

// Release frees a slot taken by Acquire.
func (g *Gate) Release() {
	if g == nil || g.sem == nil {
		return
	}
	g.sem.Release(1)
}
