package engine

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
)

// Limiter bounds simultaneous provider calls across every run in the
// process. One Limiter is shared by all schedulers.
type Limiter struct {
	sem  *semaphore.Weighted
	size int64

	inFlight  atomic.Int64
	highWater atomic.Int64
}

// NewLimiter creates a limiter with n slots. n below 1 is treated as 1.
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(n)), size: int64(n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return eris.Wrap(err, "engine: acquire slot")
	}
	cur := l.inFlight.Add(1)
	for {
		hw := l.highWater.Load()
		if cur <= hw || l.highWater.CompareAndSwap(hw, cur) {
			break
		}
	}
	return nil
}

// Release frees a slot taken by Acquire.
func (l *Limiter) Release() {
	l.inFlight.Add(-1)
	l.sem.Release(1)
}

// Size is the number of slots.
func (l *Limiter) Size() int64 { return l.size }

// InFlight is the number of slots currently held.
func (l *Limiter) InFlight() int64 { return l.inFlight.Load() }

// HighWater is the largest InFlight value observed.
func (l *Limiter) HighWater() int64 { return l.highWater.Load() }
