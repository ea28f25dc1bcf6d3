package limiter

import (
	"context"
	"sync"
	"time"
)

// DurationLimiter allows an operation to run at most limit times within
// a window of duration. Callers block until a slot frees up.
type DurationLimiter struct {
	mu sync.Mutex

	limit    int32
	duration time.Duration

	resetsAt  time.Time
	available int32
}

// NewDurationLimiter creates a DurationLimiter allowing limit operations
// per duration.
func NewDurationLimiter(limit int32, duration time.Duration) *DurationLimiter {
	return &DurationLimiter{
		limit:    limit,
		duration: duration,
	}
}

// Lock blocks until a slot is available.
func (l *DurationLimiter) Lock() {
	_ = l.LockContext(context.Background())
}

// LockContext blocks until a slot is available or the context is done.
// The mutex is held whilst waiting so waiters are granted one at a time,
// which keeps slots from being double spent across a window boundary.
func (l *DurationLimiter) LockContext(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		now := time.Now()

		if !l.resetsAt.After(now) {
			l.resetsAt = now.Add(l.duration)
			l.available = l.limit
		}

		if l.available > 0 {
			l.available--

			return nil
		}

		timer := time.NewTimer(time.Until(l.resetsAt))

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Reset pushes the window forward, emptying all slots.
func (l *DurationLimiter) Reset() {
	l.mu.Lock()
	l.resetsAt = time.Now().Add(l.duration)
	l.available = 0
	l.mu.Unlock()
}
