package bucketstore

import (
	"context"
	"sync"
	"time"
)

// BucketStore manages named duration limited buckets. A bucket grants at
// most one caller per window; the slot is released by the window
// elapsing, not by the caller finishing. This models a quota rather
// than a mutex, which is what identify spacing requires.
type BucketStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	mu     sync.Mutex
	window time.Duration

	// Earliest time the next grant may happen.
	nextGrant time.Time
}

// NewBucketStore creates an empty bucket store.
func NewBucketStore() *BucketStore {
	return &BucketStore{
		buckets: make(map[string]*bucket),
	}
}

// CreateWaitForBucket creates the named bucket if it does not exist and
// blocks until it grants a slot. Waiters on the same bucket are
// serialised, so two grants can never land within the same window.
func (bs *BucketStore) CreateWaitForBucket(ctx context.Context, name string, window time.Duration) error {
	bs.mu.Lock()

	b, ok := bs.buckets[name]
	if !ok {
		b = &bucket{window: window}
		bs.buckets[name] = b
	}

	bs.mu.Unlock()

	return b.wait(ctx)
}

// ResetBucket clears any pending spacing on the named bucket.
func (bs *BucketStore) ResetBucket(name string) {
	bs.mu.Lock()
	b, ok := bs.buckets[name]
	bs.mu.Unlock()

	if !ok {
		return
	}

	b.mu.Lock()
	b.nextGrant = time.Time{}
	b.mu.Unlock()
}

func (b *bucket) wait(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	if wait := b.nextGrant.Sub(now); wait > 0 {
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}
	}

	b.nextGrant = time.Now().Add(b.window)

	return nil
}
