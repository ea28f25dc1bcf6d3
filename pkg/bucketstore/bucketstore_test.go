package bucketstore

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestBucketSpacing(t *testing.T) {
	bs := NewBucketStore()
	ctx := context.Background()

	start := time.Now()

	if err := bs.CreateWaitForBucket(ctx, "bucket", 50*time.Millisecond); err != nil {
		t.Fatalf("failed to wait for bucket: %v", err)
	}

	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("expected first grant to be immediate, took %v", elapsed)
	}

	if err := bs.CreateWaitForBucket(ctx, "bucket", 50*time.Millisecond); err != nil {
		t.Fatalf("failed to wait for bucket: %v", err)
	}

	if elapsed := time.Since(start); elapsed < 45*time.Millisecond {
		t.Errorf("expected second grant to wait a full window, took %v", elapsed)
	}
}

func TestBucketConcurrentWaiters(t *testing.T) {
	bs := NewBucketStore()
	ctx := context.Background()

	var mu sync.Mutex

	var grants []time.Time

	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if err := bs.CreateWaitForBucket(ctx, "bucket", 50*time.Millisecond); err != nil {
				t.Errorf("failed to wait for bucket: %v", err)

				return
			}

			mu.Lock()
			grants = append(grants, time.Now())
			mu.Unlock()
		}()
	}

	wg.Wait()

	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })

	for i := 1; i < len(grants); i++ {
		if gap := grants[i].Sub(grants[i-1]); gap < 40*time.Millisecond {
			t.Errorf("grants %d and %d only %v apart", i-1, i, gap)
		}
	}
}

func TestBucketIndependence(t *testing.T) {
	bs := NewBucketStore()
	ctx := context.Background()

	if err := bs.CreateWaitForBucket(ctx, "a", time.Minute); err != nil {
		t.Fatalf("failed to wait for bucket: %v", err)
	}

	start := time.Now()

	if err := bs.CreateWaitForBucket(ctx, "b", time.Minute); err != nil {
		t.Fatalf("failed to wait for bucket: %v", err)
	}

	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("expected buckets to be independent, grant took %v", elapsed)
	}
}

func TestBucketContextCancelled(t *testing.T) {
	bs := NewBucketStore()

	if err := bs.CreateWaitForBucket(context.Background(), "bucket", time.Minute); err != nil {
		t.Fatalf("failed to wait for bucket: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := bs.CreateWaitForBucket(ctx, "bucket", time.Minute); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, but got %v", err)
	}
}

func TestResetBucket(t *testing.T) {
	bs := NewBucketStore()
	ctx := context.Background()

	if err := bs.CreateWaitForBucket(ctx, "bucket", time.Minute); err != nil {
		t.Fatalf("failed to wait for bucket: %v", err)
	}

	bs.ResetBucket("bucket")

	start := time.Now()

	if err := bs.CreateWaitForBucket(ctx, "bucket", time.Minute); err != nil {
		t.Fatalf("failed to wait for bucket: %v", err)
	}

	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Errorf("expected reset bucket to grant immediately, took %v", elapsed)
	}
}

func TestResetBucketUnknown(t *testing.T) {
	bs := NewBucketStore()

	// Resetting a bucket that was never created must not panic.
	bs.ResetBucket("missing")
}
