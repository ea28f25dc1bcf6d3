package relay

import (
	"context"
	"fmt"

	"github.com/RelayTeam/Relay-Daemon/pkg/bucketstore"
)

// IdentifyViaBuckets serialises identifies with in-process buckets keyed
// by token hash and concurrency slot. Sufficient for a single process;
// multi-process deployments should use IdentifyViaURL instead.
type IdentifyViaBuckets struct {
	bucketStore *bucketstore.BucketStore
}

func NewIdentifyViaBuckets() *IdentifyViaBuckets {
	return &IdentifyViaBuckets{
		bucketStore: bucketstore.NewBucketStore(),
	}
}

func (i *IdentifyViaBuckets) Identify(ctx context.Context, shard *Shard) error {
	configuration := shard.manager.configuration.Load()

	maxConcurrency := int32(1)
	if gateway := shard.manager.gateway.Load(); gateway != nil && gateway.SessionStartLimit.MaxConcurrency > 0 {
		maxConcurrency = gateway.SessionStartLimit.MaxConcurrency
	}

	bucketName := fmt.Sprintf(
		"identify:%s:%d",
		tokenHash(configuration.BotToken),
		shard.ShardID%maxConcurrency,
	)

	if err := i.bucketStore.CreateWaitForBucket(ctx, bucketName, IdentifyRateLimit); err != nil {
		return fmt.Errorf("failed to wait for bucket: %w", err)
	}

	return nil
}
