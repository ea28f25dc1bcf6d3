package relay

import (
	"context"
	"time"
)

var (
	StandardIdentifyLimit = 5 * time.Second
	IdentifyRetry         = 5 * time.Second

	// Shards sharing a max_concurrency slot must space their identifies
	// at least five seconds apart. The extra half second absorbs clock
	// skew between processes.
	IdentifyRateLimit = StandardIdentifyLimit + (time.Millisecond * 500)
)

// IdentifyProvider gates how quickly shards may identify with the
// gateway. Identify returns once the calling shard holds a slot.
type IdentifyProvider interface {
	Identify(ctx context.Context, shard *Shard) error
}
