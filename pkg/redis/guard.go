package redis

import (
	"context"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/metrics"
)

const partitionLockKey = "partition-ddl"

// PartitionGuard serializes partition creation and attachment across every
// fern instance sharing the catalog database.
type PartitionGuard struct {
	locker  *Locker
	ttl     time.Duration
	timeout time.Duration

	// local mutex so goroutines of one instance queue without polling redis
	mu sync.Mutex
}

// NewPartitionGuard creates a guard whose lock expires after ttl unless
// extended. Waiting for the lock gives up after timeout, zero waits forever.
func NewPartitionGuard(locker *Locker, ttl, timeout time.Duration) *PartitionGuard {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &PartitionGuard{locker: locker, ttl: ttl, timeout: timeout}
}

func (g *PartitionGuard) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	start := time.Now()
	lock, err := g.locker.TryAcquire(ctx, partitionLockKey, g.ttl, g.timeout)
	metrics.RecordRedisOperation("partition_lock_wait", time.Since(start))
	if err != nil {
		return err
	}
	return lock.hold(ctx, fn)
}
