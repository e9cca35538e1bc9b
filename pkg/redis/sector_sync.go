package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/metrics"
)

const sectorSyncPrefix = "sector-sync:dataset:"

// SectorSyncRegistry records which source datasets are currently read by a
// sector synchronization. Syncs register themselves, the importer only asks.
type SectorSyncRegistry struct {
	client *Client
}

func NewSectorSyncRegistry(client *Client) *SectorSyncRegistry {
	return &SectorSyncRegistry{client: client}
}

func sectorSyncKey(datasetKey int) string {
	return sectorSyncPrefix + strconv.Itoa(datasetKey)
}

// Lock marks datasetKey as the source of a running sync of sectorKey.
func (r *SectorSyncRegistry) Lock(ctx context.Context, datasetKey, sectorKey int, ttl time.Duration) error {
	start := time.Now()
	defer func() { metrics.RecordRedisOperation("sector_sync_lock", time.Since(start)) }()

	ok, err := r.client.rdb.SetNX(ctx, sectorSyncKey(datasetKey), sectorKey, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dataset %d: %w", datasetKey, ErrLockNotAcquired)
	}
	return nil
}

// Unlock removes the mark of datasetKey.
func (r *SectorSyncRegistry) Unlock(ctx context.Context, datasetKey int) error {
	return r.client.rdb.Del(ctx, sectorSyncKey(datasetKey)).Err()
}

// IsDatasetLocked returns the key of the sector syncing from datasetKey, or
// nil if there is none.
func (r *SectorSyncRegistry) IsDatasetLocked(ctx context.Context, datasetKey int) (*int, error) {
	start := time.Now()
	defer func() { metrics.RecordRedisOperation("sector_sync_check", time.Since(start)) }()

	value, err := r.client.rdb.Get(ctx, sectorSyncKey(datasetKey)).Int()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}
