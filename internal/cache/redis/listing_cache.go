package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/iotmart/internal/domain"
)

const defaultSnapshotTTL = 10 * time.Minute

// ListingCache implements domain.ListingCache.
//
// Key schema:
//
//	listings:snapshot - JSON snapshotDoc, expires after the configured TTL
type ListingCache struct {
	c   *Client
	ttl time.Duration
}

type snapshotDoc struct {
	FetchedAt time.Time             `json:"fetched_at"`
	Records   []domain.LedgerRecord `json:"records"`
}

// NewListingCache creates a ListingCache. ttl <= 0 uses a default.
func NewListingCache(c *Client, ttl time.Duration) *ListingCache {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &ListingCache{c: c, ttl: ttl}
}

// StoreSnapshot replaces the cached snapshot.
func (lc *ListingCache) StoreSnapshot(ctx context.Context, records []domain.LedgerRecord, fetchedAt time.Time) error {
	data, err := json.Marshal(snapshotDoc{FetchedAt: fetchedAt, Records: records})
	if err != nil {
		return fmt.Errorf("redis: marshal listing snapshot: %w", err)
	}
	if err := lc.c.rdb.Set(ctx, lc.c.key("listings", "snapshot"), data, lc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: store listing snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the cached snapshot, or domain.ErrNotFound when none
// is cached.
func (lc *ListingCache) LoadSnapshot(ctx context.Context) ([]domain.LedgerRecord, time.Time, error) {
	data, err := lc.c.rdb.Get(ctx, lc.c.key("listings", "snapshot")).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, time.Time{}, fmt.Errorf("redis: listing snapshot: %w", domain.ErrNotFound)
		}
		return nil, time.Time{}, fmt.Errorf("redis: load listing snapshot: %w", err)
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: unmarshal listing snapshot: %w", err)
	}
	return doc.Records, doc.FetchedAt, nil
}

var _ domain.ListingCache = (*ListingCache)(nil)
