package store

import (
	"context"
	"encoding/json"

	"github.com/coocood/freecache"
)

// minCacheBytes is freecache's lower bound; smaller sizes are raised to it.
const minCacheBytes = 512 * 1024

// CachedSnapshotStore fronts another SnapshotStore with an in-process
// freecache. The cache only ever moves forward in version.
type CachedSnapshotStore struct {
	inner SnapshotStore
	cache *freecache.Cache
	ttl   int
}

// NewCachedSnapshotStore wraps inner with a cache of sizeBytes. ttlSeconds
// of 0 keeps entries until evicted.
func NewCachedSnapshotStore(inner SnapshotStore, sizeBytes, ttlSeconds int) *CachedSnapshotStore {
	if sizeBytes < minCacheBytes {
		sizeBytes = minCacheBytes
	}
	return &CachedSnapshotStore{
		inner: inner,
		cache: freecache.NewCache(sizeBytes),
		ttl:   ttlSeconds,
	}
}

func (c *CachedSnapshotStore) Save(ctx context.Context, snapshot Snapshot) error {
	if err := c.inner.Save(ctx, snapshot); err != nil {
		return err
	}
	if cached, ok := c.get(snapshot.AggregateID); ok && cached.Version >= snapshot.Version {
		return nil
	}
	c.set(snapshot)
	return nil
}

func (c *CachedSnapshotStore) Load(ctx context.Context, aggregateID string) (*Snapshot, error) {
	if cached, ok := c.get(aggregateID); ok {
		return &cached, nil
	}
	snap, err := c.inner.Load(ctx, aggregateID)
	if err != nil || snap == nil {
		return snap, err
	}
	c.set(*snap)
	return snap, nil
}

// Stats reports cache hits and misses.
func (c *CachedSnapshotStore) Stats() (hits, misses int64) {
	return c.cache.HitCount(), c.cache.MissCount()
}

func (c *CachedSnapshotStore) get(aggregateID string) (Snapshot, bool) {
	data, err := c.cache.Get([]byte(aggregateID))
	if err != nil {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		c.cache.Del([]byte(aggregateID))
		return Snapshot{}, false
	}
	return snap, true
}

func (c *CachedSnapshotStore) set(snapshot Snapshot) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	// Entries larger than the cache allows are simply not cached.
	_ = c.cache.Set([]byte(snapshot.AggregateID), data, c.ttl)
}
