package stats

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ae-signal-engine/internal/domain"
)

// RemoteTier is an optional shared second cache level. Entries are written
// once and never updated.
type RemoteTier interface {
	Get(ctx context.Context, key string) (domain.ContingencyCounts, bool, error)
	AddOnce(ctx context.Context, key string, counts domain.ContingencyCounts) error
}

type cacheKey struct {
	version string
	key     domain.SignalKey
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	MemoryHits   int64 `json:"memory_hits"`
	RemoteHits   int64 `json:"remote_hits"`
	Misses       int64 `json:"misses"`
	RemoteErrors int64 `json:"remote_errors"`
	Entries      int   `json:"entries"`
}

// CountsCache is a read-through cache of contingency counts keyed by
// (dataset version, signal key). A new dataset version never sees entries
// of an older one, so nothing is invalidated or updated in place.
type CountsCache struct {
	memory *lru.Cache[cacheKey, domain.ContingencyCounts]
	remote RemoteTier

	memoryHits   atomic.Int64
	remoteHits   atomic.Int64
	misses       atomic.Int64
	remoteErrors atomic.Int64
}

// NewCountsCache creates a cache holding at most size entries in memory.
// remote may be nil.
func NewCountsCache(size int, remote RemoteTier) (*CountsCache, error) {
	if size <= 0 {
		size = 10000
	}
	memory, err := lru.New[cacheKey, domain.ContingencyCounts](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create counts cache: %w", err)
	}
	return &CountsCache{memory: memory, remote: remote}, nil
}

// Counts returns the contingency table for key, computing it from src on a
// miss. Remote tier failures degrade to a local computation.
func (c *CountsCache) Counts(ctx context.Context, src domain.CountsSource, key domain.SignalKey) domain.ContingencyCounts {
	ck := cacheKey{version: src.Version(), key: key}
	if counts, ok := c.memory.Get(ck); ok {
		c.memoryHits.Add(1)
		return counts
	}

	var remoteKey string
	if c.remote != nil {
		remoteKey = RemoteKey(ck.version, key)
		counts, ok, err := c.remote.Get(ctx, remoteKey)
		switch {
		case err != nil:
			c.remoteErrors.Add(1)
		case ok:
			c.remoteHits.Add(1)
			c.memory.ContainsOrAdd(ck, counts)
			return counts
		}
	}

	c.misses.Add(1)
	counts := src.Counts(key)
	c.memory.ContainsOrAdd(ck, counts)
	if c.remote != nil {
		if err := c.remote.AddOnce(ctx, remoteKey, counts); err != nil {
			c.remoteErrors.Add(1)
		}
	}
	return counts
}

// Stats returns a snapshot of the cache counters.
func (c *CountsCache) Stats() CacheStats {
	return CacheStats{
		MemoryHits:   c.memoryHits.Load(),
		RemoteHits:   c.remoteHits.Load(),
		Misses:       c.misses.Load(),
		RemoteErrors: c.remoteErrors.Load(),
		Entries:      c.memory.Len(),
	}
}

// RemoteKey builds the shared-tier key of one entry.
func RemoteKey(version string, key domain.SignalKey) string {
	sum := sha256.Sum256([]byte(key.Drug + "\x00" + key.Reaction))
	return "ae-signal:counts:" + version + ":" + hex.EncodeToString(sum[:12])
}
