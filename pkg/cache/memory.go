package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"suimessenger/pkg/logger"
)

// BlobCache maps content ids to the bytes stored under them
type BlobCache interface {
	Get(ctx context.Context, contentID string) ([]byte, bool, error)
	Set(ctx context.Context, contentID string, data []byte) error
	// Clear drops every entry owned by this cache
	Clear(ctx context.Context) error
}

// DefaultMaxEntries bounds the in-memory blob cache when no size is configured
const DefaultMaxEntries = 512

// MemoryCache is a process-local LRU blob cache
type MemoryCache struct {
	entries *lru.Cache
}

var _ BlobCache = (*MemoryCache)(nil)

// NewMemoryCache creates a new in-memory cache holding at most maxEntries blobs
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	entries, err := lru.New(maxEntries)
	if err != nil {
		// lru.New only fails for non-positive sizes
		panic(err)
	}
	return &MemoryCache{entries: entries}
}

// Get returns a copy of the cached blob
func (mc *MemoryCache) Get(_ context.Context, contentID string) ([]byte, bool, error) {
	value, ok := mc.entries.Get(contentID)
	if !ok {
		return nil, false, nil
	}
	data, ok := value.([]byte)
	if !ok {
		mc.entries.Remove(contentID)
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

// Set stores a copy of data
func (mc *MemoryCache) Set(_ context.Context, contentID string, data []byte) error {
	if evicted := mc.entries.Add(contentID, append([]byte(nil), data...)); evicted {
		logger.Debug("Blob cache entry evicted", zap.Int("size", mc.entries.Len()))
	}
	return nil
}

// Clear removes all entries from the cache
func (mc *MemoryCache) Clear(_ context.Context) error {
	mc.entries.Purge()
	logger.Debug("Blob cache cleared")
	return nil
}

// Size returns the current number of entries in the cache
func (mc *MemoryCache) Size() int {
	return mc.entries.Len()
}
