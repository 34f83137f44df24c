package handlers

import (
	"container/list"
	"os"
	"sync"
	"time"
)

// cacheEntry is a cached file body together with the file metadata it was
// read under.
type cacheEntry struct {
	key     string
	body    []byte
	size    int64
	modTime time.Time
	expiry  time.Time
}

// CacheStats holds cache counters.
type CacheStats struct {
	Entries  int
	Capacity int
	Hits     uint64
	Misses   uint64
}

// AssetCache is an LRU cache with TTL for small file bodies. An entry is only
// returned while the file's size and modification time are unchanged.
type AssetCache struct {
	capacity    int
	ttl         time.Duration
	maxFileSize int64
	items       map[string]*list.Element
	lru         *list.List
	hits        uint64
	misses      uint64
	mutex       sync.Mutex
}

// NewAssetCache creates a cache holding at most capacity files, each no
// larger than maxFileSize bytes. A non-positive ttl means entries only expire
// through eviction or modification.
func NewAssetCache(capacity int, ttl time.Duration, maxFileSize int64) *AssetCache {
	return &AssetCache{
		capacity:    capacity,
		ttl:         ttl,
		maxFileSize: maxFileSize,
		items:       make(map[string]*list.Element),
		lru:         list.New(),
	}
}

// Cacheable reports whether the asset is small enough to be cached.
func (c *AssetCache) Cacheable(asset *Asset) bool {
	return c != nil && c.capacity > 0 && asset.Size <= c.maxFileSize
}

// Get returns the cached body of an asset if it exists, hasn't expired and
// still matches the asset's size and modification time.
func (c *AssetCache) Get(asset *Asset) ([]byte, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	elem, exists := c.items[asset.Path]
	if !exists {
		c.misses++
		return nil, false
	}

	entry := elem.Value.(*cacheEntry)
	stale := entry.size != asset.Size || !entry.modTime.Equal(asset.ModTime)
	if stale || (c.ttl > 0 && time.Now().After(entry.expiry)) {
		c.removeElement(elem)
		c.misses++
		return nil, false
	}

	c.lru.MoveToFront(elem)
	c.hits++
	return entry.body, true
}

// Set stores the body of an asset.
func (c *AssetCache) Set(asset *Asset, body []byte) {
	if !c.Cacheable(asset) {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	expiry := time.Now().Add(c.ttl)
	if elem, exists := c.items[asset.Path]; exists {
		entry := elem.Value.(*cacheEntry)
		entry.body = body
		entry.size = asset.Size
		entry.modTime = asset.ModTime
		entry.expiry = expiry
		c.lru.MoveToFront(elem)
		return
	}

	entry := &cacheEntry{
		key:     asset.Path,
		body:    body,
		size:    asset.Size,
		modTime: asset.ModTime,
		expiry:  expiry,
	}
	c.items[asset.Path] = c.lru.PushFront(entry)

	if c.lru.Len() > c.capacity {
		c.evict()
	}
}

// Load returns the body of a cacheable asset, reading and caching it on a
// miss. It returns false for assets that are too large to cache, in which
// case the caller should stream the file instead.
func (c *AssetCache) Load(asset *Asset) ([]byte, bool, error) {
	if !c.Cacheable(asset) {
		return nil, false, nil
	}
	if body, ok := c.Get(asset); ok {
		return body, true, nil
	}

	body, err := os.ReadFile(asset.Path)
	if err != nil {
		return nil, false, classifyFileError(err, asset.Name)
	}

	// A file that changed between stat and read is served but not cached.
	if int64(len(body)) != asset.Size {
		return body, true, nil
	}
	c.Set(asset, body)
	return body, true, nil
}

// evict removes the least recently used entry.
func (c *AssetCache) evict() {
	if elem := c.lru.Back(); elem != nil {
		c.removeElement(elem)
	}
}

func (c *AssetCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
	c.lru.Remove(elem)
}

// Clear removes all entries from the cache.
func (c *AssetCache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items = make(map[string]*list.Element)
	c.lru = list.New()
}

// Size returns the current number of entries.
func (c *AssetCache) Size() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lru.Len()
}

// Stats returns cache statistics.
func (c *AssetCache) Stats() CacheStats {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return CacheStats{
		Entries:  c.lru.Len(),
		Capacity: c.capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}
