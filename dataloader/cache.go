package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/x448/float16"

	"github.com/tsawler/go-mmfusion/dataset"
	"github.com/tsawler/go-mmfusion/tensor"
)

type cacheEntry struct {
	shape []int
	data  []float16.Float16
}

// CacheManager is an LRU cache of preprocessed images shared by all loader
// workers. Pixels are stored in half precision.
type CacheManager struct {
	mu      sync.Mutex
	cache   map[string]*cacheEntry
	lru     *list.List
	lruMap  map[string]*list.Element
	maxSize int

	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding at most maxSize images.
func NewCacheManager(maxSize int) *CacheManager {
	return &CacheManager{
		cache:   make(map[string]*cacheEntry),
		lru:     list.New(),
		lruMap:  make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Get returns a fresh float32 tensor for key.
func (cm *CacheManager) Get(key string) (*tensor.Tensor, bool) {
	cm.mu.Lock()
	entry, ok := cm.cache[key]
	if ok {
		cm.lru.MoveToFront(cm.lruMap[key])
		cm.hits++
	} else {
		cm.misses++
	}
	cm.mu.Unlock()

	if !ok {
		return nil, false
	}
	t, err := entry.expand()
	if err != nil {
		return nil, false
	}
	return t, true
}

// Put stores t under key, evicting the least recently used entries.
func (cm *CacheManager) Put(key string, t *tensor.Tensor) {
	cm.put(key, compress(t))
}

func (cm *CacheManager) put(key string, entry *cacheEntry) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if elem, exists := cm.lruMap[key]; exists {
		cm.lru.MoveToFront(elem)
		return
	}

	cm.lruMap[key] = cm.lru.PushFront(key)
	cm.cache[key] = entry

	for cm.lru.Len() > cm.maxSize {
		oldest := cm.lru.Back()
		evicted := oldest.Value.(string)
		cm.lru.Remove(oldest)
		delete(cm.lruMap, evicted)
		delete(cm.cache, evicted)
	}
}

// Stats returns cache statistics.
func (cm *CacheManager) Stats() CacheStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	stats := CacheStats{
		Size:    cm.lru.Len(),
		MaxSize: cm.maxSize,
		Hits:    cm.hits,
		Misses:  cm.misses,
	}
	if total := cm.hits + cm.misses; total > 0 {
		stats.HitRate = float64(cm.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}

func compress(t *tensor.Tensor) *cacheEntry {
	e := &cacheEntry{
		shape: append([]int(nil), t.Shape...),
		data:  make([]float16.Float16, len(t.Data)),
	}
	for i, v := range t.Data {
		e.data[i] = float16.Fromfloat32(v)
	}
	return e
}

func (e *cacheEntry) expand() (*tensor.Tensor, error) {
	data := make([]float32, len(e.data))
	for i, v := range e.data {
		data[i] = v.Float32()
	}
	return tensor.New(append([]int(nil), e.shape...), data)
}

// CachedImages wraps an image loader with a CacheManager. Every image it
// returns has been rounded through half precision, so cached and uncached
// reads of the same file are identical.
type CachedImages struct {
	Loader dataset.ImageLoader
	Cache  *CacheManager
}

// LoadFile implements dataset.ImageLoader.
func (c *CachedImages) LoadFile(path string) (*tensor.Tensor, error) {
	if t, ok := c.Cache.Get(path); ok {
		return t, nil
	}
	t, err := c.Loader.LoadFile(path)
	if err != nil {
		return nil, err
	}
	entry := compress(t)
	c.Cache.put(path, entry)
	return entry.expand()
}
