// Package cache keeps recently published decks in memory so downloads do not
// go back to object storage. Decks are content addressed, so a cached entry
// never goes stale; entries only leave by eviction or project purge.
package cache

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds cache statistics for observability.
type Metrics struct {
	Hits      atomic.Int64
	Misses    atomic.Int64
	Evictions atomic.Int64
	Entries   atomic.Int64
	SizeBytes atomic.Int64
}

// Stats is a point-in-time copy of the cache metrics.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Entries   int64   `json:"entries"`
	SizeBytes int64   `json:"size_bytes"`
	MaxBytes  int64   `json:"max_bytes"`
	HitRate   float64 `json:"hit_rate"`
}

// DeckCache is a byte-bounded cache of encoded decks keyed by object path.
// Eviction runs asynchronously and trims the cache to 90% of its capacity,
// dropping the least used entries first.
type DeckCache struct {
	maxBytes  int64
	metrics   Metrics
	index     sync.Map // objectPath -> *entry
	evictChan chan string
	wg        sync.WaitGroup
	stopChan  chan struct{}
	closeOnce sync.Once
}

type entry struct {
	data        []byte
	lastAccess  atomic.Int64 // Unix nanos
	accessCount atomic.Int64
}

// NewDeckCache creates a cache holding at most maxBytes of deck data.
func NewDeckCache(maxBytes int64) (*DeckCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("maxBytes must be positive, got %d", maxBytes)
	}

	c := &DeckCache{
		maxBytes:  maxBytes,
		evictChan: make(chan string, 256),
		stopChan:  make(chan struct{}),
	}

	c.wg.Add(1)
	go c.evictionWorker()

	return c, nil
}

// Close stops the eviction worker. The cache stays readable.
func (c *DeckCache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopChan)
		c.wg.Wait()
	})
	return nil
}

// Get returns the cached deck at objectPath.
func (c *DeckCache) Get(objectPath string) ([]byte, bool) {
	v, ok := c.index.Load(objectPath)
	if !ok {
		c.metrics.Misses.Add(1)
		return nil, false
	}

	c.metrics.Hits.Add(1)
	e := v.(*entry)
	e.lastAccess.Store(time.Now().UnixNano())
	e.accessCount.Add(1)
	return e.data, true
}

// Put caches data under objectPath. Decks larger than the whole cache are
// not cached. Putting a path that is already cached only refreshes it.
func (c *DeckCache) Put(objectPath string, data []byte) bool {
	size := int64(len(data))
	if size == 0 || size > c.maxBytes {
		return false
	}

	e := &entry{data: data}
	e.lastAccess.Store(time.Now().UnixNano())
	e.accessCount.Store(1)

	if prev, loaded := c.index.LoadOrStore(objectPath, e); loaded {
		prev.(*entry).lastAccess.Store(time.Now().UnixNano())
		return true
	}
	c.metrics.SizeBytes.Add(size)
	c.metrics.Entries.Add(1)

	if c.metrics.SizeBytes.Load() > c.maxBytes {
		select {
		case c.evictChan <- objectPath:
		default:
			// Channel full, the periodic pass catches up.
		}
	}
	return true
}

// Remove drops objectPath from the cache.
func (c *DeckCache) Remove(objectPath string) bool {
	v, ok := c.index.LoadAndDelete(objectPath)
	if !ok {
		return false
	}
	c.metrics.SizeBytes.Add(-int64(len(v.(*entry).data)))
	c.metrics.Entries.Add(-1)
	return true
}

// RemovePrefix drops every entry whose object path starts with prefix and
// returns how many were dropped.
func (c *DeckCache) RemovePrefix(prefix string) int {
	n := 0
	c.index.Range(func(key, _ interface{}) bool {
		if p := key.(string); strings.HasPrefix(p, prefix) && c.Remove(p) {
			n++
		}
		return true
	})
	return n
}

func (c *DeckCache) evictionWorker() {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			c.performEviction()
			return
		case <-c.evictChan:
			c.performEviction()
		case <-ticker.C:
			c.performEviction()
		}
	}
}

// performEviction trims the cache to 90% of capacity once it is over
// capacity.
func (c *DeckCache) performEviction() {
	if c.metrics.SizeBytes.Load() <= c.maxBytes {
		return
	}
	targetSize := int64(float64(c.maxBytes) * 0.9)

	type candidate struct {
		path       string
		accessTime int64
		count      int64
	}
	var candidates []candidate
	c.index.Range(func(key, value interface{}) bool {
		e := value.(*entry)
		candidates = append(candidates, candidate{
			path:       key.(string),
			accessTime: e.lastAccess.Load(),
			count:      e.accessCount.Load(),
		})
		return true
	})

	// Least used first, then least recently used.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count < candidates[j].count
		}
		return candidates[i].accessTime < candidates[j].accessTime
	})

	var freed int64
	evicted := 0
	for _, cand := range candidates {
		if c.metrics.SizeBytes.Load() <= targetSize {
			break
		}
		if v, ok := c.index.Load(cand.path); ok && c.Remove(cand.path) {
			freed += int64(len(v.(*entry).data))
			evicted++
			c.metrics.Evictions.Add(1)
		}
	}
	if evicted > 0 {
		log.Printf("cache: evicted %d decks (freed %d bytes)", evicted, freed)
	}
}

// Stats returns a snapshot of the cache metrics.
func (c *DeckCache) Stats() Stats {
	s := Stats{
		Hits:      c.metrics.Hits.Load(),
		Misses:    c.metrics.Misses.Load(),
		Evictions: c.metrics.Evictions.Load(),
		Entries:   c.metrics.Entries.Load(),
		SizeBytes: c.metrics.SizeBytes.Load(),
		MaxBytes:  c.maxBytes,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total) * 100
	}
	return s
}

// Size returns the current cache size in bytes.
func (c *DeckCache) Size() int64 {
	return c.metrics.SizeBytes.Load()
}

// Count returns the number of cached decks.
func (c *DeckCache) Count() int64 {
	return c.metrics.Entries.Load()
}
