/*
Modifications Copyright 2023 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

This work is derived from github.com/golang/groupcache/lru
*/

package herald

import (
	"container/list"
	"sync/atomic"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/prometheus/client_golang/prometheus"
)

// LRUCache is an LRU cache that supports expiration.
// Not thread-safe. Owned by exactly one MemoryStore worker.
type LRUCache struct {
	cache     map[string]*list.Element
	ll        *list.List
	cacheSize int
	cacheLen  int64
	hits      int64
	misses    int64
}

// LRUCacheCollector exports the size and access counts of every worker
// cache in a MemoryStore.
type LRUCacheCollector struct {
	caches []*LRUCache
}

var _ Cache = &LRUCache{}
var _ prometheus.Collector = &LRUCacheCollector{}

var storeSizeMetric = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "herald_memory_store_size",
	Help: "The number of keys held by the in-process store.",
})
var storeAccessMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "herald_memory_store_access_count",
	Help: "In-process store access counts.  Label \"type\" = hit|miss.",
}, []string{"type"})

// NewLRUCache creates a new Cache with a maximum size.
func NewLRUCache(maxSize int) *LRUCache {
	setter.SetDefault(&maxSize, 50_000)

	return &LRUCache{
		cache:     make(map[string]*list.Element),
		ll:        list.New(),
		cacheSize: maxSize,
	}
}

// Each returns a snapshot of every item in the cache. The channel is fully
// buffered and closed before Each returns, so the caller may modify the
// cache while draining it.
func (c *LRUCache) Each() chan *CacheItem {
	out := make(chan *CacheItem, len(c.cache))
	for _, ele := range c.cache {
		out <- ele.Value.(*CacheItem)
	}
	close(out)
	return out
}

// Add adds a value to the cache. Returns true if the key already existed.
func (c *LRUCache) Add(item *CacheItem) bool {
	// If the key already exist, set the new value
	if ee, ok := c.cache[item.Key]; ok {
		c.ll.MoveToFront(ee)
		ee.Value = item
		return true
	}

	ele := c.ll.PushFront(item)
	c.cache[item.Key] = ele
	if c.cacheSize != 0 && c.ll.Len() > c.cacheSize {
		c.removeOldest()
	}
	atomic.StoreInt64(&c.cacheLen, int64(c.ll.Len()))
	return false
}

// MillisecondNow returns unix epoch in milliseconds
func MillisecondNow() int64 {
	return clock.Now().UnixNano() / 1000000
}

// GetItem returns the item stored in the cache. Expired items are removed
// and reported as a miss.
func (c *LRUCache) GetItem(key string) (*CacheItem, bool) {
	if ele, hit := c.cache[key]; hit {
		entry := ele.Value.(*CacheItem)

		if entry.IsExpired(MillisecondNow()) {
			c.removeElement(ele)
			c.miss()
			return nil, false
		}

		c.hit()
		c.ll.MoveToFront(ele)
		return entry, true
	}

	c.miss()
	return nil, false
}

// Remove removes the provided key from the cache.
func (c *LRUCache) Remove(key string) {
	if ele, hit := c.cache[key]; hit {
		c.removeElement(ele)
	}
}

func (c *LRUCache) removeOldest() {
	ele := c.ll.Back()
	if ele != nil {
		c.removeElement(ele)
	}
}

func (c *LRUCache) removeElement(e *list.Element) {
	c.ll.Remove(e)
	kv := e.Value.(*CacheItem)
	delete(c.cache, kv.Key)
	atomic.StoreInt64(&c.cacheLen, int64(c.ll.Len()))
}

func (c *LRUCache) hit() {
	atomic.AddInt64(&c.hits, 1)
	storeAccessMetric.WithLabelValues("hit").Add(1)
}

func (c *LRUCache) miss() {
	atomic.AddInt64(&c.misses, 1)
	storeAccessMetric.WithLabelValues("miss").Add(1)
}

// Size returns the number of items in the cache.
func (c *LRUCache) Size() int64 {
	return atomic.LoadInt64(&c.cacheLen)
}

// Hits returns the number of successful lookups since creation.
func (c *LRUCache) Hits() int64 {
	return atomic.LoadInt64(&c.hits)
}

// Misses returns the number of failed lookups since creation.
func (c *LRUCache) Misses() int64 {
	return atomic.LoadInt64(&c.misses)
}

// UpdateExpiration updates the expiration time for the key
func (c *LRUCache) UpdateExpiration(key string, expireAt int64) bool {
	if ele, hit := c.cache[key]; hit {
		entry := ele.Value.(*CacheItem)
		entry.ExpireAt = expireAt
		return true
	}
	return false
}

func (c *LRUCache) Close() error {
	c.cache = nil
	c.ll = nil
	atomic.StoreInt64(&c.cacheLen, 0)
	return nil
}

func NewLRUCacheCollector() *LRUCacheCollector {
	return &LRUCacheCollector{}
}

// AddCache adds a cache to be tracked by the collector.
func (collector *LRUCacheCollector) AddCache(cache *LRUCache) {
	collector.caches = append(collector.caches, cache)
}

// Describe fetches prometheus metrics to be registered
func (collector *LRUCacheCollector) Describe(ch chan<- *prometheus.Desc) {
	storeSizeMetric.Describe(ch)
	storeAccessMetric.Describe(ch)
}

// Collect fetches metric counts and gauges from the cache
func (collector *LRUCacheCollector) Collect(ch chan<- prometheus.Metric) {
	storeSizeMetric.Set(collector.getSize())
	storeSizeMetric.Collect(ch)
	storeAccessMetric.Collect(ch)
}

func (collector *LRUCacheCollector) getSize() float64 {
	var size float64

	for _, cache := range collector.caches {
		size += float64(cache.Size())
	}

	return size
}
