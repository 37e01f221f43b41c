/*
Copyright 2023 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package herald

import (
	"context"
	"path"
	"strconv"
	"time"

	"github.com/mailgun/holster/v4/setter"
	"github.com/mailgun/holster/v4/syncutil"
	"github.com/pkg/errors"
)

type MemoryStoreConfig struct {
	// Number of workers the key space is sharded across. Defaults to the number of CPUs.
	Workers int

	// Maximum number of keys held before the least recently used are evicted.
	CacheSize int

	// How often expired keys are swept out of the workers' caches.
	SweepInterval time.Duration
}

var _ Store = &MemoryStore{}
var _ WindowAdmitter = &MemoryStore{}

// MemoryStore is an in-process Store. Every operation runs on the worker
// that owns the key, which makes each operation atomic for that key.
type MemoryStore struct {
	conf      MemoryStoreConfig
	pool      *WorkerPool
	collector *LRUCacheCollector
	wg        syncutil.WaitGroup
}

// counter is the value type held by IncrExpire keys.
type counter struct {
	n int64
}

// sortedSet is the value type held by ZAdd keys. Sets stay small (one entry
// per admitted request in a window) so operations scan linearly.
type sortedSet struct {
	members map[string]float64
}

func NewMemoryStore(conf MemoryStoreConfig) *MemoryStore {
	setter.SetDefault(&conf.SweepInterval, time.Minute)

	s := &MemoryStore{
		conf:      conf,
		pool:      NewWorkerPool(conf.Workers, conf.CacheSize),
		collector: NewLRUCacheCollector(),
	}
	for _, c := range s.pool.Caches() {
		s.collector.AddCache(c)
	}

	s.wg.Until(func(done chan struct{}) bool {
		select {
		case <-time.After(s.conf.SweepInterval):
			s.sweep()
			return true
		case <-done:
			return false
		}
	})
	return s
}

// Collector returns the prometheus collector for the store's caches.
func (s *MemoryStore) Collector() *LRUCacheCollector {
	return s.collector
}

// sweep removes expired items from every worker's cache. GetItem drops an
// expired item as a side effect.
func (s *MemoryStore) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.conf.SweepInterval)
	defer cancel()
	_ = s.pool.ExecAll(ctx, func(cache Cache) {
		for item := range cache.Each() {
			cache.GetItem(item.Key)
		}
	})
}

func expireAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return MillisecondNow() + ttl.Milliseconds()
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var ok bool
	err := s.pool.Exec(ctx, key, func(cache Cache) {
		item, hit := cache.GetItem(key)
		if !hit {
			return
		}
		switch v := item.Value.(type) {
		case []byte:
			value, ok = append([]byte(nil), v...), true
		case *counter:
			value, ok = []byte(strconv.FormatInt(v.n, 10)), true
		}
	})
	return value, ok, err
}

func (s *MemoryStore) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := &CacheItem{
		Key:      key,
		Value:    append([]byte(nil), value...),
		ExpireAt: expireAt(ttl),
	}
	return s.pool.Exec(ctx, key, func(cache Cache) {
		cache.Add(item)
	})
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.pool.Exec(ctx, key, func(cache Cache) {
		_, ok = cache.GetItem(key)
	})
	return ok, err
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) (int64, error) {
	var removed int64
	for _, key := range keys {
		err := s.pool.Exec(ctx, key, func(cache Cache) {
			if _, ok := cache.GetItem(key); ok {
				cache.Remove(key)
				removed++
			}
		})
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *MemoryStore) DelPattern(ctx context.Context, pattern string) (int64, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, errors.Wrapf(ErrInvalidParams, "bad pattern '%s'", pattern)
	}

	counts := make(chan int64, len(s.pool.workers))
	err := s.pool.ExecAll(ctx, func(cache Cache) {
		var n int64
		for item := range cache.Each() {
			if ok, _ := path.Match(pattern, item.Key); ok {
				cache.Remove(item.Key)
				n++
			}
		}
		counts <- n
	})
	close(counts)

	var total int64
	for n := range counts {
		total += n
	}
	return total, err
}

func (s *MemoryStore) IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var n int64
	var typeErr error
	err := s.pool.Exec(ctx, key, func(cache Cache) {
		c := &counter{}
		if item, ok := cache.GetItem(key); ok {
			existing, isCounter := item.Value.(*counter)
			if !isCounter {
				typeErr = errors.Errorf("key '%s' does not hold a counter", key)
				return
			}
			c = existing
		}
		c.n++
		n = c.n
		cache.Add(&CacheItem{Key: key, Value: c, ExpireAt: expireAt(ttl)})
	})
	if err != nil {
		return 0, err
	}
	return n, typeErr
}

// zset returns the sorted set stored at key, creating it when absent and
// create is true.
func zset(cache Cache, key string, create bool) (*sortedSet, *CacheItem, error) {
	if item, ok := cache.GetItem(key); ok {
		set, isSet := item.Value.(*sortedSet)
		if !isSet {
			return nil, nil, errors.Errorf("key '%s' does not hold a sorted set", key)
		}
		return set, item, nil
	}
	if !create {
		return nil, nil, nil
	}
	item := &CacheItem{Key: key, Value: &sortedSet{members: map[string]float64{}}}
	cache.Add(item)
	return item.Value.(*sortedSet), item, nil
}

func (set *sortedSet) removeBelow(cutoff float64) {
	for m, score := range set.members {
		if score < cutoff {
			delete(set.members, m)
		}
	}
}

func (set *sortedSet) oldest() float64 {
	var min float64
	first := true
	for _, score := range set.members {
		if first || score < min {
			min, first = score, false
		}
	}
	return min
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	var zerr error
	err := s.pool.Exec(ctx, key, func(cache Cache) {
		var set *sortedSet
		if set, _, zerr = zset(cache, key, true); zerr != nil {
			return
		}
		set.members[member] = score
	})
	if err != nil {
		return err
	}
	return zerr
}

func (s *MemoryStore) ZRemBelow(ctx context.Context, key string, cutoff float64) error {
	var zerr error
	err := s.pool.Exec(ctx, key, func(cache Cache) {
		var set *sortedSet
		if set, _, zerr = zset(cache, key, false); zerr != nil || set == nil {
			return
		}
		set.removeBelow(cutoff)
		if len(set.members) == 0 {
			cache.Remove(key)
		}
	})
	if err != nil {
		return err
	}
	return zerr
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	var zerr error
	err := s.pool.Exec(ctx, key, func(cache Cache) {
		var set *sortedSet
		if set, _, zerr = zset(cache, key, false); zerr != nil || set == nil {
			return
		}
		n = int64(len(set.members))
	})
	if err != nil {
		return 0, err
	}
	return n, zerr
}

func (s *MemoryStore) ZOldest(ctx context.Context, key string) (float64, bool, error) {
	var score float64
	var found bool
	var zerr error
	err := s.pool.Exec(ctx, key, func(cache Cache) {
		var set *sortedSet
		if set, _, zerr = zset(cache, key, false); zerr != nil || set == nil || len(set.members) == 0 {
			return
		}
		score, found = set.oldest(), true
	})
	if err != nil {
		return 0, false, err
	}
	return score, found, zerr
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.pool.Exec(ctx, key, func(cache Cache) {
		cache.UpdateExpiration(key, expireAt(ttl))
	})
}

// AdmitWindow performs the whole trim, count, add sequence on the worker that
// owns key, so concurrent admissions for the same key never overshoot limit.
func (s *MemoryStore) AdmitWindow(ctx context.Context, key string, now, window, limit int64, member string) (WindowResult, error) {
	var r WindowResult
	var zerr error
	err := s.pool.Exec(ctx, key, func(cache Cache) {
		var set *sortedSet
		var item *CacheItem
		if set, item, zerr = zset(cache, key, true); zerr != nil {
			return
		}
		set.removeBelow(float64(now - window))
		if int64(len(set.members)) < limit {
			set.members[member] = float64(now)
			r.Admitted = true
		}
		r.Count = int64(len(set.members))
		if r.Count > 0 {
			r.Oldest = int64(set.oldest())
		}
		item.ExpireAt = MillisecondNow() + window
	})
	if err != nil {
		return WindowResult{}, err
	}
	return r, zerr
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Stats(ctx context.Context) (StoreStats, error) {
	stats := StoreStats{Backend: "memory", Connected: true}
	for _, c := range s.pool.Caches() {
		stats.Keys += c.Size()
		stats.Hits += c.Hits()
		stats.Misses += c.Misses()
	}
	stats.HitRate = hitRate(stats.Hits, stats.Misses)
	return stats, nil
}

func (s *MemoryStore) Close() error {
	s.wg.Stop()
	return s.pool.Close()
}
