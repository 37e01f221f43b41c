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

package herald_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/mailgun/herald"
	"github.com/mailgun/holster/v4/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCache(t *testing.T) {
	const iterations = 1000
	expireAt := clock.Now().Add(1 * time.Hour).UnixMilli()

	t.Run("Happy path", func(t *testing.T) {
		cache := herald.NewLRUCache(0)

		// Populate cache.
		for i := 0; i < iterations; i++ {
			key := strconv.Itoa(i)
			exists := cache.Add(&herald.CacheItem{Key: key, Value: i, ExpireAt: expireAt})
			assert.False(t, exists)
		}

		// Validate cache.
		assert.Equal(t, int64(iterations), cache.Size())

		for i := 0; i < iterations; i++ {
			item, ok := cache.GetItem(strconv.Itoa(i))
			require.True(t, ok)
			require.NotNil(t, item)
			assert.Equal(t, i, item.Value)
		}

		// Clear cache.
		for i := 0; i < iterations; i++ {
			cache.Remove(strconv.Itoa(i))
		}
		assert.Zero(t, cache.Size())
	})

	t.Run("Update an existing key", func(t *testing.T) {
		cache := herald.NewLRUCache(0)
		const key = "foobar"

		require.False(t, cache.Add(&herald.CacheItem{Key: key, Value: "initial value", ExpireAt: expireAt}))
		item2 := &herald.CacheItem{Key: key, Value: "new value", ExpireAt: expireAt}
		require.True(t, cache.Add(item2))

		verifyItem, ok := cache.GetItem(key)
		require.True(t, ok)
		assert.Equal(t, item2, verifyItem)
		assert.Equal(t, int64(1), cache.Size())
	})

	t.Run("Evicts least recently used", func(t *testing.T) {
		cache := herald.NewLRUCache(3)
		for _, k := range []string{"a", "b", "c"} {
			cache.Add(&herald.CacheItem{Key: k, Value: k})
		}

		// Touch "a" so "b" becomes the oldest.
		_, ok := cache.GetItem("a")
		require.True(t, ok)
		cache.Add(&herald.CacheItem{Key: "d", Value: "d"})

		assert.Equal(t, int64(3), cache.Size())
		_, ok = cache.GetItem("b")
		assert.False(t, ok)
		for _, k := range []string{"a", "c", "d"} {
			_, ok := cache.GetItem(k)
			assert.True(t, ok, k)
		}
	})

	t.Run("Expired items are misses", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()

		cache := herald.NewLRUCache(0)
		cache.Add(&herald.CacheItem{
			Key:      "ttl",
			Value:    1,
			ExpireAt: clock.Now().Add(time.Second).UnixMilli(),
		})

		clock.Advance(time.Second)
		_, ok := cache.GetItem("ttl")
		assert.True(t, ok, "alive at exactly the expiry time")

		clock.Advance(time.Millisecond)
		_, ok = cache.GetItem("ttl")
		assert.False(t, ok)
		assert.Zero(t, cache.Size(), "expired item removed on access")
		assert.Equal(t, int64(1), cache.Hits())
		assert.Equal(t, int64(1), cache.Misses())
	})

	t.Run("UpdateExpiration", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()

		cache := herald.NewLRUCache(0)
		cache.Add(&herald.CacheItem{Key: "k", Value: 1, ExpireAt: clock.Now().Add(time.Second).UnixMilli()})
		require.True(t, cache.UpdateExpiration("k", clock.Now().Add(time.Minute).UnixMilli()))
		assert.False(t, cache.UpdateExpiration("missing", 0))

		clock.Advance(10 * time.Second)
		_, ok := cache.GetItem("k")
		assert.True(t, ok)
	})

	t.Run("Each returns a snapshot", func(t *testing.T) {
		cache := herald.NewLRUCache(0)
		for i := 0; i < 10; i++ {
			cache.Add(&herald.CacheItem{Key: strconv.Itoa(i), Value: i})
		}

		var count int
		for item := range cache.Each() {
			// Mutating while draining must be safe.
			cache.Remove(item.Key)
			count++
		}
		assert.Equal(t, 10, count)
		assert.Zero(t, cache.Size())
	})
}

func TestLRUCacheCollector(t *testing.T) {
	cache1 := herald.NewLRUCache(0)
	cache2 := herald.NewLRUCache(0)
	cache1.Add(&herald.CacheItem{Key: "a", Value: 1})
	cache2.Add(&herald.CacheItem{Key: "b", Value: 2})
	cache2.Add(&herald.CacheItem{Key: "c", Value: 3})

	collector := herald.NewLRUCacheCollector()
	collector.AddCache(cache1)
	collector.AddCache(cache2)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(collector))

	families, err := reg.Gather()
	require.NoError(t, err)
	var size float64
	for _, f := range families {
		if f.GetName() == "herald_memory_store_size" {
			size = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(3), size)
}
