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
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mailgun/herald"
	"github.com/mailgun/holster/v4/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newMemoryStore(t *testing.T) *herald.MemoryStore {
	s := herald.NewMemoryStore(herald.MemoryStoreConfig{Workers: 2, CacheSize: 1000})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCacheKey(t *testing.T) {
	k1 := herald.CacheKey(herald.KindHeadlines, herald.Params{"general", "en", "us"})
	k2 := herald.CacheKey(herald.KindHeadlines, herald.Params{"general", "en", "us"})
	assert.Equal(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, "news:headlines:"))
	assert.Len(t, strings.TrimPrefix(k1, "news:headlines:"), 24)

	// Whitespace is normalized, order and case are not.
	assert.Equal(t, k1, herald.CacheKey(herald.KindHeadlines, herald.Params{" general ", "en", "us"}))
	assert.NotEqual(t, k1, herald.CacheKey(herald.KindHeadlines, herald.Params{"en", "general", "us"}))
	assert.NotEqual(t, k1, herald.CacheKey(herald.KindSearch, herald.Params{"general", "en", "us"}))

	// Parameter boundaries are part of the key.
	assert.NotEqual(t,
		herald.CacheKey(herald.KindSearch, herald.Params{"a", "b"}),
		herald.CacheKey(herald.KindSearch, herald.Params{"a b"}))
}

func TestContentCache(t *testing.T) {
	ctx := context.Background()
	params := herald.Params{"general", "en", "us"}

	t.Run("idempotent reads", func(t *testing.T) {
		cache := herald.NewContentCache(newMemoryStore(t), herald.ContentCacheConfig{})
		var out payload
		assert.False(t, cache.Get(ctx, herald.KindHeadlines, params, &out))

		cache.Put(ctx, herald.KindHeadlines, params, payload{Name: "first", Count: 1})
		for i := 0; i < 3; i++ {
			var got payload
			require.True(t, cache.Get(ctx, herald.KindHeadlines, params, &got))
			assert.Equal(t, payload{Name: "first", Count: 1}, got)
		}
	})

	t.Run("TTL expiry", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		cache := herald.NewContentCache(newMemoryStore(t), herald.ContentCacheConfig{})
		assert.Equal(t, 15*time.Minute, cache.TTL(herald.KindHeadlines))
		assert.Equal(t, 7*24*time.Hour, cache.TTL(herald.KindAudio))

		cache.Put(ctx, herald.KindHeadlines, params, payload{Name: "x"})

		clock.Advance(15 * time.Minute)
		var out payload
		assert.True(t, cache.Get(ctx, herald.KindHeadlines, params, &out), "present at cached_at + ttl")

		clock.Advance(time.Millisecond)
		assert.False(t, cache.Get(ctx, herald.KindHeadlines, params, &out), "absent after cached_at + ttl")
	})

	t.Run("TTL overrides", func(t *testing.T) {
		cache := herald.NewContentCache(newMemoryStore(t), herald.ContentCacheConfig{
			TTLs: map[herald.Kind]time.Duration{herald.KindSearch: time.Minute},
		})
		assert.Equal(t, time.Minute, cache.TTL(herald.KindSearch))
		assert.Equal(t, 24*time.Hour, cache.TTL(herald.KindArticle))
	})

	t.Run("entry envelope", func(t *testing.T) {
		store := newMemoryStore(t)
		cache := herald.NewContentCache(store, herald.ContentCacheConfig{})
		cache.Put(ctx, herald.KindArticle, params, payload{Name: "x", Count: 2})

		b, ok, err := store.Get(ctx, cache.Key(herald.KindArticle, params))
		require.NoError(t, err)
		require.True(t, ok)

		var entry map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(b, &entry))
		assert.JSONEq(t, `{"name":"x","count":2}`, string(entry["payload"]))
		var cachedAt float64
		require.NoError(t, json.Unmarshal(entry["cached_at"], &cachedAt))
		assert.InDelta(t, float64(clock.Now().Unix()), cachedAt, 5)
	})

	t.Run("undecodable entries read as absent", func(t *testing.T) {
		store := newMemoryStore(t)
		cache := herald.NewContentCache(store, herald.ContentCacheConfig{})
		key := cache.Key(herald.KindSearch, params)

		require.NoError(t, store.SetEX(ctx, key, []byte("not json"), time.Minute))
		var out payload
		assert.False(t, cache.Get(ctx, herald.KindSearch, params, &out))

		require.NoError(t, store.SetEX(ctx, key, []byte(`{"payload":"a string","cached_at":1}`), time.Minute))
		assert.False(t, cache.Get(ctx, herald.KindSearch, params, &out))
	})

	t.Run("unavailable store degrades to always miss", func(t *testing.T) {
		cache := herald.NewContentCache(herald.NullStore{}, herald.ContentCacheConfig{})
		cache.Put(ctx, herald.KindHeadlines, params, payload{Name: "x"})
		var out payload
		assert.False(t, cache.Get(ctx, herald.KindHeadlines, params, &out))

		_, err := cache.Invalidate(ctx, herald.KindPattern(herald.KindHeadlines))
		assert.ErrorIs(t, err, herald.ErrCacheUnavailable)
	})

	t.Run("put survives a cancelled caller", func(t *testing.T) {
		cache := herald.NewContentCache(newMemoryStore(t), herald.ContentCacheConfig{})
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		cache.Put(cctx, herald.KindHeadlines, params, payload{Name: "late"})

		var out payload
		require.True(t, cache.Get(ctx, herald.KindHeadlines, params, &out))
		assert.Equal(t, "late", out.Name)
	})

	t.Run("Invalidate and Drop", func(t *testing.T) {
		cache := herald.NewContentCache(newMemoryStore(t), herald.ContentCacheConfig{})
		for _, q := range []string{"a", "b", "c"} {
			cache.Put(ctx, herald.KindSearch, herald.Params{q}, payload{Name: q})
		}
		cache.Put(ctx, herald.KindHeadlines, params, payload{Name: "h"})

		cache.Drop(ctx, herald.KindSearch, herald.Params{"a"})
		var out payload
		assert.False(t, cache.Get(ctx, herald.KindSearch, herald.Params{"a"}, &out))

		n, err := cache.Invalidate(ctx, herald.KindPattern(herald.KindSearch))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		assert.True(t, cache.Get(ctx, herald.KindHeadlines, params, &out))
	})
}

func TestMemoize(t *testing.T) {
	ctx := context.Background()
	cache := herald.NewContentCache(newMemoryStore(t), herald.ContentCacheConfig{})

	var calls int
	fn := func(context.Context) (payload, error) {
		calls++
		return payload{Name: "computed", Count: calls}, nil
	}
	for i := 0; i < 3; i++ {
		v, err := herald.Memoize(ctx, cache, herald.KindOptimized, herald.Params{"text"}, fn)
		require.NoError(t, err)
		assert.Equal(t, payload{Name: "computed", Count: 1}, v)
	}
	assert.Equal(t, 1, calls)

	_, err := herald.Memoize(ctx, cache, herald.KindOptimized, herald.Params{"fails"},
		func(context.Context) (payload, error) { return payload{}, herald.ErrSynthesisFailed })
	assert.ErrorIs(t, err, herald.ErrSynthesisFailed)
}
