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
	"encoding/json"
	"time"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type ContentCacheConfig struct {
	// Per kind TTL overrides. Kinds not listed use DefaultTTLs.
	TTLs map[Kind]time.Duration

	// Upper bound on a single write. Writes are detached from the caller's
	// cancellation so a finished origin call is still cached.
	PutTimeout time.Duration

	Logger logrus.FieldLogger
}

// ContentCache memoizes upstream responses under content addressed keys.
// Every failure mode (miss, store error, undecodable entry) reads as absent,
// and write failures are logged and swallowed.
type ContentCache struct {
	store Store
	conf  ContentCacheConfig
	log   logrus.FieldLogger
}

// cacheEntry is the JSON envelope stored for every cached payload.
type cacheEntry struct {
	Payload  json.RawMessage `json:"payload"`
	CachedAt float64         `json:"cached_at"`
}

var cacheAccessMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "herald_content_cache_access_count",
	Help: "Content cache lookups by kind.  Label \"result\" = hit|miss|error.",
}, []string{"kind", "result"})

var cacheWriteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "herald_content_cache_write_errors",
	Help: "Content cache writes that failed and were dropped.",
}, []string{"kind"})

func NewContentCache(store Store, conf ContentCacheConfig) *ContentCache {
	setter.SetDefault(&conf.PutTimeout, 250*time.Millisecond)
	setter.SetDefault(&conf.Logger, logrus.WithField("category", "content-cache"))
	ttls := make(map[Kind]time.Duration, len(DefaultTTLs))
	for k, v := range DefaultTTLs {
		ttls[k] = v
	}
	for k, v := range conf.TTLs {
		if v > 0 {
			ttls[k] = v
		}
	}
	conf.TTLs = ttls

	return &ContentCache{
		store: store,
		conf:  conf,
		log:   conf.Logger,
	}
}

// Key returns the store key for kind and params.
func (c *ContentCache) Key(kind Kind, params Params) string {
	return CacheKey(kind, params)
}

// TTL returns the configured lifetime for kind.
func (c *ContentCache) TTL(kind Kind) time.Duration {
	if ttl, ok := c.conf.TTLs[kind]; ok {
		return ttl
	}
	return DefaultTTLs[KindHeadlines]
}

// Get decodes the cached payload for kind and params into out. Returns false
// when nothing usable is cached.
func (c *ContentCache) Get(ctx context.Context, kind Kind, params Params, out interface{}) bool {
	key := c.Key(kind, params)
	b, ok, err := c.store.Get(ctx, key)
	if err != nil {
		cacheAccessMetric.WithLabelValues(string(kind), "error").Inc()
		if !isUnavailable(err) {
			c.log.WithError(err).WithField("key", key).Warn("cache read failed")
		}
		return false
	}
	if !ok {
		cacheAccessMetric.WithLabelValues(string(kind), "miss").Inc()
		return false
	}

	var entry cacheEntry
	if err := json.Unmarshal(b, &entry); err != nil || len(entry.Payload) == 0 {
		cacheAccessMetric.WithLabelValues(string(kind), "error").Inc()
		c.log.WithField("key", key).Warn("dropping undecodable cache entry")
		return false
	}
	if err := json.Unmarshal(entry.Payload, out); err != nil {
		cacheAccessMetric.WithLabelValues(string(kind), "error").Inc()
		c.log.WithError(err).WithField("key", key).Warn("cached payload does not match the requested type")
		return false
	}
	cacheAccessMetric.WithLabelValues(string(kind), "hit").Inc()
	return true
}

// Put caches payload for the kind's TTL.
func (c *ContentCache) Put(ctx context.Context, kind Kind, params Params, payload interface{}) {
	c.PutTTL(ctx, kind, params, payload, c.TTL(kind))
}

// PutTTL caches payload for ttl, overwriting any previous entry.
func (c *ContentCache) PutTTL(ctx context.Context, kind Kind, params Params, payload interface{}, ttl time.Duration) {
	if err := c.put(ctx, kind, params, payload, ttl); err != nil {
		cacheWriteErrors.WithLabelValues(string(kind)).Inc()
		if !isUnavailable(err) {
			c.log.WithError(err).WithField("kind", kind).Warn("cache write failed")
		}
	}
}

func (c *ContentCache) put(ctx context.Context, kind Kind, params Params, payload interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.Wrapf(ErrInvalidParams, "ttl must be positive, got %s", ttl)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "while encoding payload")
	}
	b, err := json.Marshal(cacheEntry{
		Payload:  raw,
		CachedAt: float64(clock.Now().UnixNano()) / float64(time.Second),
	})
	if err != nil {
		return errors.Wrap(err, "while encoding cache entry")
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.conf.PutTimeout)
	defer cancel()
	return c.store.SetEX(ctx, c.Key(kind, params), b, ttl)
}

// Drop removes the entry for kind and params.
func (c *ContentCache) Drop(ctx context.Context, kind Kind, params Params) {
	if _, err := c.store.Del(ctx, c.Key(kind, params)); err != nil && !isUnavailable(err) {
		c.log.WithError(err).WithField("kind", kind).Warn("cache delete failed")
	}
}

// Invalidate removes every entry whose key matches the glob pattern, or the
// single entry when pattern is an exact key.
func (c *ContentCache) Invalidate(ctx context.Context, pattern string) (int64, error) {
	n, err := c.store.DelPattern(ctx, pattern)
	if err != nil {
		return n, errors.Wrapf(err, "while invalidating '%s'", pattern)
	}
	c.log.WithField("pattern", pattern).Infof("invalidated %d cache entries", n)
	return n, nil
}

// Memoize is a cache-aside wrapper around a single origin call. On a miss it
// calls fn and caches a successful result.
func Memoize[T any](ctx context.Context, c *ContentCache, kind Kind, params Params, fn func(context.Context) (T, error)) (T, error) {
	var cached T
	if c.Get(ctx, kind, params, &cached) {
		return cached, nil
	}
	v, err := fn(ctx)
	if err != nil {
		return v, err
	}
	c.Put(ctx, kind, params, v)
	return v, nil
}
