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
	"bufio"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/mailgun/holster/v4/setter"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RedisStoreConfig struct {
	// redis://[:password@]host:port/db
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

var _ Store = &RedisStore{}
var _ WindowAdmitter = &RedisStore{}

// RedisStore is a Store backed by a pooled redis client shared by every
// component.
type RedisStore struct {
	client *redis.Client
}

// Trims the window, then admits if below the limit. Runs atomically on the
// server so concurrent admissions never exceed the limit.
//
// KEYS[1] window key
// ARGV[1] now (ms)  ARGV[2] exclusive trim bound  ARGV[3] window (ms)
// ARGV[4] limit     ARGV[5] member
var admitScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local admitted = 0
if count < tonumber(ARGV[4]) then
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[5])
	count = count + 1
	admitted = 1
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
local oldest = 0
local first = redis.call('ZRANGE', KEYS[1], '0', '0', 'WITHSCORES')
if #first == 2 then
	oldest = tonumber(first[2])
end
return {admitted, count, oldest}
`)

func NewRedisStore(conf RedisStoreConfig) (*RedisStore, error) {
	setter.SetDefault(&conf.URL, "redis://localhost:6379/0")
	setter.SetDefault(&conf.PoolSize, 20)
	setter.SetDefault(&conf.DialTimeout, 5*time.Second)
	setter.SetDefault(&conf.ReadTimeout, 3*time.Second)
	setter.SetDefault(&conf.WriteTimeout, 3*time.Second)

	opts, err := redis.ParseURL(conf.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "while parsing redis url '%s'", conf.URL)
	}
	opts.PoolSize = conf.PoolSize
	opts.DialTimeout = conf.DialTimeout
	opts.ReadTimeout = conf.ReadTimeout
	opts.WriteTimeout = conf.WriteTimeout

	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// unavailable maps connection level failures onto ErrCacheUnavailable while
// keeping the original message.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(ErrCacheUnavailable, err.Error())
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err)
	}
	return b, true, nil
}

func (s *RedisStore) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return unavailable(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return n > 0, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	return n, unavailable(err)
}

// DelPattern walks the key space with SCAN rather than KEYS so a large flush
// does not block the server.
func (s *RedisStore) DelPattern(ctx context.Context, pattern string) (int64, error) {
	const batch = 500
	var total int64
	keys := make([]string, 0, batch)

	flush := func() error {
		if len(keys) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, keys...).Result()
		total += n
		keys = keys[:0]
		return unavailable(err)
	}

	iter := s.client.Scan(ctx, 0, pattern, batch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) == batch {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return total, unavailable(err)
	}
	return total, flush()
}

func (s *RedisStore) IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, unavailable(err)
	}
	return incr.Val(), nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return unavailable(s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *RedisStore) ZRemBelow(ctx context.Context, key string, cutoff float64) error {
	max := "(" + strconv.FormatFloat(cutoff, 'f', -1, 64)
	return unavailable(s.client.ZRemRangeByScore(ctx, key, "-inf", max).Err())
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	return n, unavailable(err)
}

func (s *RedisStore) ZOldest(ctx context.Context, key string) (float64, bool, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, false, unavailable(err)
	}
	if len(zs) == 0 {
		return 0, false, nil
	}
	return zs[0].Score, true, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return unavailable(s.client.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) AdmitWindow(ctx context.Context, key string, now, window, limit int64, member string) (WindowResult, error) {
	res, err := admitScript.Run(ctx, s.client, []string{key},
		now,
		"("+strconv.FormatInt(now-window, 10),
		window,
		limit,
		member,
	).Int64Slice()
	if err != nil {
		return WindowResult{}, unavailable(err)
	}
	if len(res) != 3 {
		return WindowResult{}, errors.Errorf("admit script returned %d values", len(res))
	}
	return WindowResult{
		Admitted: res[0] == 1,
		Count:    res[1],
		Oldest:   res[2],
	}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return unavailable(s.client.Ping(ctx).Err())
}

// Stats reports hit rate, key count and memory use from INFO.
func (s *RedisStore) Stats(ctx context.Context) (StoreStats, error) {
	stats := StoreStats{Backend: "redis"}
	info, err := s.client.Info(ctx).Result()
	if err != nil {
		return stats, unavailable(err)
	}
	stats.Connected = true

	fields := parseInfo(info)
	stats.Hits, _ = strconv.ParseInt(fields["keyspace_hits"], 10, 64)
	stats.Misses, _ = strconv.ParseInt(fields["keyspace_misses"], 10, 64)
	stats.HitRate = hitRate(stats.Hits, stats.Misses)
	stats.Memory = fields["used_memory_human"]

	if n, err := s.client.DBSize(ctx).Result(); err == nil {
		stats.Keys = n
	}
	return stats, nil
}

// parseInfo turns the `field:value` lines of an INFO reply into a map.
func parseInfo(info string) map[string]string {
	fields := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			fields[k] = v
		}
	}
	return fields
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
