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
	"time"

	"github.com/pkg/errors"
)

// ErrCacheUnavailable is returned by a Store that cannot reach its backend.
// Callers treat it as a miss on read and a no-op on write.
var ErrCacheUnavailable = errors.New("cache unavailable")

// Store is the shared key/value service every other component relies on.
// Values are opaque bytes, TTLs are enforced by the store and absent keys are
// never an error. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored at key. The second return is false when the
	// key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// SetEX stores value at key and expires it after ttl.
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Exists(ctx context.Context, key string) (bool, error)

	// Del removes the given keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// DelPattern removes every key matching a glob pattern such as
	// `news:headlines:*` and returns how many were removed.
	DelPattern(ctx context.Context, pattern string) (int64, error)

	// IncrExpire atomically increments the counter at key and refreshes its
	// expiration to ttl. Returns the new value.
	IncrExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// ZAdd adds member with score to the sorted set at key.
	ZAdd(ctx context.Context, key string, score float64, member string) error

	// ZRemBelow removes every member of the sorted set at key whose score is
	// strictly less than cutoff.
	ZRemBelow(ctx context.Context, key string, cutoff float64) error

	ZCard(ctx context.Context, key string) (int64, error)

	// ZOldest returns the lowest score in the sorted set at key. The second
	// return is false when the set is empty or absent.
	ZOldest(ctx context.Context, key string) (float64, bool, error)

	Expire(ctx context.Context, key string, ttl time.Duration) error

	Ping(ctx context.Context) error

	Stats(ctx context.Context) (StoreStats, error)

	Close() error
}

// WindowAdmitter is implemented by stores that can perform a complete
// sliding window admission as a single atomic step. Stores without it get a
// best-effort sequence of sorted set primitives instead.
type WindowAdmitter interface {
	// AdmitWindow trims entries older than now-window from the sorted set at
	// key, and if fewer than limit remain records member at score now. All
	// timestamps are epoch milliseconds.
	AdmitWindow(ctx context.Context, key string, now, window, limit int64, member string) (WindowResult, error)
}

type WindowResult struct {
	Admitted bool
	// Number of entries in the window after the attempt.
	Count int64
	// Score of the oldest entry remaining in the window, zero if empty.
	Oldest int64
}

type StoreStats struct {
	Backend   string  `json:"backend"`
	Connected bool    `json:"connected"`
	Keys      int64   `json:"keys"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	Memory    string  `json:"memory,omitempty"`
}

// hitRate returns hits as a percentage of all lookups rounded to two places.
func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(int64(float64(hits)/float64(total)*10000)) / 100
}

var _ Store = &NullStore{}

// NullStore stands in when no backend could be reached at startup. Every
// operation reports ErrCacheUnavailable so components fall back to their
// degraded behavior.
type NullStore struct{}

func (NullStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, ErrCacheUnavailable
}

func (NullStore) SetEX(context.Context, string, []byte, time.Duration) error {
	return ErrCacheUnavailable
}

func (NullStore) Exists(context.Context, string) (bool, error) {
	return false, ErrCacheUnavailable
}

func (NullStore) Del(context.Context, ...string) (int64, error) {
	return 0, ErrCacheUnavailable
}

func (NullStore) DelPattern(context.Context, string) (int64, error) {
	return 0, ErrCacheUnavailable
}

func (NullStore) IncrExpire(context.Context, string, time.Duration) (int64, error) {
	return 0, ErrCacheUnavailable
}

func (NullStore) ZAdd(context.Context, string, float64, string) error {
	return ErrCacheUnavailable
}

func (NullStore) ZRemBelow(context.Context, string, float64) error {
	return ErrCacheUnavailable
}

func (NullStore) ZCard(context.Context, string) (int64, error) {
	return 0, ErrCacheUnavailable
}

func (NullStore) ZOldest(context.Context, string) (float64, bool, error) {
	return 0, false, ErrCacheUnavailable
}

func (NullStore) Expire(context.Context, string, time.Duration) error {
	return ErrCacheUnavailable
}

func (NullStore) Ping(context.Context) error {
	return ErrCacheUnavailable
}

func (NullStore) Stats(context.Context) (StoreStats, error) {
	return StoreStats{Backend: "none"}, nil
}

func (NullStore) Close() error {
	return nil
}

// isUnavailable reports whether err means the store could not serve the
// request, as opposed to a request level failure.
func isUnavailable(err error) bool {
	return errors.Is(err, ErrCacheUnavailable)
}
