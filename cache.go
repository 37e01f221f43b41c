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

// Cache is the expiring key space owned by a single MemoryStore worker.
// Implementations are not thread-safe; the worker that owns the cache is the
// only goroutine allowed to call it.
type Cache interface {
	Add(item *CacheItem) bool
	UpdateExpiration(key string, expireAt int64) bool
	GetItem(key string) (value *CacheItem, ok bool)
	Each() chan *CacheItem
	Remove(key string)
	Size() int64
	Close() error
}

type CacheItem struct {
	Key   string
	Value interface{}

	// Timestamp when the item expires in epoch milliseconds. Zero means the
	// item never expires.
	ExpireAt int64
}

// IsExpired reports whether the item is no longer visible at `now` (epoch ms).
// An item is still visible at exactly its expiration timestamp.
func (item *CacheItem) IsExpired(now int64) bool {
	return item.ExpireAt != 0 && item.ExpireAt < now
}
