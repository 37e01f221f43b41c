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
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// Kind namespaces cache keys by resource type and selects the default TTL.
type Kind string

const (
	KindHeadlines Kind = "news:headlines"
	KindSearch    Kind = "news:search"
	KindArticle   Kind = "article:content"
	KindOptimized Kind = "content:optimized"
	KindAudio     Kind = "tts:audio"
)

// Kinds lists every cache kind, in the order reported by the admin API.
var Kinds = []Kind{KindHeadlines, KindSearch, KindArticle, KindOptimized, KindAudio}

// DefaultTTLs is how long each kind stays cached unless overridden.
var DefaultTTLs = map[Kind]time.Duration{
	KindHeadlines: 15 * time.Minute,
	KindSearch:    30 * time.Minute,
	KindArticle:   24 * time.Hour,
	KindOptimized: 24 * time.Hour,
	KindAudio:     7 * 24 * time.Hour,
}

// Other key spaces in the shared store.
const (
	usageKeyPrefix    = "api:usage"
	cooldownKeyPrefix = "api:failed"
	rateKeyPrefix     = "rate_limit"
	jobKeyPrefix      = "tts:job"
)

// keyHashLen is the number of hex characters kept from the digest (96 bits).
const keyHashLen = 24

// Params are the request parameters that identify a cached resource. Order
// matters. Whitespace inside each value is collapsed before hashing; case is
// preserved so callers lower-case only the values that are case-insensitive.
type Params []string

func (p Params) canonical() string {
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = strings.Join(strings.Fields(v), " ")
	}
	return strings.Join(parts, "|")
}

// CacheKey returns the content address of a resource: the kind, a colon, and
// the truncated md5 of the canonical params. Identical inputs always map to
// the same key.
func CacheKey(kind Kind, params Params) string {
	sum := md5.Sum([]byte(params.canonical()))
	return string(kind) + ":" + hex.EncodeToString(sum[:])[:keyHashLen]
}

// KindPattern returns the glob matching every key of a kind.
func KindPattern(kind Kind) string {
	return string(kind) + ":*"
}
