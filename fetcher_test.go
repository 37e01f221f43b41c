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
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailgun/herald"
	"github.com/mailgun/holster/v4/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFetcher(t *testing.T, store herald.Store, tokens ...string) *herald.ResilientFetcher {
	cache := herald.NewContentCache(store, herald.ContentCacheConfig{})
	rotator := herald.NewCredentialRotator(store, herald.CredentialRotatorConfig{
		Endpoint: "test",
		Tokens:   tokens,
	})
	return herald.NewResilientFetcher(cache, rotator, herald.ResilientFetcherConfig{})
}

var fallbackList = herald.ArticleList{Articles: []herald.Article{}, Error: "fallback"}

func headlinesRequest(category string) herald.FetchRequest[herald.ArticleList] {
	return herald.FetchRequest[herald.ArticleList]{
		Kind:     herald.KindHeadlines,
		Params:   herald.Params{category, "en", "us"},
		Fallback: fallbackList,
	}
}

func listing(titles ...string) herald.ArticleList {
	l := herald.ArticleList{TotalArticles: len(titles), Articles: []herald.Article{}}
	for _, title := range titles {
		l.Articles = append(l.Articles, herald.Article{Title: title})
	}
	return l
}

func TestFetchCachesOriginResult(t *testing.T) {
	ctx := context.Background()
	f := newFetcher(t, newMemoryStore(t), "k1")

	var calls int32
	origin := func(ctx context.Context, cred herald.Credential) (herald.ArticleList, error) {
		atomic.AddInt32(&calls, 1)
		return listing("one", "two"), nil
	}

	v, res := herald.Fetch(ctx, f, headlinesRequest("general"), origin)
	assert.Equal(t, herald.OutcomeOK, res.Outcome)
	assert.False(t, res.FromCache)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, v.Articles, 2)

	v, res = herald.Fetch(ctx, f, headlinesRequest("general"), origin)
	assert.Equal(t, herald.OutcomeOK, res.Outcome)
	assert.True(t, res.FromCache)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, listing("one", "two"), v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchCoalescesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	f := newFetcher(t, newMemoryStore(t), "k1")

	release := make(chan struct{})
	var calls int32
	origin := func(ctx context.Context, cred herald.Credential) (herald.ArticleList, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return listing("shared"), nil
	}

	var wg sync.WaitGroup
	results := make([]herald.ArticleList, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = herald.Fetch(ctx, f, headlinesRequest("tech"), origin)
		}(i)
	}
	// Let the callers pile up behind the first origin call.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(2))
	for _, r := range results {
		assert.Equal(t, listing("shared"), r)
	}
}

func TestFetchRotatesPastRejectedCredentials(t *testing.T) {
	defer clock.Freeze(clock.Now()).Unfreeze()
	ctx := context.Background()
	store := newMemoryStore(t)
	f := newFetcher(t, store, "k1", "k2", "k3")

	var seen []int
	origin := func(ctx context.Context, cred herald.Credential) (herald.ArticleList, error) {
		seen = append(seen, cred.Index)
		switch cred.Index {
		case 0:
			return herald.ArticleList{}, herald.NewStatusError(http.StatusUnauthorized, "bad key")
		case 1:
			return herald.ArticleList{}, herald.NewStatusError(http.StatusTooManyRequests, "quota")
		}
		return listing("ok"), nil
	}

	v, res := herald.Fetch(ctx, f, headlinesRequest("general"), origin)
	require.Equal(t, herald.OutcomeOK, res.Outcome)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []int{0, 1, 2}, seen)
	assert.Equal(t, listing("ok"), v)

	status := f.Rotator().Status(ctx)
	for _, idx := range []int{0, 1} {
		assert.True(t, status[idx].CoolingDown)
		assert.Equal(t, clock.Now().Add(time.Hour), status[idx].CooldownUntil)
	}
	assert.False(t, status[2].CoolingDown)

	// The next miss starts at the credential that worked.
	seen = nil
	_, res = herald.Fetch(ctx, f, headlinesRequest("sports"), origin)
	assert.Equal(t, herald.OutcomeOK, res.Outcome)
	assert.Equal(t, []int{2}, seen)
}

func TestFetchExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFetcher(t, newMemoryStore(t), "k1", "k2")

	var calls int
	origin := func(ctx context.Context, cred herald.Credential) (herald.ArticleList, error) {
		calls++
		return herald.ArticleList{}, herald.NewStatusError(http.StatusForbidden, "nope")
	}

	v, res := herald.Fetch(ctx, f, headlinesRequest("general"), origin)
	assert.Equal(t, herald.OutcomeExhausted, res.Outcome)
	assert.True(t, res.Fallback())
	assert.ErrorIs(t, res.Err, herald.ErrCredentialsExhausted)
	assert.Equal(t, 2, calls)
	assert.Equal(t, fallbackList, v)

	// Every credential is cooling down so the origin is not called again.
	v, res = herald.Fetch(ctx, f, headlinesRequest("general"), origin)
	assert.Equal(t, herald.OutcomeExhausted, res.Outcome)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 2, calls)
	assert.Equal(t, fallbackList, v)
}

func TestFetchEmptyPool(t *testing.T) {
	f := newFetcher(t, newMemoryStore(t))
	var calls int
	v, res := herald.Fetch(context.Background(), f, headlinesRequest("general"),
		func(ctx context.Context, cred herald.Credential) (herald.ArticleList, error) {
			calls++
			return herald.ArticleList{}, nil
		})
	assert.Equal(t, 0, calls)
	assert.Equal(t, herald.OutcomeExhausted, res.Outcome)
	assert.Equal(t, fallbackList, v)
}

func TestFetchTransientDoesNotPenalize(t *testing.T) {
	ctx := context.Background()
	f := newFetcher(t, newMemoryStore(t), "k1", "k2")

	var calls int
	origin := func(ctx context.Context, cred herald.Credential) (herald.ArticleList, error) {
		calls++
		return herald.ArticleList{}, errors.New("connection reset")
	}

	v, res := herald.Fetch(ctx, f, headlinesRequest("general"), origin)
	assert.Equal(t, herald.OutcomeTransient, res.Outcome)
	assert.Equal(t, 1, calls)
	assert.Equal(t, fallbackList, v)

	for _, s := range f.Rotator().Status(ctx) {
		assert.False(t, s.CoolingDown)
	}

	// Fallbacks are not cached.
	_, res = herald.Fetch(ctx, f, headlinesRequest("general"), origin)
	assert.False(t, res.FromCache)
	assert.Equal(t, 2, calls)
}

func TestFetchServerErrorIsTransient(t *testing.T) {
	f := newFetcher(t, newMemoryStore(t), "k1", "k2")
	_, res := herald.Fetch(context.Background(), f, headlinesRequest("general"),
		func(ctx context.Context, cred herald.Credential) (herald.ArticleList, error) {
			return herald.ArticleList{}, herald.NewStatusError(http.StatusBadGateway, "upstream")
		})
	assert.Equal(t, herald.OutcomeTransient, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
}

func TestFetchCancelledCaller(t *testing.T) {
	store := newMemoryStore(t)
	f := newFetcher(t, store, "k1")

	release := make(chan struct{})
	done := make(chan struct{})
	origin := func(ctx context.Context, cred herald.Credential) (herald.ArticleList, error) {
		defer close(done)
		<-release
		return listing("late"), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	v, res := herald.Fetch(ctx, f, headlinesRequest("general"), origin)
	assert.Equal(t, fallbackList, v)
	assert.Equal(t, herald.OutcomeTransient, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	// The detached origin call still completes and fills the cache.
	close(release)
	<-done
	require.Eventually(t, func() bool {
		v, res = herald.Fetch(context.Background(), f, headlinesRequest("general"), origin)
		return res.FromCache
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, listing("late"), v)
}

func TestFetchWithoutStore(t *testing.T) {
	f := newFetcher(t, herald.NullStore{}, "k1")
	var calls int
	origin := func(ctx context.Context, cred herald.Credential) (herald.ArticleList, error) {
		calls++
		return listing("fresh"), nil
	}
	for i := 0; i < 2; i++ {
		v, res := herald.Fetch(context.Background(), f, headlinesRequest("general"), origin)
		assert.Equal(t, herald.OutcomeOK, res.Outcome)
		assert.Equal(t, listing("fresh"), v)
	}
	assert.Equal(t, 2, calls)
}
