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
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailgun/herald"
	"github.com/mailgun/herald/audio"
	"github.com/mailgun/herald/storage"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNarrator struct {
	calls   int32
	active  int32
	maxSeen int32
	delay   time.Duration
	release chan struct{}
	err     error
}

func (n *fakeNarrator) Narrate(ctx context.Context, text, voiceID string) ([]byte, error) {
	atomic.AddInt32(&n.calls, 1)
	cur := atomic.AddInt32(&n.active, 1)
	defer atomic.AddInt32(&n.active, -1)
	for {
		prev := atomic.LoadInt32(&n.maxSeen)
		if cur <= prev || atomic.CompareAndSwapInt32(&n.maxSeen, prev, cur) {
			break
		}
	}

	if n.release != nil {
		<-n.release
	}
	if n.delay > 0 {
		time.Sleep(n.delay)
	}
	if n.err != nil {
		return nil, n.err
	}
	return []byte("wav:" + voiceID + ":" + text), nil
}

// fakeCodec decodes anything to one second of tone and encodes PCM as a
// silent stream of the same length.
type fakeCodec struct{}

func (fakeCodec) Decode(_ context.Context, encoded []byte) (audio.PCM, error) {
	const rate = 8000
	p := audio.PCM{Samples: make([]float32, rate), SampleRate: rate}
	for i := range p.Samples {
		p.Samples[i] = float32(0.5 * math.Sin(2*math.Pi*220*float64(i)/rate))
	}
	return p, nil
}

func (fakeCodec) Encode(_ context.Context, p audio.PCM) ([]byte, error) {
	return audio.SilentMP3(p.Duration()), nil
}

type synthFixture struct {
	narrator *fakeNarrator
	audio    *storage.FileStore
	store    herald.Store
	sched    *herald.SynthesisScheduler
}

func newSynthFixture(t *testing.T, narrator *fakeNarrator, store herald.Store) synthFixture {
	files, err := storage.NewFileStore(storage.FileStoreConfig{Dir: t.TempDir(), BaseURL: "/v1/audio"})
	require.NoError(t, err)

	effects := herald.NewEffectsPool(2)
	t.Cleanup(func() { _ = effects.Close() })

	sched, err := herald.NewSynthesisScheduler(herald.SynthesisSchedulerConfig{
		Narrator:   narrator,
		Codec:      fakeCodec{},
		Effects:    effects,
		AudioStore: files,
		Cache:      herald.NewContentCache(store, herald.ContentCacheConfig{}),
		Store:      store,
	})
	require.NoError(t, err)
	return synthFixture{narrator: narrator, audio: files, store: store, sched: sched}
}

func readAudio(t *testing.T, s storage.AudioStore, name string) []byte {
	r, err := s.Open(context.Background(), name)
	require.NoError(t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	return b
}

func TestSynthesizeRendersAndCaches(t *testing.T) {
	ctx := context.Background()
	f := newSynthFixture(t, &fakeNarrator{}, newMemoryStore(t))
	req := herald.SynthesisRequest{Text: "Hello   world", VoiceID: "en-US-1", Speed: 1.0}

	ref, err := f.sched.Synthesize(ctx, req)
	require.NoError(t, err)
	assert.False(t, ref.Fallback)
	assert.False(t, ref.Cached)
	assert.Equal(t, "/v1/audio/"+ref.Name, ref.URL)
	assert.Greater(t, ref.DurationMS, int64(0))

	info, err := audio.ProbeMP3(readAudio(t, f.audio, ref.Name))
	require.NoError(t, err)
	assert.Greater(t, info.Frames, 0)

	again, err := f.sched.Synthesize(ctx, herald.SynthesisRequest{Text: "hello world", VoiceID: "en-US-1"})
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, ref.Name, again.Name)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.narrator.calls))

	// Depth changes the output and so the identity.
	deep, err := f.sched.Synthesize(ctx, herald.SynthesisRequest{Text: "hello world", VoiceID: "en-US-1", Depth: 2})
	require.NoError(t, err)
	assert.False(t, deep.Cached)
	assert.NotEqual(t, ref.Name, deep.Name)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.narrator.calls))
}

func TestSynthesizeFallback(t *testing.T) {
	ctx := context.Background()
	f := newSynthFixture(t, &fakeNarrator{err: errors.New("narrator down")}, newMemoryStore(t))
	req := herald.SynthesisRequest{Text: "Breaking news", VoiceID: "en-US-1"}

	ref, err := f.sched.Synthesize(ctx, req)
	require.NoError(t, err)
	assert.True(t, ref.Fallback)
	assert.Equal(t, int64(3000), ref.DurationMS)

	info, err := audio.ProbeMP3(readAudio(t, f.audio, ref.Name))
	require.NoError(t, err)
	assert.InDelta(t, 3000, info.Duration.Milliseconds(), 30)

	// Fallbacks are not cached so the next request tries again.
	_, err = f.sched.Synthesize(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.narrator.calls))
}

type brokenAudioStore struct {
	storage.AudioStore
}

func (brokenAudioStore) Put(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestSynthesizeFallbackUnstored(t *testing.T) {
	files, err := storage.NewFileStore(storage.FileStoreConfig{Dir: t.TempDir(), BaseURL: "/v1/audio"})
	require.NoError(t, err)
	effects := herald.NewEffectsPool(1)
	defer effects.Close()

	store := newMemoryStore(t)
	sched, err := herald.NewSynthesisScheduler(herald.SynthesisSchedulerConfig{
		Narrator:   &fakeNarrator{err: errors.New("narrator down")},
		Codec:      fakeCodec{},
		Effects:    effects,
		AudioStore: brokenAudioStore{files},
		Cache:      herald.NewContentCache(store, herald.ContentCacheConfig{}),
		Store:      store,
	})
	require.NoError(t, err)

	ref, err := sched.Synthesize(context.Background(), herald.SynthesisRequest{Text: "Breaking news", VoiceID: "en-US-1"})
	require.NoError(t, err)
	assert.True(t, ref.Fallback)
	assert.Empty(t, ref.Name)
	assert.Empty(t, ref.URL)
	assert.Equal(t, int64(3000), ref.DurationMS)
}

func TestSynthesizeConcurrencyBound(t *testing.T) {
	narrator := &fakeNarrator{delay: 30 * time.Millisecond}
	f := newSynthFixture(t, narrator, newMemoryStore(t))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := f.sched.Synthesize(context.Background(), herald.SynthesisRequest{
				Text:    fmt.Sprintf("story number %d", i),
				VoiceID: "en-US-1",
			})
			assert.NoError(t, err)
			assert.False(t, ref.Fallback)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), atomic.LoadInt32(&narrator.calls))
	assert.LessOrEqual(t, atomic.LoadInt32(&narrator.maxSeen), int32(3))
	assert.Greater(t, atomic.LoadInt32(&narrator.maxSeen), int32(0))
}

// gatedCodec holds every Encode until the test lets it through.
type gatedCodec struct {
	fakeCodec
	entered int32
	gate    chan struct{}
}

func (c *gatedCodec) Encode(ctx context.Context, p audio.PCM) ([]byte, error) {
	atomic.AddInt32(&c.entered, 1)
	<-c.gate
	return c.fakeCodec.Encode(ctx, p)
}

func TestSynthesizeSlotHeldUntilEncoded(t *testing.T) {
	files, err := storage.NewFileStore(storage.FileStoreConfig{Dir: t.TempDir(), BaseURL: "/v1/audio"})
	require.NoError(t, err)
	effects := herald.NewEffectsPool(4)
	defer effects.Close()

	narrator := &fakeNarrator{}
	codec := &gatedCodec{gate: make(chan struct{})}
	store := newMemoryStore(t)
	sched, err := herald.NewSynthesisScheduler(herald.SynthesisSchedulerConfig{
		Narrator:    narrator,
		Codec:       codec,
		Effects:     effects,
		AudioStore:  files,
		Cache:       herald.NewContentCache(store, herald.ContentCacheConfig{}),
		Store:       store,
		Concurrency: 3,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ref, err := sched.Synthesize(context.Background(), herald.SynthesisRequest{
				Text:    fmt.Sprintf("gated story %d", i),
				VoiceID: "en-US-1",
			})
			assert.NoError(t, err)
			assert.False(t, ref.Fallback)
		}(i)
	}

	// Three pipelines reach the encoder and hold their slots there.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&codec.entered) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool {
		return atomic.LoadInt32(&narrator.calls) > 3
	}, 100*time.Millisecond, 10*time.Millisecond)

	// Releasing one slot admits the fourth request.
	codec.gate <- struct{}{}
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&narrator.calls) == 4
	}, time.Second, 5*time.Millisecond)

	close(codec.gate)
	wg.Wait()
	assert.Equal(t, int32(4), atomic.LoadInt32(&codec.entered))
}

func TestSynthesizeDropsStaleEntries(t *testing.T) {
	ctx := context.Background()
	f := newSynthFixture(t, &fakeNarrator{}, newMemoryStore(t))
	req := herald.SynthesisRequest{Text: "Markets rally", VoiceID: "en-US-1"}

	ref, err := f.sched.Synthesize(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.audio.Remove(ref.Name))

	again, err := f.sched.Synthesize(ctx, req)
	require.NoError(t, err)
	assert.False(t, again.Cached)
	assert.False(t, again.Fallback)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.narrator.calls))

	ok, err := f.audio.Exists(ctx, again.Name)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSynthesizeCallerLeaves(t *testing.T) {
	narrator := &fakeNarrator{release: make(chan struct{})}
	f := newSynthFixture(t, narrator, newMemoryStore(t))
	req := herald.SynthesisRequest{Text: "Long story", VoiceID: "en-US-1"}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.sched.Synthesize(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The pipeline finishes anyway and the result is cached.
	close(narrator.release)
	require.Eventually(t, func() bool {
		ref, err := f.sched.Synthesize(context.Background(), req)
		return err == nil && ref.Cached
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSynthesisValidate(t *testing.T) {
	f := newSynthFixture(t, &fakeNarrator{}, newMemoryStore(t))
	for _, tt := range []struct {
		name string
		req  herald.SynthesisRequest
	}{
		{name: "empty text", req: herald.SynthesisRequest{Text: "  ", VoiceID: "v"}},
		{name: "empty voice", req: herald.SynthesisRequest{Text: "hi", VoiceID: " "}},
		{name: "too slow", req: herald.SynthesisRequest{Text: "hi", VoiceID: "v", Speed: 0.25}},
		{name: "too fast", req: herald.SynthesisRequest{Text: "hi", VoiceID: "v", Speed: 3}},
		{name: "negative depth", req: herald.SynthesisRequest{Text: "hi", VoiceID: "v", Depth: -1}},
		{name: "too deep", req: herald.SynthesisRequest{Text: "hi", VoiceID: "v", Depth: 4}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sched.Synthesize(context.Background(), tt.req)
			assert.ErrorIs(t, err, herald.ErrInvalidParams)
		})
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.narrator.calls))

	req := herald.SynthesisRequest{Text: " hi ", VoiceID: "v"}
	require.NoError(t, req.Validate())
	assert.Equal(t, 1.0, req.Speed)
	assert.Equal(t, "hi", req.Text)
}

func TestCleanNarration(t *testing.T) {
	for _, tt := range []struct {
		in, out string
	}{
		{in: "  plain   text  ", out: "plain text"},
		{in: "Stocks fell sharply, according to", out: "Stocks fell sharply."},
		{in: "Les marchés ont chuté selon", out: "Les marchés ont chuté."},
		{in: "According to", out: ""},
		{in: "An accordingly worded sentence.", out: "An accordingly worded sentence."},
	} {
		assert.Equal(t, tt.out, herald.CleanNarration(tt.in), tt.in)
	}
}

func TestSynthesisJobs(t *testing.T) {
	ctx := context.Background()
	f := newSynthFixture(t, &fakeNarrator{}, newMemoryStore(t))

	job, err := f.sched.Submit(ctx, herald.SynthesisRequest{Text: "Queued story", VoiceID: "en-US-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, herald.JobQueued, job.State)

	var got herald.Job
	require.Eventually(t, func() bool {
		var ok bool
		got, ok, err = f.sched.Job(ctx, job.ID)
		return err == nil && ok && got.State == herald.JobCompleted
	}, 5*time.Second, 20*time.Millisecond)
	require.NotNil(t, got.Result)
	assert.False(t, got.Result.Fallback)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

	_, ok, err := f.sched.Job(ctx, "no-such-job")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.sched.Submit(ctx, herald.SynthesisRequest{VoiceID: "en-US-1"})
	assert.ErrorIs(t, err, herald.ErrInvalidParams)
}

func TestSynthesisJobsConcurrentSubmit(t *testing.T) {
	ctx := context.Background()
	f := newSynthFixture(t, &fakeNarrator{}, newMemoryStore(t))

	// Submit returns the queued record while the pipeline updates its own copy.
	ids := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		job, err := f.sched.Submit(ctx, herald.SynthesisRequest{
			Text:    fmt.Sprintf("queued story %d", i%5),
			VoiceID: "en-US-1",
		})
		require.NoError(t, err)
		assert.Equal(t, herald.JobQueued, job.State)
		assert.Nil(t, job.Result)
		ids = append(ids, job.ID)
	}

	for _, id := range ids {
		require.Eventually(t, func() bool {
			got, ok, err := f.sched.Job(ctx, id)
			return err == nil && ok && got.State == herald.JobCompleted && got.Result != nil
		}, 5*time.Second, 10*time.Millisecond)
	}
}

func TestSynthesisJobFailure(t *testing.T) {
	ctx := context.Background()
	f := newSynthFixture(t, &fakeNarrator{err: errors.New("boom")}, newMemoryStore(t))

	job, err := f.sched.Submit(ctx, herald.SynthesisRequest{Text: "Doomed story", VoiceID: "en-US-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, ok, err := f.sched.Job(ctx, job.ID)
		return err == nil && ok && got.State == herald.JobFailed && got.Result != nil && got.Result.Fallback
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSynthesisJobsNeedStore(t *testing.T) {
	f := newSynthFixture(t, &fakeNarrator{}, herald.NullStore{})
	_, err := f.sched.Submit(context.Background(), herald.SynthesisRequest{Text: "x", VoiceID: "v"})
	assert.ErrorIs(t, err, herald.ErrCacheUnavailable)

	// Synchronous synthesis still works without a store.
	ref, err := f.sched.Synthesize(context.Background(), herald.SynthesisRequest{Text: "x", VoiceID: "v"})
	require.NoError(t, err)
	assert.False(t, ref.Fallback)
}
