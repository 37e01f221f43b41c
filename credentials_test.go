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
	"testing"
	"time"

	"github.com/mailgun/herald"
	"github.com/mailgun/holster/v4/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialRotator(t *testing.T) {
	ctx := context.Background()

	t.Run("empty pool", func(t *testing.T) {
		r := herald.NewCredentialRotator(newMemoryStore(t), herald.CredentialRotatorConfig{})
		_, ok := r.NextUsable(ctx)
		assert.False(t, ok)
		assert.Equal(t, 0, r.Usable())
	})

	t.Run("skips unconfigured slots", func(t *testing.T) {
		r := herald.NewCredentialRotator(newMemoryStore(t), herald.CredentialRotatorConfig{
			Tokens: []string{"", "key-b", ""},
		})
		assert.Equal(t, 3, r.Size())
		assert.Equal(t, 1, r.Usable())

		cred, ok := r.NextUsable(ctx)
		require.True(t, ok)
		assert.Equal(t, 1, cred.Index)
		assert.Equal(t, "key-b", cred.Token)
		assert.Len(t, cred.Fingerprint(), 8)
		assert.NotContains(t, cred.Fingerprint(), "key")
	})

	t.Run("stable until a failure", func(t *testing.T) {
		r := herald.NewCredentialRotator(newMemoryStore(t), herald.CredentialRotatorConfig{
			Tokens: []string{"a", "b", "c"},
		})
		for i := 0; i < 3; i++ {
			cred, ok := r.NextUsable(ctx)
			require.True(t, ok)
			assert.Equal(t, 0, cred.Index)
		}
	})

	t.Run("failure rotates and cooldown expires", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		r := herald.NewCredentialRotator(newMemoryStore(t), herald.CredentialRotatorConfig{
			Tokens: []string{"a", "b", "c"},
		})
		assert.Equal(t, time.Hour, r.Cooldown())

		r.MarkFailed(ctx, 0, 0)
		cred, ok := r.NextUsable(ctx)
		require.True(t, ok)
		assert.Equal(t, 1, cred.Index)

		r.MarkFailed(ctx, 1, 0)
		r.MarkFailed(ctx, 2, 0)
		_, ok = r.NextUsable(ctx)
		assert.False(t, ok, "every credential cooling down")

		clock.Advance(59 * time.Minute)
		_, ok = r.NextUsable(ctx)
		assert.False(t, ok)

		clock.Advance(time.Minute)
		cred, ok = r.NextUsable(ctx)
		require.True(t, ok)
		assert.Equal(t, 0, cred.Index)
	})

	t.Run("cooldowns are shared through the store", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		store := newMemoryStore(t)
		conf := herald.CredentialRotatorConfig{Endpoint: "gnews", Tokens: []string{"a", "b"}}
		first := herald.NewCredentialRotator(store, conf)
		second := herald.NewCredentialRotator(store, conf)

		first.MarkFailed(ctx, 0, 10*time.Minute)
		cred, ok := second.NextUsable(ctx)
		require.True(t, ok)
		assert.Equal(t, 1, cred.Index)

		other := herald.NewCredentialRotator(store, herald.CredentialRotatorConfig{
			Endpoint: "other", Tokens: []string{"a", "b"},
		})
		cred, ok = other.NextUsable(ctx)
		require.True(t, ok)
		assert.Equal(t, 0, cred.Index, "pools do not share cooldowns")
	})

	t.Run("status", func(t *testing.T) {
		defer clock.Freeze(clock.Now()).Unfreeze()
		r := herald.NewCredentialRotator(newMemoryStore(t), herald.CredentialRotatorConfig{
			Tokens: []string{"a", "", "c"},
		})
		r.MarkUsed(ctx, 0)
		r.MarkUsed(ctx, 0)
		r.MarkUsed(ctx, 2)
		r.MarkFailed(ctx, 2, 0)

		status := r.Status(ctx)
		require.Len(t, status, 3)
		assert.True(t, status[0].Configured)
		assert.False(t, status[0].CoolingDown)
		assert.Equal(t, int64(2), status[0].UsageThisHour)

		assert.False(t, status[1].Configured)
		assert.Empty(t, status[1].Fingerprint)

		assert.True(t, status[2].CoolingDown)
		assert.Equal(t, clock.Now().Add(time.Hour), status[2].CooldownUntil)
		assert.Equal(t, int64(1), status[2].UsageThisHour)
	})

	t.Run("store down keeps rotating in process", func(t *testing.T) {
		r := herald.NewCredentialRotator(herald.NullStore{}, herald.CredentialRotatorConfig{
			Tokens: []string{"a", "b"},
		})
		r.MarkUsed(ctx, 0)
		r.MarkFailed(ctx, 0, 0)
		cred, ok := r.NextUsable(ctx)
		require.True(t, ok)
		assert.Equal(t, 1, cred.Index)
	})

	t.Run("out of range indexes are ignored", func(t *testing.T) {
		r := herald.NewCredentialRotator(newMemoryStore(t), herald.CredentialRotatorConfig{
			Tokens: []string{"a"},
		})
		r.MarkFailed(ctx, 5, 0)
		r.MarkFailed(ctx, -1, 0)
		_, ok := r.NextUsable(ctx)
		assert.True(t, ok)
	})
}
