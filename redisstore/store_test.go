// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, window time.Duration, options ...Option) (*Store, *miniredis.Miniredis, time.Time) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewStore(client, window, options...)
	require.NoError(t, err)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	return store, mr, now
}

func TestNewStore(t *testing.T) {
	t.Run("requires a client", func(t *testing.T) {
		_, err := NewStore(nil, time.Minute)
		assert.Error(t, err)
	})

	t.Run("rejects sub millisecond windows", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
		defer client.Close()

		_, err := NewStore(client, time.Microsecond)
		assert.Error(t, err)
	})
}

func TestStore_Increment(t *testing.T) {
	store, mr, now := newTestStore(t, time.Minute)
	ctx := context.Background()

	first, err := store.Increment(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, first.TotalHits)
	assert.Equal(t, now.Add(time.Minute), first.ResetAt)
	assert.Equal(t, time.Minute, mr.TTL("throttle:a"))

	mr.FastForward(20 * time.Second)

	second, err := store.Increment(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, second.TotalHits)
	assert.Equal(t, now.Add(40*time.Second), second.ResetAt)

	mr.FastForward(41 * time.Second)

	third, err := store.Increment(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, third.TotalHits, "expired window starts over")
}

func TestStore_Decrement(t *testing.T) {
	store, mr, _ := newTestStore(t, time.Minute)
	ctx := context.Background()

	_, err := store.Increment(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, store.Decrement(ctx, "a"))
	require.NoError(t, store.Decrement(ctx, "a"))

	v, err := mr.Get("throttle:a")
	require.NoError(t, err)
	assert.Equal(t, "0", v)

	require.NoError(t, store.Decrement(ctx, "missing"))
	assert.False(t, mr.Exists("throttle:missing"))
}

func TestStore_Get(t *testing.T) {
	store, _, now := newTestStore(t, time.Minute)
	ctx := context.Background()

	_, found, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	for range 3 {
		_, err := store.Increment(ctx, "a")
		require.NoError(t, err)
	}

	hit, found, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, hit.TotalHits)
	assert.Equal(t, now.Add(time.Minute), hit.ResetAt)
}

func TestStore_Reset(t *testing.T) {
	store, mr, _ := newTestStore(t, time.Minute, WithPrefix("rl:"))
	ctx := context.Background()

	require.NoError(t, mr.Set("other", "keep"))

	for _, key := range []string{"a", "b", "c"} {
		_, err := store.Increment(ctx, key)
		require.NoError(t, err)
	}

	require.NoError(t, store.ResetKey(ctx, "a"))
	assert.False(t, mr.Exists("rl:a"))
	assert.True(t, mr.Exists("rl:b"))

	require.NoError(t, store.ResetAll(ctx))
	assert.False(t, mr.Exists("rl:b"))
	assert.False(t, mr.Exists("rl:c"))
	assert.True(t, mr.Exists("other"))
}

func TestStore_StoreErrors(t *testing.T) {
	store, mr, _ := newTestStore(t, time.Minute)
	mr.Close()

	_, err := store.Increment(context.Background(), "a")
	assert.Error(t, err)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	_, err = Connect(context.Background(), "not a url")
	assert.Error(t, err)
}
