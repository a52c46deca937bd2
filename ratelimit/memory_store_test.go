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

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Increment(t *testing.T) {
	c := newClock()
	s := NewMemoryStore(time.Minute, withClock(c), WithRegisterer(prometheus.NewRegistry()))
	ctx := context.Background()

	t.Run("first hit opens a window", func(t *testing.T) {
		hit, err := s.Increment(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 1, hit.TotalHits)
		assert.Equal(t, c.Now().Add(time.Minute), hit.ResetAt)
	})

	t.Run("hits in the window keep the reset time", func(t *testing.T) {
		start := c.Now()
		c.Advance(30 * time.Second)

		hit, err := s.Increment(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 2, hit.TotalHits)
		assert.Equal(t, start.Add(time.Minute), hit.ResetAt)
	})

	t.Run("hit at reset time starts a new window", func(t *testing.T) {
		c.Advance(30 * time.Second)

		hit, err := s.Increment(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 1, hit.TotalHits)
		assert.Equal(t, c.Now().Add(time.Minute), hit.ResetAt)
	})

	t.Run("keys are independent", func(t *testing.T) {
		hit, err := s.Increment(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, 1, hit.TotalHits)
	})
}

func TestMemoryStore_ConcurrentIncrement(t *testing.T) {
	s := NewMemoryStore(time.Minute, WithRegisterer(prometheus.NewRegistry()))
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				_, _ = s.Increment(ctx, "k")
			}
		}()
	}
	wg.Wait()

	hit, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1000, hit.TotalHits)
}

func TestMemoryStore_Decrement(t *testing.T) {
	c := newClock()
	s := NewMemoryStore(time.Minute, withClock(c), WithRegisterer(prometheus.NewRegistry()))
	ctx := context.Background()

	_, err := s.Increment(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, s.Decrement(ctx, "a"))
	require.NoError(t, s.Decrement(ctx, "a"))

	hit, found, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0, hit.TotalHits, "floors at zero")

	require.NoError(t, s.Decrement(ctx, "missing"))
	assert.Equal(t, 1, s.Len(), "does not create entries")
}

func TestMemoryStore_Reset(t *testing.T) {
	s := NewMemoryStore(time.Minute, WithRegisterer(prometheus.NewRegistry()))
	ctx := context.Background()

	for _, key := range []string{"a", "a", "b"} {
		_, err := s.Increment(ctx, key)
		require.NoError(t, err)
	}

	require.NoError(t, s.ResetKey(ctx, "a"))

	hit, err := s.Increment(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, hit.TotalHits)

	require.NoError(t, s.ResetAll(ctx))
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStore_Sweep(t *testing.T) {
	c := newClock()
	r := prometheus.NewRegistry()
	s := NewMemoryStore(time.Minute, withClock(c), WithRegisterer(r))
	ctx := context.Background()

	_, err := s.Increment(ctx, "old")
	require.NoError(t, err)

	c.Advance(45 * time.Second)

	_, err = s.Increment(ctx, "new")
	require.NoError(t, err)

	c.Advance(15 * time.Second)

	assert.Equal(t, 1, s.sweep())
	assert.Equal(t, 1, s.Len())

	_, found, err := s.Get(ctx, "new")
	require.NoError(t, err)
	assert.True(t, found)

	m := newMetrics(r)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.evictionsTotal.WithLabelValues("expired")))
}

func TestMemoryStore_StartCleanup(t *testing.T) {
	c := newClock()
	s := NewMemoryStore(
		time.Minute,
		withClock(c),
		WithCleanupInterval(5*time.Millisecond),
		WithRegisterer(prometheus.NewRegistry()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := s.Increment(ctx, "a")
	require.NoError(t, err)

	s.StartCleanup(ctx)
	s.StartCleanup(ctx)

	c.Advance(time.Minute)

	assert.Eventually(
		t,
		func() bool { return s.Len() == 0 },
		time.Second,
		5*time.Millisecond,
	)
}
