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
	"container/list"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.gearno.de/throttle/internal/otelutils"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// TokenBucket gives every key a bucket of limit tokens refilled
	// continuously at limit tokens per window. A full bucket absorbs
	// a burst of limit requests.
	TokenBucket struct {
		limit      int
		capacity   float64
		refillRate float64 // tokens per second
		maxBuckets int

		logger  *log.Logger
		tracer  trace.Tracer
		metrics *metrics
		now     func() time.Time

		cleanupInterval time.Duration
		cleanupOnce     sync.Once

		mu      sync.Mutex
		buckets map[string]*list.Element
		lru     *list.List // front is most recently used
	}

	bucket struct {
		key        string
		tokens     float64
		lastRefill time.Time
	}

	// BucketInfo describes a bucket as it would be seen by a check
	// made now.
	BucketInfo struct {
		Tokens     float64
		Capacity   float64
		RefillRate float64
		LastRefill time.Time
	}
)

const algorithmTokenBucket = "token_bucket"

var (
	_ Limiter = (*TokenBucket)(nil)
	_ Cleaner = (*TokenBucket)(nil)
)

// NewTokenBucket creates a limiter with buckets of limit tokens
// refilled at limit tokens per window.
func NewTokenBucket(limit int, window time.Duration, options ...Option) (*TokenBucket, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfig, limit)
	}

	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, window)
	}

	opts := newOptions(options)

	return &TokenBucket{
		limit:           limit,
		capacity:        float64(limit),
		refillRate:      float64(limit) / window.Seconds(),
		maxBuckets:      opts.maxBuckets,
		logger:          opts.logger,
		tracer:          opts.tracer(),
		metrics:         newMetrics(opts.registerer),
		now:             opts.now,
		cleanupInterval: opts.cleanupInterval,
		buckets:         make(map[string]*list.Element),
		lru:             list.New(),
	}, nil
}

// Allow takes one token from the bucket of key if one is available.
func (tb *TokenBucket) Allow(ctx context.Context, key string) Result {
	start := time.Now()

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		_, span = tb.tracer.Start(
			ctx,
			"ratelimit.Allow",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				otelutils.String("ratelimit.key", key),
				attribute.String("ratelimit.algorithm", algorithmTokenBucket),
				attribute.Int("ratelimit.limit", tb.limit),
				attribute.Float64("ratelimit.refill_rate", tb.refillRate),
			),
		)
		defer span.End()
	}

	now := tb.now()

	tb.mu.Lock()
	b := tb.bucket(key, now)
	tb.refill(b, now)

	var result Result
	if b.tokens >= 1 {
		b.tokens--
		result = Result{
			Allowed: true,
			Info: Info{
				Limit:     tb.limit,
				Remaining: int(math.Floor(b.tokens)),
				ResetAt:   now.Add(secondsToDuration(1 / tb.refillRate)),
			},
		}
	} else {
		retryAfter := time.Duration(math.Ceil((1-b.tokens)/tb.refillRate)) * time.Second
		result = Result{
			Allowed: false,
			Info: Info{
				Limit:      tb.limit,
				Remaining:  0,
				ResetAt:    now.Add(retryAfter),
				RetryAfter: retryAfter,
			},
		}
	}
	tokens := b.tokens
	tb.mu.Unlock()

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", result.Allowed),
			attribute.Float64("ratelimit.tokens", tokens),
		)
	}

	tb.metrics.observe(algorithmTokenBucket, result.Allowed, time.Since(start))

	return result
}

// Reset deletes the bucket of key. It never fails.
func (tb *TokenBucket) Reset(_ context.Context, key string) error {
	tb.ResetBucket(key)
	return nil
}

// ResetBucket deletes the bucket of key; the next check starts with a
// full bucket.
func (tb *TokenBucket) ResetBucket(key string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if el, ok := tb.buckets[key]; ok {
		tb.remove(el)
	}
}

// BucketInfo returns the state of the bucket of key, refilled up to
// now, without modifying it. It returns false when key has no bucket.
func (tb *TokenBucket) BucketInfo(key string) (BucketInfo, bool) {
	now := tb.now()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	el, ok := tb.buckets[key]
	if !ok {
		return BucketInfo{}, false
	}

	b := el.Value.(*bucket)

	return BucketInfo{
		Tokens:     tb.projected(b, now),
		Capacity:   tb.capacity,
		RefillRate: tb.refillRate,
		LastRefill: b.lastRefill,
	}, true
}

// Info reports the state of key as an Info, without taking a token.
func (tb *TokenBucket) Info(key string) Info {
	now := tb.now()

	bi, ok := tb.BucketInfo(key)
	if !ok {
		return Info{Limit: tb.limit, Remaining: tb.limit, ResetAt: now}
	}

	info := Info{
		Limit:     tb.limit,
		Remaining: int(math.Floor(bi.Tokens)),
		ResetAt:   now.Add(secondsToDuration((tb.capacity - bi.Tokens) / tb.refillRate)),
	}
	if bi.Tokens < 1 {
		info.RetryAfter = time.Duration(math.Ceil((1-bi.Tokens)/tb.refillRate)) * time.Second
	}

	return info
}

// Len returns the number of buckets currently held.
func (tb *TokenBucket) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	return len(tb.buckets)
}

// StartCleanup starts a background goroutine removing buckets that
// have been idle long enough to be full again. Such a bucket is
// identical to the one a check would create, so removing it loses no
// state. The goroutine stops when ctx is cancelled.
func (tb *TokenBucket) StartCleanup(ctx context.Context) {
	tb.cleanupOnce.Do(func() {
		go runCleanupLoop(ctx, tb.logger, tb.cleanupInterval, "bucket", tb.sweep)
	})
}

func (tb *TokenBucket) sweep() int {
	now := tb.now()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	removed := 0
	// Walk from the least recently used end; buckets closer to the
	// front were touched more recently.
	for el := tb.lru.Back(); el != nil; {
		prev := el.Prev()
		if tb.projected(el.Value.(*bucket), now) >= tb.capacity {
			tb.remove(el)
			removed++
		}
		el = prev
	}

	tb.metrics.evictionsTotal.WithLabelValues("refilled").Add(float64(removed))

	return removed
}

// bucket returns the bucket of key, creating a full one if needed.
// Callers hold tb.mu.
func (tb *TokenBucket) bucket(key string, now time.Time) *bucket {
	if el, ok := tb.buckets[key]; ok {
		tb.lru.MoveToFront(el)
		return el.Value.(*bucket)
	}

	if tb.maxBuckets > 0 && len(tb.buckets) >= tb.maxBuckets {
		if oldest := tb.lru.Back(); oldest != nil {
			tb.remove(oldest)
			tb.metrics.evictionsTotal.WithLabelValues("capacity").Inc()
		}
	}

	b := &bucket{key: key, tokens: tb.capacity, lastRefill: now}
	tb.buckets[key] = tb.lru.PushFront(b)

	return b
}

func (tb *TokenBucket) remove(el *list.Element) {
	tb.lru.Remove(el)
	delete(tb.buckets, el.Value.(*bucket).key)
}

func (tb *TokenBucket) refill(b *bucket, now time.Time) {
	if now.After(b.lastRefill) {
		b.tokens = tb.projected(b, now)
		b.lastRefill = now
	}
}

func (tb *TokenBucket) projected(b *bucket, now time.Time) float64 {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return b.tokens
	}

	return math.Min(tb.capacity, b.tokens+elapsed*tb.refillRate)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Ceil(s * float64(time.Second)))
}
