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
	"fmt"
	"time"

	"go.gearno.de/throttle/internal/otelutils"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// SlidingWindow admits at most limit requests per key in each
	// store window. It fails open: when the store errors the request
	// is admitted and the error logged.
	SlidingWindow struct {
		store  Store
		limit  int
		window time.Duration

		storeTimeout time.Duration

		logger  *log.Logger
		tracer  trace.Tracer
		metrics *metrics
		now     func() time.Time
	}
)

const algorithmSlidingWindow = "sliding_window"

var _ Limiter = (*SlidingWindow)(nil)

// NewSlidingWindow creates a limiter admitting limit requests per
// window. window must match the store's window; it is only used to
// build the result returned when the store fails.
func NewSlidingWindow(store Store, limit int, window time.Duration, options ...Option) (*SlidingWindow, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfig, limit)
	}

	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, window)
	}

	opts := newOptions(options)

	return &SlidingWindow{
		store:        store,
		limit:        limit,
		window:       window,
		storeTimeout: opts.storeTimeout,
		logger:       opts.logger,
		tracer:       opts.tracer(),
		metrics:      newMetrics(opts.registerer),
		now:          opts.now,
	}, nil
}

// Allow counts a hit for key and reports whether it fits in the
// current window.
func (sw *SlidingWindow) Allow(ctx context.Context, key string) Result {
	start := time.Now()

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = sw.tracer.Start(
			ctx,
			"ratelimit.Allow",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				otelutils.String("ratelimit.key", key),
				attribute.String("ratelimit.algorithm", algorithmSlidingWindow),
				attribute.Int("ratelimit.limit", sw.limit),
				attribute.Int64("ratelimit.window_ms", sw.window.Milliseconds()),
			),
		)
		defer span.End()
	}

	hit, err := sw.increment(ctx, key)
	now := sw.now()

	if err != nil {
		sw.metrics.storeErrorsTotal.WithLabelValues("increment").Inc()
		sw.logger.ErrorCtx(ctx, "cannot count hit, admitting request",
			log.String("key", key),
			log.Error(err),
		)

		if rootSpan.IsRecording() {
			otelutils.RecordError(span, err)
			span.SetAttributes(attribute.Bool("ratelimit.fail_open", true))
		}

		result := Result{
			Allowed: true,
			Info: Info{
				Limit:     sw.limit,
				Remaining: max(0, sw.limit-1),
				ResetAt:   now.Add(sw.window),
			},
		}
		sw.metrics.observe(algorithmSlidingWindow, true, time.Since(start))

		return result
	}

	allowed := hit.TotalHits <= sw.limit
	result := Result{
		Allowed: allowed,
		Info: Info{
			Limit:      sw.limit,
			Remaining:  max(0, sw.limit-hit.TotalHits),
			ResetAt:    hit.ResetAt,
			RetryAfter: ceilSeconds(hit.ResetAt.Sub(now)),
		},
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", allowed),
			attribute.Int("ratelimit.total_hits", hit.TotalHits),
			attribute.Int("ratelimit.remaining", result.Info.Remaining),
		)
	}

	sw.metrics.observe(algorithmSlidingWindow, allowed, time.Since(start))

	return result
}

// Decrement gives back one hit for key, e.g. when the request it
// counted should not have been counted.
func (sw *SlidingWindow) Decrement(ctx context.Context, key string) error {
	ctx, cancel := sw.storeContext(ctx)
	defer cancel()

	if err := sw.store.Decrement(ctx, key); err != nil {
		sw.metrics.storeErrorsTotal.WithLabelValues("decrement").Inc()
		return fmt.Errorf("cannot decrement %q: %w", key, err)
	}

	return nil
}

// Reset forgets every hit counted for key.
func (sw *SlidingWindow) Reset(ctx context.Context, key string) error {
	ctx, cancel := sw.storeContext(ctx)
	defer cancel()

	if err := sw.store.ResetKey(ctx, key); err != nil {
		sw.metrics.storeErrorsTotal.WithLabelValues("reset").Inc()
		return fmt.Errorf("cannot reset %q: %w", key, err)
	}

	return nil
}

// Info reads the state of key without counting a hit. It requires a
// store implementing Getter.
func (sw *SlidingWindow) Info(ctx context.Context, key string) (Info, error) {
	getter, ok := sw.store.(Getter)
	if !ok {
		return Info{}, ErrPeekUnsupported
	}

	ctx, cancel := sw.storeContext(ctx)
	defer cancel()

	hit, found, err := getter.Get(ctx, key)
	if err != nil {
		sw.metrics.storeErrorsTotal.WithLabelValues("get").Inc()
		return Info{}, fmt.Errorf("cannot read %q: %w", key, err)
	}

	now := sw.now()
	if !found {
		return Info{Limit: sw.limit, Remaining: sw.limit, ResetAt: now.Add(sw.window)}, nil
	}

	info := Info{
		Limit:     sw.limit,
		Remaining: max(0, sw.limit-hit.TotalHits),
		ResetAt:   hit.ResetAt,
	}
	if info.Remaining == 0 {
		info.RetryAfter = ceilSeconds(hit.ResetAt.Sub(now))
	}

	return info, nil
}

func (sw *SlidingWindow) increment(ctx context.Context, key string) (Hit, error) {
	ctx, cancel := sw.storeContext(ctx)
	defer cancel()

	hit, err := sw.store.Increment(ctx, key)
	if err != nil {
		return Hit{}, fmt.Errorf("cannot increment %q: %w", key, err)
	}

	return hit, nil
}

func (sw *SlidingWindow) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if sw.storeTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, sw.storeTimeout)
}
