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

// Package redisstore implements ratelimit.Store on Redis.
//
// Each key is a Redis string holding the hit count, with a TTL equal
// to what is left of the window. Increments run as a Lua script so the
// first hit of a window sets the expiry atomically with the count.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"go.gearno.de/throttle/internal/otelutils"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type (
	// Option configures a Store.
	Option func(s *Store)

	// Store is a ratelimit.Store backed by Redis.
	Store struct {
		client redis.UniversalClient
		window time.Duration
		prefix string

		scanCount int64

		logger *log.Logger
		tracer trace.Tracer
		now    func() time.Time
	}
)

const (
	tracerName = "go.gearno.de/throttle/redisstore"

	DefaultPrefix = "throttle:"
)

var (
	_ ratelimit.Store  = (*Store)(nil)
	_ ratelimit.Getter = (*Store)(nil)

	// KEYS[1] counter, ARGV[1] window in milliseconds. Returns the
	// hits and the remaining TTL in milliseconds.
	incrementScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {hits, ttl}
`)

	// KEYS[1] counter. Never goes below zero nor creates the key.
	decrementScript = redis.NewScript(`
local hits = tonumber(redis.call("GET", KEYS[1]) or "0")
if hits > 0 then
  return redis.call("DECR", KEYS[1])
end
return 0
`)
)

// WithPrefix sets the prefix of every Redis key. Default is
// DefaultPrefix. ResetAll only deletes keys under the prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithLogger sets a custom logger for the store.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.logger = l.Named("redisstore")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Store) {
		s.tracer = tp.Tracer(tracerName)
	}
}

// NewStore creates a store whose windows last window.
func NewStore(client redis.UniversalClient, window time.Duration, options ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}

	if window < time.Millisecond {
		return nil, fmt.Errorf("%w: window must be at least 1ms, got %s", ratelimit.ErrInvalidConfig, window)
	}

	s := &Store{
		client:    client,
		window:    window,
		prefix:    DefaultPrefix,
		scanCount: 100,
		logger:    log.NewLogger(log.WithOutput(io.Discard)),
		tracer:    otel.GetTracerProvider().Tracer(tracerName),
		now:       time.Now,
	}

	for _, o := range options {
		o(s)
	}

	return s, nil
}

// Connect parses a redis:// URL, opens a client and checks the server
// answers before ctx is done.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cannot parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cannot ping redis: %w", err)
	}

	return client, nil
}

func (s *Store) Increment(ctx context.Context, key string) (ratelimit.Hit, error) {
	ctx, span := s.startSpan(ctx, "redisstore.Increment", key)
	defer span.End()

	res, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key}, s.window.Milliseconds()).Int64Slice()
	if err != nil {
		err = fmt.Errorf("cannot increment counter: %w", err)
		recordError(span, err)
		return ratelimit.Hit{}, err
	}

	if len(res) != 2 {
		err := fmt.Errorf("cannot increment counter: unexpected script result %v", res)
		recordError(span, err)
		return ratelimit.Hit{}, err
	}

	if span.IsRecording() {
		span.SetAttributes(attribute.Int64("ratelimit.total_hits", res[0]))
	}

	return ratelimit.Hit{
		TotalHits: int(res[0]),
		ResetAt:   s.now().Add(time.Duration(res[1]) * time.Millisecond),
	}, nil
}

func (s *Store) Decrement(ctx context.Context, key string) error {
	ctx, span := s.startSpan(ctx, "redisstore.Decrement", key)
	defer span.End()

	if err := decrementScript.Run(ctx, s.client, []string{s.prefix + key}).Err(); err != nil {
		err = fmt.Errorf("cannot decrement counter: %w", err)
		recordError(span, err)
		return err
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) (ratelimit.Hit, bool, error) {
	ctx, span := s.startSpan(ctx, "redisstore.Get", key)
	defer span.End()

	var (
		get  *redis.StringCmd
		pttl *redis.DurationCmd
	)

	_, err := s.client.Pipelined(
		ctx,
		func(p redis.Pipeliner) error {
			get = p.Get(ctx, s.prefix+key)
			pttl = p.PTTL(ctx, s.prefix+key)
			return nil
		},
	)
	if errors.Is(err, redis.Nil) {
		return ratelimit.Hit{}, false, nil
	}

	if err != nil {
		err = fmt.Errorf("cannot read counter: %w", err)
		recordError(span, err)
		return ratelimit.Hit{}, false, err
	}

	hits, err := get.Int()
	if err != nil {
		err = fmt.Errorf("cannot parse counter: %w", err)
		recordError(span, err)
		return ratelimit.Hit{}, false, err
	}

	ttl := pttl.Val()
	if ttl < 0 {
		ttl = 0
	}

	return ratelimit.Hit{TotalHits: hits, ResetAt: s.now().Add(ttl)}, true, nil
}

func (s *Store) ResetKey(ctx context.Context, key string) error {
	ctx, span := s.startSpan(ctx, "redisstore.ResetKey", key)
	defer span.End()

	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		err = fmt.Errorf("cannot delete counter: %w", err)
		recordError(span, err)
		return err
	}

	return nil
}

// ResetAll deletes every counter under the store prefix. It scans the
// key space, so it is meant for administration, not the request path.
func (s *Store) ResetAll(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "redisstore.ResetAll", "")
	defer span.End()

	var (
		cursor  uint64
		deleted int64
	)

	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", s.scanCount).Result()
		if err != nil {
			err = fmt.Errorf("cannot scan counters: %w", err)
			recordError(span, err)
			return err
		}

		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				err = fmt.Errorf("cannot delete counters: %w", err)
				recordError(span, err)
				return err
			}

			deleted += n
		}

		if next == 0 {
			break
		}
		cursor = next
	}

	s.logger.InfoCtx(ctx, "rate limit counters deleted",
		log.String("prefix", s.prefix),
		log.Int64("deleted", deleted),
	)

	return nil
}

// Ping checks the Redis server answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cannot ping redis: %w", err)
	}

	return nil
}

func (s *Store) startSpan(ctx context.Context, name, key string) (context.Context, trace.Span) {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx, noop.Span{}
	}

	attrs := []attribute.KeyValue{
		attribute.String("db.system.name", "redis"),
		attribute.Int64("ratelimit.window_ms", s.window.Milliseconds()),
	}
	if key != "" {
		attrs = append(attrs, otelutils.String("ratelimit.key", key))
	}

	return s.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func recordError(span trace.Span, err error) {
	if span.IsRecording() {
		otelutils.RecordError(span, err)
	}
}
