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

package pgstore

import (
	"context"
	"embed"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"

	"go.gearno.de/throttle/internal/otelutils"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/migrator"
	"go.gearno.de/throttle/pg"
	"go.gearno.de/throttle/ratelimit"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type (
	// Option configures a Store.
	Option func(s *Store)

	// Store is a ratelimit.Store backed by PostgreSQL.
	Store struct {
		pg     *pg.Client
		window time.Duration

		logger *log.Logger
		tracer trace.Tracer
		now    func() time.Time

		cleanupInterval time.Duration
		cleanupOnce     sync.Once
	}
)

const (
	tracerName = "go.gearno.de/throttle/pgstore"

	versionsTable = "throttle_schema_versions"
)

var (
	//go:embed migrations/*.sql
	migrationsFS embed.FS

	_ ratelimit.Store   = (*Store)(nil)
	_ ratelimit.Getter  = (*Store)(nil)
	_ ratelimit.Cleaner = (*Store)(nil)
)

// WithLogger sets a custom logger for the store.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.logger = l.Named("pgstore")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Store) {
		s.tracer = tp.Tracer(tracerName)
	}
}

// WithCleanupInterval sets the interval between two deletions of
// expired counters. Default is 5 minutes.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.cleanupInterval = d
		}
	}
}

// NewStore creates a store whose windows last window. The table must
// exist, see Migrate.
func NewStore(client *pg.Client, window time.Duration, options ...Option) (*Store, error) {
	if window < time.Millisecond {
		return nil, fmt.Errorf("%w: window must be at least 1ms, got %s", ratelimit.ErrInvalidConfig, window)
	}

	s := &Store{
		pg:              client,
		window:          window,
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		tracer:          otel.GetTracerProvider().Tracer(tracerName),
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
	}

	for _, o := range options {
		o(s)
	}

	return s, nil
}

// Migrate creates or upgrades the tables used by the store.
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("cannot open migrations: %w", err)
	}

	m := migrator.NewMigrator(
		s.pg,
		fsys,
		migrator.WithLogger(s.logger),
		migrator.WithVersionsTable(versionsTable),
	)

	if err := m.Run(ctx); err != nil {
		return fmt.Errorf("cannot migrate rate limit schema: %w", err)
	}

	return nil
}

func (s *Store) Increment(ctx context.Context, key string) (ratelimit.Hit, error) {
	ctx, span := s.startSpan(ctx, "pgstore.Increment", key)
	defer span.End()

	var (
		now   = s.now()
		hits  int
		reset int64
	)

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `
INSERT INTO rate_limit_counters (key, hits, reset_at)
VALUES ($1, 1, $3)
ON CONFLICT (key) DO UPDATE SET
    hits = CASE
        WHEN rate_limit_counters.reset_at <= $2 THEN 1
        ELSE rate_limit_counters.hits + 1
    END,
    reset_at = CASE
        WHEN rate_limit_counters.reset_at <= $2 THEN EXCLUDED.reset_at
        ELSE rate_limit_counters.reset_at
    END
RETURNING hits, reset_at
`
			return conn.QueryRow(ctx, q, key, now.UnixMilli(), now.Add(s.window).UnixMilli()).Scan(&hits, &reset)
		},
	)
	if err != nil {
		err = fmt.Errorf("cannot increment counter: %w", err)
		recordError(span, err)
		return ratelimit.Hit{}, err
	}

	if span.IsRecording() {
		span.SetAttributes(attribute.Int("ratelimit.total_hits", hits))
	}

	return ratelimit.Hit{TotalHits: hits, ResetAt: time.UnixMilli(reset)}, nil
}

func (s *Store) Decrement(ctx context.Context, key string) error {
	ctx, span := s.startSpan(ctx, "pgstore.Decrement", key)
	defer span.End()

	err := s.exec(
		ctx,
		"UPDATE rate_limit_counters SET hits = GREATEST(hits - 1, 0) WHERE key = $1 AND reset_at > $2",
		key,
		s.now().UnixMilli(),
	)
	if err != nil {
		err = fmt.Errorf("cannot decrement counter: %w", err)
		recordError(span, err)
		return err
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) (ratelimit.Hit, bool, error) {
	ctx, span := s.startSpan(ctx, "pgstore.Get", key)
	defer span.End()

	var (
		hits  int
		reset int64
		found bool
	)

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := "SELECT hits, reset_at FROM rate_limit_counters WHERE key = $1 AND reset_at > $2"
			rows, err := conn.Query(ctx, q, key, s.now().UnixMilli())
			if err != nil {
				return err
			}
			defer rows.Close()

			if rows.Next() {
				found = true
				if err := rows.Scan(&hits, &reset); err != nil {
					return err
				}
			}

			return rows.Err()
		},
	)
	if err != nil {
		err = fmt.Errorf("cannot read counter: %w", err)
		recordError(span, err)
		return ratelimit.Hit{}, false, err
	}

	if !found {
		return ratelimit.Hit{}, false, nil
	}

	return ratelimit.Hit{TotalHits: hits, ResetAt: time.UnixMilli(reset)}, true, nil
}

func (s *Store) ResetKey(ctx context.Context, key string) error {
	ctx, span := s.startSpan(ctx, "pgstore.ResetKey", key)
	defer span.End()

	if err := s.exec(ctx, "DELETE FROM rate_limit_counters WHERE key = $1", key); err != nil {
		err = fmt.Errorf("cannot delete counter: %w", err)
		recordError(span, err)
		return err
	}

	return nil
}

func (s *Store) ResetAll(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "pgstore.ResetAll", "")
	defer span.End()

	if err := s.exec(ctx, "DELETE FROM rate_limit_counters"); err != nil {
		err = fmt.Errorf("cannot delete counters: %w", err)
		recordError(span, err)
		return err
	}

	return nil
}

func (s *Store) exec(ctx context.Context, q string, args ...any) error {
	return s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			_, err := conn.Exec(ctx, q, args...)
			return err
		},
	)
}

func (s *Store) startSpan(ctx context.Context, name, key string) (context.Context, trace.Span) {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx, noop.Span{}
	}

	attrs := []attribute.KeyValue{
		attribute.Int64("ratelimit.window_ms", s.window.Milliseconds()),
	}
	if key != "" {
		attrs = append(attrs, otelutils.String("ratelimit.key", key))
	}

	return s.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

func recordError(span trace.Span, err error) {
	if span.IsRecording() {
		otelutils.RecordError(span, err)
	}
}
