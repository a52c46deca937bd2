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
	"fmt"
	"time"

	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/pg"
	"go.opentelemetry.io/otel/attribute"
)

// StartCleanup starts a background goroutine deleting expired
// counters every cleanup interval. The goroutine stops when ctx is
// cancelled. Only the first call starts it.
func (s *Store) StartCleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		go s.runCleanupLoop(ctx)
	})
}

func (s *Store) runCleanupLoop(ctx context.Context) {
	s.logger.InfoCtx(ctx, "starting rate limit cleanup loop",
		log.Duration("interval", s.cleanupInterval),
	)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoCtx(ctx, "stopping rate limit cleanup loop")
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.logger.ErrorCtx(ctx, "rate limit cleanup failed", log.Error(err))
			}
		}
	}
}

// Cleanup deletes the counters whose window has ended and returns how
// many were deleted.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	ctx, span := s.startSpan(ctx, "pgstore.Cleanup", "")
	defer span.End()

	var rowsDeleted int64

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := "DELETE FROM rate_limit_counters WHERE reset_at <= $1"
			tag, err := conn.Exec(ctx, q, s.now().UnixMilli())
			if err != nil {
				return err
			}

			rowsDeleted = tag.RowsAffected()
			return nil
		},
	)
	if err != nil {
		err = fmt.Errorf("cannot cleanup rate limit counters: %w", err)
		recordError(span, err)
		return 0, err
	}

	if span.IsRecording() {
		span.SetAttributes(attribute.Int64("ratelimit.rows_deleted", rowsDeleted))
	}

	if rowsDeleted > 0 {
		s.logger.InfoCtx(ctx, "rate limit cleanup completed", log.Int64("rows_deleted", rowsDeleted))
	}

	return rowsDeleted, nil
}
