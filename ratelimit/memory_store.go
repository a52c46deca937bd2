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
	"time"

	"go.gearno.de/throttle/log"
)

type (
	// MemoryStore is a Store keeping counters in process memory.
	// Expired entries are dropped lazily on access and by the sweep
	// started with StartCleanup.
	MemoryStore struct {
		window time.Duration

		logger  *log.Logger
		metrics *metrics
		now     func() time.Time

		cleanupInterval time.Duration
		cleanupOnce     sync.Once

		mu      sync.Mutex
		entries map[string]counterEntry
	}

	// counterEntry is stored by value: a new window replaces the
	// entry, it never mutates the expired one.
	counterEntry struct {
		hits    int
		resetAt time.Time
	}
)

var (
	_ Store   = (*MemoryStore)(nil)
	_ Getter  = (*MemoryStore)(nil)
	_ Cleaner = (*MemoryStore)(nil)
)

// NewMemoryStore creates a store whose windows last window.
func NewMemoryStore(window time.Duration, options ...Option) *MemoryStore {
	opts := newOptions(options)

	return &MemoryStore{
		window:          window,
		logger:          opts.logger,
		metrics:         newMetrics(opts.registerer),
		now:             opts.now,
		cleanupInterval: opts.cleanupInterval,
		entries:         make(map[string]counterEntry),
	}
}

func (e counterEntry) expired(now time.Time) bool {
	return !now.Before(e.resetAt)
}

func (s *MemoryStore) Increment(_ context.Context, key string) (Hit, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		e = counterEntry{hits: 1, resetAt: now.Add(s.window)}
	} else {
		e.hits++
	}
	s.entries[key] = e

	return Hit{TotalHits: e.hits, ResetAt: e.resetAt}, nil
}

func (s *MemoryStore) Decrement(_ context.Context, key string) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(now) || e.hits == 0 {
		return nil
	}

	e.hits--
	s.entries[key] = e

	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Hit, bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		return Hit{}, false, nil
	}

	return Hit{TotalHits: e.hits, ResetAt: e.resetAt}, true, nil
}

func (s *MemoryStore) ResetKey(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)

	return nil
}

func (s *MemoryStore) ResetAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]counterEntry)

	return nil
}

// Len returns the number of entries currently held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// StartCleanup starts a background goroutine removing expired entries
// every cleanup interval. The goroutine stops when ctx is cancelled.
// Only the first call starts it.
func (s *MemoryStore) StartCleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		go runCleanupLoop(ctx, s.logger, s.cleanupInterval, "counter", s.sweep)
	})
}

func (s *MemoryStore) sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}

	s.metrics.evictionsTotal.WithLabelValues("expired").Add(float64(removed))

	return removed
}

func runCleanupLoop(
	ctx context.Context,
	logger *log.Logger,
	interval time.Duration,
	kind string,
	sweep func() int,
) {
	logger.InfoCtx(ctx, "starting rate limit cleanup loop",
		log.String("kind", kind),
		log.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "stopping rate limit cleanup loop", log.String("kind", kind))
			return
		case <-ticker.C:
			if removed := sweep(); removed > 0 {
				logger.DebugCtx(ctx, "rate limit cleanup completed",
					log.String("kind", kind),
					log.Int("removed", removed),
				)
			}
		}
	}
}
