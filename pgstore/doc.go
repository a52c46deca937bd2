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

// Package pgstore implements ratelimit.Store on PostgreSQL, letting
// several processes share the same counters.
//
// Counters live in the UNLOGGED table rate_limit_counters, created by
// Migrate. Each increment is a single INSERT ... ON CONFLICT DO UPDATE
// statement: it starts a new window when the stored one has expired
// and returns the resulting hits and reset time in one round-trip.
// Reset times are stored as unix milliseconds.
//
//	store, err := pgstore.NewStore(pgClient, time.Minute,
//	    pgstore.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//
//	if err := store.Migrate(ctx); err != nil {
//	    return err
//	}
//
//	store.StartCleanup(ctx)
//
//	mw, err := ratelimit.New(ratelimit.Config{
//	    Window:      time.Minute,
//	    MaxRequests: 100,
//	    Store:       store,
//	})
package pgstore
