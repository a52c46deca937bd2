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

// Package ratelimit provides admission control for HTTP services.
//
// # Algorithms
//
// SlidingWindow counts requests per key in fixed windows held by a
// Store. The first request of a key opens a window of the configured
// length; requests past the limit are rejected until the window
// resets. Stores are pluggable: MemoryStore keeps counters in process,
// the pgstore and redisstore packages share them between processes.
//
// TokenBucket gives every key a bucket of tokens refilled
// continuously. A full bucket absorbs a burst of up to the limit, then
// requests are admitted at the refill rate.
//
// Both limiters fail open: a store error or a panic while checking
// admits the request and logs the failure.
//
// # Usage
//
//	mw, err := ratelimit.New(ratelimit.API,
//	    ratelimit.WithLogger(logger),
//	    ratelimit.WithRegisterer(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	mw.StartCleanup(ctx)
//
//	router.Use(mw.Handler)
//
// Rejected requests get a 429 with a Retry-After header and a JSON
// body:
//
//	{"error":"Too Many Requests","message":"Rate limit exceeded","retryAfter":42,"limit":60,"reset":"2024-06-01T12:00:00Z"}
//
// # Headers
//
// With LegacyHeaders or StandardHeaders set, responses carry
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset (unix
// seconds). StandardHeaders also adds RateLimit-Limit,
// RateLimit-Remaining and RateLimit-Reset (seconds until reset).
//
// # Metrics
//
//   - ratelimit_requests_total{algorithm,allowed}
//   - ratelimit_check_duration_seconds{algorithm}
//   - ratelimit_store_errors_total{operation}
//   - ratelimit_evictions_total{reason}
package ratelimit
