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
	"errors"
	"math"
	"time"
)

type (
	// Info is a snapshot of the admission state of a key, computed on
	// every check.
	Info struct {
		// Limit is the configured maximum number of requests per
		// window (or the bucket capacity).
		Limit int

		// Remaining is how many more requests the key can make before
		// being rejected. It is never negative.
		Remaining int

		// ResetAt is when the window resets or the next token is
		// available.
		ResetAt time.Time

		// RetryAfter is how long a client should wait, in whole
		// seconds. The sliding window reports the time until the
		// window resets on every check; the token bucket sets it only
		// on rejection.
		RetryAfter time.Duration
	}

	// Result is the decision returned by a Limiter.
	Result struct {
		Allowed bool
		Info    Info
	}

	// Hit is what a Store reports after counting a request.
	Hit struct {
		TotalHits int
		ResetAt   time.Time
	}

	// Limiter decides whether the request identified by key is
	// admitted. Allow never fails: a limiter that cannot reach its
	// state admits the request.
	Limiter interface {
		Allow(ctx context.Context, key string) Result
		Reset(ctx context.Context, key string) error
	}
)

var (
	ErrInvalidConfig   = errors.New("invalid rate limit configuration")
	ErrStoreRequired   = errors.New("store is required")
	ErrPeekUnsupported = errors.New("store does not support reading counters")
)

// RetryAfterSeconds returns RetryAfter as an integer number of seconds.
func (i Info) RetryAfterSeconds() int {
	return int(i.RetryAfter / time.Second)
}

// ceilSeconds rounds d up to the next whole second. Negative
// durations become zero.
func ceilUnix(t time.Time) int64 {
	secs := t.Unix()
	if t.Nanosecond() > 0 {
		secs++
	}

	return secs
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}

	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}
