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
)

type (
	// Store counts hits per key within a fixed window whose length is
	// chosen when the store is created. Every method may block on I/O
	// and must be safe for concurrent use.
	Store interface {
		// Increment counts one hit for key. When key has no entry or
		// its window has elapsed, a new window starts with one hit.
		Increment(ctx context.Context, key string) (Hit, error)

		// Decrement gives back one hit of the current window. It is a
		// no-op when key has no live entry; hits never go below zero.
		Decrement(ctx context.Context, key string) error

		// ResetKey forgets key.
		ResetKey(ctx context.Context, key string) error

		// ResetAll forgets every key.
		ResetAll(ctx context.Context) error
	}

	// Getter is implemented by stores able to read a counter without
	// counting a hit.
	Getter interface {
		Get(ctx context.Context, key string) (Hit, bool, error)
	}

	// Cleaner is implemented by stores and limiters running a
	// background sweep of expired state. The sweep stops when ctx is
	// cancelled; only the first call starts it.
	Cleaner interface {
		StartCleanup(ctx context.Context)
	}
)
