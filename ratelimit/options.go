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
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option configures the stores, limiters and middleware of this
	// package. Each constructor only reads the settings relevant to
	// it.
	Option func(o *options)

	options struct {
		logger         *log.Logger
		tracerProvider trace.TracerProvider
		registerer     prometheus.Registerer

		cleanupInterval   time.Duration
		storeTimeout      time.Duration
		maxBuckets        int
		trustProxyHeaders bool

		now func() time.Time
	}
)

const (
	tracerName = "go.gearno.de/throttle/ratelimit"

	defaultCleanupInterval = time.Minute
)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.logger = l.Named("ratelimit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}

// WithCleanupInterval sets how often the memory store and the token
// bucket sweep expired state. Default is 1 minute.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cleanupInterval = d
		}
	}
}

// WithStoreTimeout bounds every store call made by the sliding window
// limiter. A call running out of time counts as a store error, so the
// request is admitted. Zero (the default) means no timeout.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *options) {
		o.storeTimeout = d
	}
}

// WithMaxBuckets caps the number of buckets a token bucket limiter
// keeps. When full, the least recently used bucket is evicted. Zero
// (the default) means no cap.
func WithMaxBuckets(n int) Option {
	return func(o *options) {
		o.maxBuckets = n
	}
}

// WithTrustedProxyHeaders makes the net/http adapter read the client
// address from X-Forwarded-For and X-Real-IP before RemoteAddr. Only
// enable it behind a proxy that overwrites those headers.
func WithTrustedProxyHeaders() Option {
	return func(o *options) {
		o.trustProxyHeaders = true
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider:  otel.GetTracerProvider(),
		registerer:      prometheus.DefaultRegisterer,
		cleanupInterval: defaultCleanupInterval,
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

func (o *options) tracer() trace.Tracer {
	return o.tracerProvider.Tracer(tracerName)
}
