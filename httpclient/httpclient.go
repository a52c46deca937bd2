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

// Package httpclient builds HTTP transports and clients instrumented
// with logs, Prometheus metrics and OpenTelemetry client spans.
package httpclient

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option configures NewTransport and NewClient.
	Option func(o *options)

	options struct {
		logger         *log.Logger
		tracerProvider trace.TracerProvider
		registerer     prometheus.Registerer

		tlsConfig             *tls.Config
		dialTimeout           time.Duration
		responseHeaderTimeout time.Duration
		maxIdleConnsPerHost   int
		timeout               time.Duration
	}
)

func WithTLSConfig(c *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = c
	}
}

// WithLogger sets the logger exchanges are logged with.
func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		o.logger = l.Named("httpclient")
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}

// WithDialTimeout bounds connection establishment. Default is 30
// seconds.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// WithResponseHeaderTimeout bounds the wait for the response headers
// once the request is written. Zero (the default) means no limit.
func WithResponseHeaderTimeout(d time.Duration) Option {
	return func(o *options) {
		o.responseHeaderTimeout = d
	}
}

// WithMaxIdleConnsPerHost sets how many idle connections are kept
// per host. A negative value disables keepalives altogether. Default
// is GOMAXPROCS+1.
func WithMaxIdleConnsPerHost(n int) Option {
	return func(o *options) {
		o.maxIdleConnsPerHost = n
	}
}

// WithTimeout bounds a whole exchange made by a client built with
// NewClient. NewTransport ignores it.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// NewTransport returns an instrumented transport. Keep it for the
// lifetime of the process: pooled connections are only released by
// CloseIdleConnections.
func NewTransport(opts ...Option) *TelemetryRoundTripper {
	o := newOptions(opts)

	dialer := &net.Dialer{
		Timeout:   o.dialTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   o.maxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: o.responseHeaderTimeout,
		TLSClientConfig:       o.tlsConfig,
		ForceAttemptHTTP2:     true,
	}
	if o.maxIdleConnsPerHost < 0 {
		transport.DisableKeepAlives = true
	}

	return NewTelemetryRoundTripper(transport, o.logger, o.tracerProvider, o.registerer)
}

// NewClient returns a client using NewTransport.
func NewClient(opts ...Option) *http.Client {
	o := newOptions(opts)

	return &http.Client{
		Transport: NewTransport(opts...),
		Timeout:   o.timeout,
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:              log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider:      otel.GetTracerProvider(),
		registerer:          prometheus.DefaultRegisterer,
		dialTimeout:         30 * time.Second,
		maxIdleConnsPerHost: runtime.GOMAXPROCS(0) + 1,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}
