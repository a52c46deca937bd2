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
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.gearno.de/throttle/internal/otelutils"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Request is the part of an inbound request the middleware
	// reads.
	Request interface {
		ClientAddr() string
		UserID() string
		UserAgent() string
	}

	// Response is the part of an outbound response the middleware
	// writes. Status returns the status code sent so far, 0 if none.
	Response interface {
		SetHeader(name, value string)
		SendJSON(status int, v any) error
		Status() int
	}

	// KeyFunc derives the rate limit key of a request.
	KeyFunc func(req Request) string

	// LimitHandler writes the response of a rejected request.
	LimitHandler func(ctx context.Context, req Request, res Response, result Result)

	// Algorithm selects the limiter used by the middleware.
	Algorithm string

	// Config configures a Middleware. The zero value of every field
	// but Window and MaxRequests is a usable default.
	Config struct {
		// Window is the length of a counting window. Required.
		Window time.Duration `json:"window"`

		// MaxRequests is the number of requests admitted per key and
		// window. Required.
		MaxRequests int `json:"max-requests"`

		// SkipSuccessfulRequests gives back the hit of admitted
		// requests answered with a status below 400.
		SkipSuccessfulRequests bool `json:"skip-successful-requests"`

		// SkipFailedRequests gives back the hit of admitted requests
		// answered with a status of 400 or more.
		SkipFailedRequests bool `json:"skip-failed-requests"`

		// KeyGenerator derives the key of a request. Default is
		// DefaultKey.
		KeyGenerator KeyFunc `json:"-"`

		// Handler writes rejections. Default is a 429 JSON body.
		Handler LimitHandler `json:"-"`

		// StandardHeaders emits X-RateLimit-* and the RateLimit-*
		// headers of the IETF draft.
		StandardHeaders bool `json:"standard-headers"`

		// LegacyHeaders emits X-RateLimit-* headers.
		LegacyHeaders bool `json:"legacy-headers"`

		// Store holds sliding window counters. Default is a
		// MemoryStore with the same window. Ignored by the token
		// bucket algorithm.
		Store Store `json:"-"`

		// Algorithm defaults to SlidingWindowAlgorithm.
		Algorithm Algorithm `json:"algorithm"`

		// Message is the message of the default 429 body. Default is
		// "Rate limit exceeded".
		Message string `json:"message"`
	}

	// Middleware enforces a Config on requests.
	Middleware struct {
		config Config

		limiter Limiter
		sliding *SlidingWindow
		bucket  *TokenBucket
		cleaner Cleaner

		trustProxyHeaders bool

		logger *log.Logger
		tracer trace.Tracer
		now    func() time.Time
	}

	// RejectionBody is the JSON body of the default 429 response.
	RejectionBody struct {
		Error      string    `json:"error"`
		Message    string    `json:"message"`
		RetryAfter int       `json:"retryAfter"`
		Limit      int       `json:"limit"`
		Reset      time.Time `json:"reset"`
	}
)

const (
	SlidingWindowAlgorithm Algorithm = "sliding-window"
	TokenBucketAlgorithm   Algorithm = "token-bucket"

	DefaultMessage = "Rate limit exceeded"

	anonymousUser = "anonymous"
)

// Validate reports whether c can build a Middleware.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, c.Window)
	}

	if c.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be positive, got %d", ErrInvalidConfig, c.MaxRequests)
	}

	switch c.Algorithm {
	case "", SlidingWindowAlgorithm, TokenBucketAlgorithm:
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, c.Algorithm)
	}

	if c.Algorithm == TokenBucketAlgorithm && (c.SkipSuccessfulRequests || c.SkipFailedRequests) {
		return fmt.Errorf("%w: skip flags are not supported by the token bucket", ErrInvalidConfig)
	}

	return nil
}

// DefaultKey keys a request by client address and user, e.g.
// "10.0.0.1:anonymous" or "10.0.0.1:user_42".
func DefaultKey(req Request) string {
	user := req.UserID()
	if user == "" {
		user = anonymousUser
	}

	return req.ClientAddr() + ":" + user
}

// New creates a Middleware enforcing cfg. It fails when cfg is
// invalid.
func New(cfg Config, options ...Option) (*Middleware, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Algorithm == "" {
		cfg.Algorithm = SlidingWindowAlgorithm
	}

	if cfg.Message == "" {
		cfg.Message = DefaultMessage
	}

	opts := newOptions(options)

	m := &Middleware{
		trustProxyHeaders: opts.trustProxyHeaders,
		logger:            opts.logger,
		tracer:            opts.tracer(),
		now:               opts.now,
	}

	switch cfg.Algorithm {
	case TokenBucketAlgorithm:
		tb, err := NewTokenBucket(cfg.MaxRequests, cfg.Window, options...)
		if err != nil {
			return nil, err
		}

		m.bucket = tb
		m.limiter = tb
		m.cleaner = tb
	default:
		if cfg.Store == nil {
			cfg.Store = NewMemoryStore(cfg.Window, options...)
		}

		sw, err := NewSlidingWindow(cfg.Store, cfg.MaxRequests, cfg.Window, options...)
		if err != nil {
			return nil, err
		}

		m.sliding = sw
		m.limiter = sw
		if c, ok := cfg.Store.(Cleaner); ok {
			m.cleaner = c
		}
	}

	m.config = cfg

	return m, nil
}

// Config returns the configuration in effect, defaults included.
func (m *Middleware) Config() Config {
	return m.config
}

// Key derives the rate limit key of req.
func (m *Middleware) Key(req Request) string {
	if m.config.KeyGenerator != nil {
		return m.config.KeyGenerator(req)
	}

	return DefaultKey(req)
}

// StartCleanup starts the background sweep of the underlying store or
// token bucket, if it has one.
func (m *Middleware) StartCleanup(ctx context.Context) {
	if m.cleaner != nil {
		m.cleaner.StartCleanup(ctx)
	}
}

// Handle runs the admission check for req. Admitted requests get
// informational headers and next is called exactly once; rejected
// requests get a rejection response and next is not called. When the
// check itself breaks, next is called without headers.
func (m *Middleware) Handle(ctx context.Context, req Request, res Response, next func()) {
	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = m.tracer.Start(
			ctx,
			"ratelimit.Middleware",
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()
	}

	key, result, ok := m.check(ctx, req)
	if !ok {
		if rootSpan.IsRecording() {
			span.SetAttributes(attribute.Bool("ratelimit.fail_open", true))
		}

		next()
		return
	}

	if rootSpan.IsRecording() {
		span.SetAttributes(
			otelutils.String("ratelimit.key", key),
			attribute.Bool("ratelimit.allowed", result.Allowed),
		)
	}

	if !result.Allowed {
		m.reject(ctx, req, res, key, result)
		return
	}

	m.setHeaders(res, result.Info)
	next()
	m.release(ctx, key, res)
}

// Info returns the state of key without counting a request.
func (m *Middleware) Info(ctx context.Context, key string) (Info, error) {
	if m.bucket != nil {
		return m.bucket.Info(key), nil
	}

	return m.sliding.Info(ctx, key)
}

// Reset forgets the state of key.
func (m *Middleware) Reset(ctx context.Context, key string) error {
	return m.limiter.Reset(ctx, key)
}

func (m *Middleware) check(ctx context.Context, req Request) (key string, result Result, ok bool) {
	defer func() {
		if rvr := recover(); rvr != nil {
			m.logger.ErrorCtx(ctx, "cannot check rate limit, admitting request",
				log.Any("panic", rvr),
			)
			ok = false
		}
	}()

	key = m.Key(req)
	result = m.limiter.Allow(ctx, key)

	return key, result, true
}

func (m *Middleware) reject(ctx context.Context, req Request, res Response, key string, result Result) {
	m.logger.WarnCtx(ctx, "rate limit exceeded",
		log.String("key", key),
		log.String("user_agent", req.UserAgent()),
		log.Int("limit", result.Info.Limit),
		log.Duration("retry_after", result.Info.RetryAfter),
	)

	m.setHeaders(res, result.Info)

	retryAfter := max(1, result.Info.RetryAfterSeconds())
	res.SetHeader("Retry-After", strconv.Itoa(retryAfter))

	if m.config.Handler != nil {
		m.config.Handler(ctx, req, res, result)
		return
	}

	body := RejectionBody{
		Error:      http.StatusText(http.StatusTooManyRequests),
		Message:    m.config.Message,
		RetryAfter: retryAfter,
		Limit:      result.Info.Limit,
		Reset:      result.Info.ResetAt.UTC(),
	}

	if err := res.SendJSON(http.StatusTooManyRequests, body); err != nil {
		m.logger.ErrorCtx(ctx, "cannot write rate limit response", log.Error(err))
	}
}

func (m *Middleware) setHeaders(res Response, info Info) {
	if !m.config.StandardHeaders && !m.config.LegacyHeaders {
		return
	}

	res.SetHeader("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	res.SetHeader("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	res.SetHeader("X-RateLimit-Reset", strconv.FormatInt(ceilUnix(info.ResetAt), 10))

	if m.config.StandardHeaders {
		reset := ceilSeconds(info.ResetAt.Sub(m.now()))
		res.SetHeader("RateLimit-Limit", strconv.Itoa(info.Limit))
		res.SetHeader("RateLimit-Remaining", strconv.Itoa(info.Remaining))
		res.SetHeader("RateLimit-Reset", strconv.Itoa(int(reset/time.Second)))
	}
}

// release gives back the hit of an admitted request when the config
// says requests with its outcome are not counted.
func (m *Middleware) release(ctx context.Context, key string, res Response) {
	if m.sliding == nil || (!m.config.SkipSuccessfulRequests && !m.config.SkipFailedRequests) {
		return
	}

	status := res.Status()
	if status == 0 {
		status = http.StatusOK
	}

	failed := status >= http.StatusBadRequest
	if (failed && m.config.SkipFailedRequests) || (!failed && m.config.SkipSuccessfulRequests) {
		if err := m.sliding.Decrement(ctx, key); err != nil {
			m.logger.ErrorCtx(ctx, "cannot give back hit", log.String("key", key), log.Error(err))
		}
	}
}
