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

// Package gateway implements throttled, a reverse proxy admitting
// requests to an upstream service through a rate limit middleware.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/httpclient"
	"go.gearno.de/throttle/httpserver"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/ratelimit"
	"go.gearno.de/throttle/unit"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Service is the throttled unit.Runnable.
	Service struct {
		config Config
	}

	// InfoResponse is the body of GET /_throttle/info.
	InfoResponse struct {
		Key        string    `json:"key"`
		Limit      int       `json:"limit"`
		Remaining  int       `json:"remaining"`
		Reset      time.Time `json:"reset"`
		RetryAfter int       `json:"retryAfter"`
	}

	router struct {
		middleware        *ratelimit.Middleware
		trustProxyHeaders bool
		userHeader        string
		adminToken        string
		logger            *log.Logger
	}
)

var (
	_ unit.Runnable     = (*Service)(nil)
	_ unit.Configurable = (*Service)(nil)
)

func New() *Service {
	return &Service{config: defaultConfig()}
}

func (s *Service) GetConfiguration() any {
	return &s.config
}

func (s *Service) Run(
	ctx context.Context,
	logger *log.Logger,
	registerer prometheus.Registerer,
	tp trace.TracerProvider,
) error {
	if err := s.config.validate(); err != nil {
		return err
	}

	limitCfg, err := s.config.Limit.RateLimitConfig()
	if err != nil {
		return err
	}

	backend, err := openBackend(ctx, s.config.Store, limitCfg.Window, logger, tp, registerer)
	if err != nil {
		return fmt.Errorf("cannot open %s store: %w", s.config.Store.Backend, err)
	}
	defer backend.close()

	limitCfg.Store = backend.store

	options := []ratelimit.Option{
		ratelimit.WithLogger(logger),
		ratelimit.WithTracerProvider(tp),
		ratelimit.WithRegisterer(registerer),
		ratelimit.WithCleanupInterval(time.Duration(s.config.Store.CleanupInterval) * time.Second),
		ratelimit.WithMaxBuckets(s.config.Limit.MaxBuckets),
		ratelimit.WithStoreTimeout(time.Duration(s.config.Limit.StoreTimeout) * time.Millisecond),
	}
	if s.config.TrustProxyHeaders {
		options = append(options, ratelimit.WithTrustedProxyHeaders())
	}

	mw, err := ratelimit.New(limitCfg, options...)
	if err != nil {
		return fmt.Errorf("cannot create rate limit middleware: %w", err)
	}
	mw.StartCleanup(ctx)

	upstream, err := newUpstream(s.config, logger, tp, registerer)
	if err != nil {
		return err
	}

	rt := &router{
		middleware:        mw,
		trustProxyHeaders: s.config.TrustProxyHeaders,
		userHeader:        s.config.UserHeader,
		adminToken:        s.config.AdminToken,
		logger:            logger.Named("gateway"),
	}

	server := httpserver.NewServer(
		s.config.Addr,
		rt.handler(upstream),
		httpserver.WithLogger(logger),
		httpserver.WithTracerProvider(tp),
		httpserver.WithRegisterer(registerer),
		httpserver.WithHealthCheck(backend.healthCheck),
	)

	return serve(ctx, server, rt.logger)
}

func newUpstream(
	cfg Config,
	logger *log.Logger,
	tp trace.TracerProvider,
	registerer prometheus.Registerer,
) (http.Handler, error) {
	target, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("cannot parse upstream: %w", err)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = httpclient.NewTransport(
		httpclient.WithLogger(logger),
		httpclient.WithTracerProvider(tp),
		httpclient.WithRegisterer(registerer),
		httpclient.WithMaxIdleConnsPerHost(cfg.UpstreamMaxIdleConns),
	)
	proxy.ErrorLog = logger.StdLogger(log.LevelError)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}

		httpserver.RenderError(w, status, errors.New("upstream unavailable"))
	}

	if cfg.UpstreamTimeout <= 0 {
		return proxy, nil
	}

	timeout := time.Duration(cfg.UpstreamTimeout) * time.Second
	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			proxy.ServeHTTP(w, r.WithContext(ctx))
		},
	), nil
}

func (rt *router) handler(upstream http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(rt.identify)

	r.Get("/_throttle/info", rt.info)
	r.Delete("/_throttle/keys/{key}", rt.resetKey)
	r.Handle("/*", rt.middleware.Handler(upstream))

	return r
}

// identify copies the user id header into the request context, where
// the default key generator reads it.
func (rt *router) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if rt.trustProxyHeaders && rt.userHeader != "" {
				if id := strings.TrimSpace(r.Header.Get(rt.userHeader)); id != "" {
					r = r.WithContext(ratelimit.ContextWithUserID(r.Context(), id))
				}
			}

			next.ServeHTTP(w, r)
		},
	)
}

func (rt *router) info(w http.ResponseWriter, r *http.Request) {
	key := rt.middleware.Key(ratelimit.NewHTTPRequest(r, rt.trustProxyHeaders))

	info, err := rt.middleware.Info(r.Context(), key)
	if err != nil {
		rt.logger.ErrorCtx(r.Context(), "cannot read rate limit info", log.Error(err))
		httpserver.RenderError(w, http.StatusServiceUnavailable, errors.New("rate limit store unavailable"))
		return
	}

	httpserver.RenderJSON(
		w,
		http.StatusOK,
		InfoResponse{
			Key:        key,
			Limit:      info.Limit,
			Remaining:  info.Remaining,
			Reset:      info.ResetAt.UTC(),
			RetryAfter: info.RetryAfterSeconds(),
		},
	)
}

func (rt *router) resetKey(w http.ResponseWriter, r *http.Request) {
	if rt.adminToken == "" {
		httpserver.RenderError(w, http.StatusNotFound, errors.New("admin endpoints are disabled"))
		return
	}

	if !rt.authorized(r) {
		httpserver.RenderError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
		return
	}

	key := chi.URLParam(r, "key")
	if err := rt.middleware.Reset(r.Context(), key); err != nil {
		rt.logger.ErrorCtx(r.Context(), "cannot reset rate limit key", log.String("key", key), log.Error(err))
		httpserver.RenderError(w, http.StatusServiceUnavailable, errors.New("rate limit store unavailable"))
		return
	}

	rt.logger.InfoCtx(r.Context(), "rate limit key reset", log.String("key", key))
	w.WriteHeader(http.StatusNoContent)
}

func (rt *router) authorized(r *http.Request) bool {
	token := r.Header.Get("X-Admin-Token")
	if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		token = bearer
	}

	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(rt.adminToken)) == 1
}

func serve(ctx context.Context, server *http.Server, logger *log.Logger) error {
	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", server.Addr, err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http request: %w", err)
		}
		close(serverErrCh)
	}()

	logger.Info("gateway started", log.String("addr", listener.Addr().String()))

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown http server: %w", err)
	}

	return nil
}
