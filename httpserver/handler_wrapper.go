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

package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/throttle/internal/otelutils"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.22.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	handlerWrapper struct {
		next            http.Handler
		healthCheck     HealthCheck
		requestsTotal   *prometheus.CounterVec
		requestDuration *prometheus.HistogramVec
		requestSize     *prometheus.HistogramVec
		responseSize    *prometheus.HistogramVec
		tracer          trace.Tracer
		logger          *log.Logger
	}
)

const (
	tracerName = "go.gearno.de/throttle/httpserver"
)

var (
	internalErrorResponse = map[string]string{
		"error": "internal error",
	}

	metricLabels = []string{
		"method",
		"host",
		"flavor",
		"status_code",
		"path",
	}
)

func newHandlerWrapper(
	next http.Handler,
	logger *log.Logger,
	tp trace.TracerProvider,
	registerer prometheus.Registerer,
	healthCheck HealthCheck,
) *handlerWrapper {
	sizeBuckets := prometheus.ExponentialBuckets(100, 10, 5)

	return &handlerWrapper{
		next:        next,
		healthCheck: healthCheck,
		logger:      logger,
		tracer:      tp.Tracer(tracerName),
		requestsTotal: registerCollector(
			registerer,
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Subsystem: "http_server",
					Name:      "requests_total",
					Help:      "Total number of HTTP requests made.",
				},
				metricLabels,
			),
		),
		requestDuration: registerCollector(
			registerer,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "request_duration_seconds",
					Help:      "Duration of HTTP requests in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				metricLabels,
			),
		),
		requestSize: registerCollector(
			registerer,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "request_size_bytes",
					Help:      "Size of the HTTP request in bytes",
					Buckets:   sizeBuckets,
				},
				metricLabels,
			),
		),
		responseSize: registerCollector(
			registerer,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "response_size_bytes",
					Help:      "Size of HTTP responses in bytes",
					Buckets:   sizeBuckets,
				},
				metricLabels,
			),
		),
	}
}

func registerCollector[T prometheus.Collector](r prometheus.Registerer, c T) T {
	if err := r.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}

	return c
}

func (hw *handlerWrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Bypass for OPTIONS request to avoid telemetry, metrics and
	// logging noise.
	if r.Method == http.MethodOptions {
		hw.next.ServeHTTP(w, r)
		return
	}

	if r.URL.Path == "/health" {
		hw.serveHealth(w, r)
		return
	}

	var (
		r2        = r.Clone(r.Context())
		ctx       = r2.Context()
		start     = time.Now()
		requestID = r2.Header.Get("x-request-id")
		ww        = middleware.NewWrapResponseWriter(w, r2.ProtoMajor)
		logger    = hw.logger.With(
			log.String("http_request_method", r2.Method),
			log.String("http_request_host", r2.Host),
			log.String("http_request_path", r2.URL.Path),
			log.String("http_request_flavor", r2.Proto),
			log.String("http_request_user_agent", r2.UserAgent()),
			log.String("http_request_client_ip", r2.RemoteAddr),
		)
	)

	if requestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			logger.ErrorCtx(ctx, "cannot generate request id", log.Error(err))
		}

		requestID = id.String()
	}
	r2.Header.Set("x-request-id", requestID)
	ww.Header().Set("x-request-id", requestID)
	logger = logger.With(log.String("http_request_id", requestID))

	// The span is a child of the caller's trace when the request
	// carries one; the tracer provider decides sampling.
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r2.Header))

	ctx, span := hw.tracer.Start(
		ctx,
		fmt.Sprintf("%s %s", r2.Method, r2.URL.Path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.NetworkPeerAddress(r2.URL.Host),
			semconv.NetworkPeerPort(atoi(r2.URL.Port())),
			semconv.URLScheme(r2.URL.Scheme),
			attribute.String("http.method", r2.Method),
			otelutils.String("http.url", r2.URL.String()),
			otelutils.String("http.target", r2.URL.Path),
			attribute.String("http.host", r2.Host),
			attribute.String("http.flavor", r2.Proto),
			attribute.String("http.client_ip", r2.RemoteAddr),
			otelutils.String("http.user_agent", r2.UserAgent()),
			attribute.String("http.request_id", requestID),
		),
	)
	defer span.End()

	// chi fills the route context while routing; the pattern labels
	// the metrics once the handler returns.
	routeCtx := chi.NewRouteContext()
	ctx = context.WithValue(ctx, chi.RouteCtxKey, routeCtx)

	defer func() {
		duration := time.Since(start)
		rvr := recover()
		if rvr != nil {
			if err, ok := rvr.(error); ok {
				otelutils.RecordError(span, err)
			} else {
				span.SetStatus(codes.Error, fmt.Sprintf("%v", rvr))
			}

			stack := make([]byte, 4096)
			length := runtime.Stack(stack, false)

			logger = logger.With(
				log.Any("error", rvr),
				log.String("stacktrace", string(stack[:length])),
			)

			if ww.Status() == 0 {
				ww.Header().Set("content-type", "application/json; charset=utf-8")
				ww.WriteHeader(http.StatusInternalServerError)
				if err := json.NewEncoder(ww).Encode(internalErrorResponse); err != nil {
					logger.ErrorCtx(ctx, "cannot write internal error", log.Error(err))
				}
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		path := routeCtx.RoutePattern()
		if path == "" {
			path = "unmatched"
		}

		labels := prometheus.Labels{
			"method":      r2.Method,
			"host":        r2.Host,
			"flavor":      r2.Proto,
			"status_code": strconv.Itoa(status),
			"path":        path,
		}

		hw.requestsTotal.With(labels).Inc()
		hw.requestDuration.With(labels).Observe(duration.Seconds())
		hw.requestSize.With(labels).Observe(estimateRequestSize(r))
		hw.responseSize.With(labels).Observe(float64(ww.BytesWritten()))

		span.SetAttributes(attribute.Int("http.status_code", status))
		if status > 499 && rvr == nil {
			span.SetStatus(codes.Error, fmt.Sprintf("%d status code", status))
		}

		msg := fmt.Sprintf(
			"%s %s %d %s %s",
			r2.Method,
			r2.URL.Path,
			status,
			formatSize(ww.BytesWritten()),
			duration,
		)

		logger = logger.With(
			log.Int("http_response_size", ww.BytesWritten()),
			log.Int("http_response_status", status),
		)

		switch {
		case status > 499 || rvr != nil:
			logger.ErrorCtx(ctx, msg)
		case status == http.StatusTooManyRequests:
			logger.WarnCtx(ctx, msg)
		default:
			logger.InfoCtx(ctx, msg)
		}
	}()

	hw.next.ServeHTTP(ww, r2.WithContext(ctx))
}

func (hw *handlerWrapper) serveHealth(w http.ResponseWriter, r *http.Request) {
	if hw.healthCheck != nil {
		if err := hw.healthCheck(r.Context()); err != nil {
			hw.logger.WarnCtx(r.Context(), "health check failed", log.Error(err))
			RenderError(w, http.StatusServiceUnavailable, err)
			return
		}
	}

	RenderJSON(w, http.StatusOK, struct{}{})
}

func formatSize(n int) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%dB", n)
	case n < 1_000_000:
		return fmt.Sprintf("%.1fkB", float64(n)/1e3)
	case n < 1_000_000_000:
		return fmt.Sprintf("%.1fMB", float64(n)/1e6)
	default:
		return fmt.Sprintf("%.1fGB", float64(n)/1e9)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}

	return v
}

func estimateRequestSize(r *http.Request) float64 {
	s := len(r.Method) + len(r.Proto) + len(r.Host)
	if r.URL != nil {
		s += len(r.URL.Path)
	}

	for name, values := range r.Header {
		s += len(name)
		for _, value := range values {
			s += len(value)
		}
	}

	if r.ContentLength > 0 {
		s += int(r.ContentLength)
	}

	return float64(s)
}
