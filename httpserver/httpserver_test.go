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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestServer(t *testing.T, h http.Handler, options ...Option) (*httptest.Server, *bytes.Buffer, *prometheus.Registry) {
	t.Helper()

	var logBuf bytes.Buffer
	registry := prometheus.NewRegistry()

	options = append(
		options,
		WithLogger(log.NewLogger(log.WithOutput(&logBuf))),
		WithRegisterer(registry),
	)

	server := NewServer(":0", h, options...)
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return ts, &logBuf, registry
}

func count(t *testing.T, g prometheus.Gatherer, name string) int {
	t.Helper()

	n, err := testutil.GatherAndCount(g, name)
	require.NoError(t, err)

	return n
}

func TestHTTPServer_BasicOperation(t *testing.T) {
	ts, logBuf, registry := newTestServer(
		t,
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				assert.NotEmpty(t, r.Header.Get("x-request-id"))
				RenderJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			},
		),
	)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/test", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "test-agent")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("x-request-id"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "http_request_method")
	assert.Contains(t, logOutput, "GET /test 200")
	assert.Contains(t, logOutput, "test-agent")

	assert.Equal(t, 1, count(t, registry, "http_server_requests_total"))
}

func TestHTTPServer_RequestID(t *testing.T) {
	ts, _, _ := newTestServer(
		t,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
	)

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set("x-request-id", "req-1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "req-1", resp.Header.Get("x-request-id"))
}

func TestHTTPServer_PanicHandling(t *testing.T) {
	ts, logBuf, _ := newTestServer(
		t,
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				panic("test panic")
			},
		),
	)

	for range 2 {
		resp, err := http.Get(ts.URL + "/panic")
		require.NoError(t, err)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, "internal error", body["error"])
	}

	logOutput := logBuf.String()
	assert.Contains(t, logOutput, "GET /panic 500")
	assert.Contains(t, logOutput, "test panic")
	assert.Contains(t, logOutput, "stacktrace")
}

func TestHTTPServer_Health(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		called := false
		ts, _, _ := newTestServer(
			t,
			http.NotFoundHandler(),
			WithHealthCheck(
				func(context.Context) error {
					called = true
					return nil
				},
			),
		)

		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, called)
	})

	t.Run("unhealthy", func(t *testing.T) {
		ts, _, _ := newTestServer(
			t,
			http.NotFoundHandler(),
			WithHealthCheck(func(context.Context) error { return errors.New("store unreachable") }),
		)

		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "service_unavailable", body["error"])
		assert.Equal(t, "store unreachable", body["message"])
	})
}

func TestHTTPServer_RateLimitedLogLevel(t *testing.T) {
	ts, logBuf, _ := newTestServer(
		t,
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
			},
		),
	)

	resp, err := http.Get(ts.URL + "/limited")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Contains(t, logBuf.String(), `"level":"WARN"`)
}

func TestHTTPServer_Propagation(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(recorder),
	)

	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(previous)

	var requestHeaders http.Header
	ts, _, _ := newTestServer(
		t,
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				requestHeaders = r.Header.Clone()
			},
		),
		WithTracerProvider(tp),
	)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/test", nil)
	require.NoError(t, err)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-0102030405060708-01")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-0102030405060708-01", requestHeaders.Get("traceparent"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", spans[0].SpanContext().TraceID().String())
	assert.Equal(t, "GET /test", spans[0].Name())
}

func TestHTTPServer_Metrics(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 2000)))
	})

	ts, _, registry := newTestServer(t, r)

	for _, path := range []string{"/items/1", "/items/2", "/missing"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	n := count(t, registry, "http_server_requests_total")
	assert.Equal(t, 2, n, "one series per route pattern and status")
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "999B", formatSize(999))
	assert.Equal(t, "1.5kB", formatSize(1500))
	assert.Equal(t, "2.0MB", formatSize(2_000_000))
	assert.Equal(t, "3.0GB", formatSize(3_000_000_000))
}
