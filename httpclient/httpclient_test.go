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

package httpclient

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

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

func TestTelemetryRoundTripper_RequestID(t *testing.T) {
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("x-request-id"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(WithRegisterer(prometheus.NewRegistry()))

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	req.Header.Set("x-request-id", "caller-id")

	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, seen, 2)
	assert.NotEmpty(t, seen[0])
	assert.Equal(t, "caller-id", seen[1])
}

func TestTelemetryRoundTripper_Metrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	var buf bytes.Buffer
	registry := prometheus.NewRegistry()
	client := NewClient(
		WithRegisterer(registry),
		WithLogger(log.NewLogger(log.WithOutput(&buf))),
	)

	resp, err := client.Get(server.URL + "/limited?token=secret")
	require.NoError(t, err)
	resp.Body.Close()

	rt := client.Transport.(*TelemetryRoundTripper)
	host := strings.TrimPrefix(server.URL, "http://")
	assert.Equal(t, 1.0, testutil.ToFloat64(rt.requestsTotal.WithLabelValues("GET", host, "http", "429")))

	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.NotContains(t, buf.String(), "secret")
}

func TestTelemetryRoundTripper_TransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	registry := prometheus.NewRegistry()
	client := NewClient(WithRegisterer(registry))

	_, err := client.Get(url)
	require.Error(t, err)

	n, err := testutil.GatherAndCount(registry, "http_client_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTelemetryRoundTripper_Propagation(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(previous)

	var traceparent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
	}))
	defer server.Close()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	client := NewClient(
		WithRegisterer(prometheus.NewRegistry()),
		WithTracerProvider(tp),
	)

	ctx, parent := tp.Tracer("test").Start(context.Background(), "parent")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	parent.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.True(t, strings.HasPrefix(spans[0].Name(), "GET 127.0.0.1:"))
	assert.Contains(t, traceparent, spans[0].SpanContext().SpanID().String())
}

func TestNewTransport(t *testing.T) {
	rt := NewTransport(
		WithRegisterer(prometheus.NewRegistry()),
		WithMaxIdleConnsPerHost(-1),
		WithResponseHeaderTimeout(3*time.Second),
	)

	transport, ok := rt.next.(*http.Transport)
	require.True(t, ok)
	assert.True(t, transport.DisableKeepAlives)
	assert.Equal(t, 3*time.Second, transport.ResponseHeaderTimeout)

	client := NewClient(WithRegisterer(prometheus.NewRegistry()), WithTimeout(time.Second))
	assert.Equal(t, time.Second, client.Timeout)
}
