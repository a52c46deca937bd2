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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserIDContext(t *testing.T) {
	ctx := t.Context()
	assert.Equal(t, "", UserIDFromContext(ctx))

	ctx = ContextWithUserID(ctx, "user_42")
	assert.Equal(t, "user_42", UserIDFromContext(ctx))
}

func TestHTTPRequest_ClientAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	r.Header.Set("X-Real-IP", "203.0.113.8")

	assert.Equal(t, "192.0.2.1", NewHTTPRequest(r, false).ClientAddr())
	assert.Equal(t, "203.0.113.7", NewHTTPRequest(r, true).ClientAddr())

	r.Header.Del("X-Forwarded-For")
	assert.Equal(t, "203.0.113.8", NewHTTPRequest(r, true).ClientAddr())

	r.Header.Del("X-Real-IP")
	assert.Equal(t, "192.0.2.1", NewHTTPRequest(r, true).ClientAddr())

	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", NewHTTPRequest(r, false).ClientAddr())
}

func TestMiddleware_Handler(t *testing.T) {
	m, err := New(
		Config{Window: time.Minute, MaxRequests: 2, LegacyHeaders: true},
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	calls := 0
	h := m.Handler(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(http.StatusNoContent)
			},
		),
	)

	do := func(user string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "192.0.2.1:1234"
		if user != "" {
			r = r.WithContext(ContextWithUserID(r.Context(), user))
		}

		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	first := do("")
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusNoContent, do("").Code)

	rejected := do("")
	assert.Equal(t, http.StatusTooManyRequests, rejected.Code)
	assert.Equal(t, "application/json; charset=utf-8", rejected.Header().Get("Content-Type"))
	assert.NotEmpty(t, rejected.Header().Get("Retry-After"))

	var body RejectionBody
	require.NoError(t, json.NewDecoder(rejected.Body).Decode(&body))
	assert.Greater(t, body.RetryAfter, 0)
	assert.Equal(t, 2, body.Limit)

	assert.Equal(t, http.StatusNoContent, do("user_42").Code, "authenticated users get their own key")
	assert.Equal(t, 3, calls)
}

func TestMiddleware_HandlerSkipFailed(t *testing.T) {
	m, err := New(
		Config{Window: time.Minute, MaxRequests: 1, SkipFailedRequests: true},
		WithRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)

	status := http.StatusNotFound
	h := m.Handler(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			},
		),
	)

	do := func() int {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		return w.Code
	}

	assert.Equal(t, http.StatusNotFound, do())
	assert.Equal(t, http.StatusNotFound, do())

	status = http.StatusOK
	assert.Equal(t, http.StatusOK, do())
	assert.Equal(t, http.StatusTooManyRequests, do())
}
