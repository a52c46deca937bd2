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

package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/ratelimit"
	"go.opentelemetry.io/otel/trace/noop"
)

func newTestRouter(t *testing.T, cfg ratelimit.Config, adminToken string) http.Handler {
	t.Helper()

	return newTestRouterWithTrust(t, cfg, adminToken, true)
}

func newTestRouterWithTrust(t *testing.T, cfg ratelimit.Config, adminToken string, trustProxyHeaders bool) http.Handler {
	t.Helper()

	mw, err := ratelimit.New(cfg, ratelimit.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	rt := &router{
		middleware:        mw,
		trustProxyHeaders: trustProxyHeaders,
		userHeader:        "X-User-ID",
		adminToken:        adminToken,
		logger:            log.NewLogger(log.WithOutput(io.Discard)),
	}

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "upstream "+r.URL.Path)
	})

	return rt.handler(upstream)
}

func do(h http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestLimitConfig_RateLimitConfig(t *testing.T) {
	t.Run("preset with overrides", func(t *testing.T) {
		cfg, err := LimitConfig{
			Preset:         "API",
			MaxRequests:    120,
			Algorithm:      "token-bucket",
			DisableHeaders: true,
			Message:        "slow down",
		}.RateLimitConfig()
		require.NoError(t, err)

		assert.Equal(t, time.Minute, cfg.Window)
		assert.Equal(t, 120, cfg.MaxRequests)
		assert.Equal(t, ratelimit.TokenBucketAlgorithm, cfg.Algorithm)
		assert.False(t, cfg.StandardHeaders)
		assert.False(t, cfg.LegacyHeaders)
		assert.Equal(t, "slow down", cfg.Message)
	})

	t.Run("without preset", func(t *testing.T) {
		cfg, err := LimitConfig{Window: 30, MaxRequests: 3}.RateLimitConfig()
		require.NoError(t, err)

		assert.Equal(t, 30*time.Second, cfg.Window)
		assert.Equal(t, 3, cfg.MaxRequests)
		assert.False(t, cfg.LegacyHeaders)
	})

	t.Run("unknown preset", func(t *testing.T) {
		_, err := LimitConfig{Preset: "lenient"}.RateLimitConfig()
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		_, err := LimitConfig{Preset: "strict", Algorithm: "leaky-bucket"}.RateLimitConfig()
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("incomplete", func(t *testing.T) {
		_, err := LimitConfig{MaxRequests: 3}.RateLimitConfig()
		assert.ErrorIs(t, err, ratelimit.ErrInvalidConfig)
	})
}

func TestConfig_Validate(t *testing.T) {
	cfg := defaultConfig()
	assert.NoError(t, cfg.validate())

	cfg.Upstream = "ftp://files.example.com"
	assert.ErrorIs(t, cfg.validate(), ErrInvalidConfig)

	cfg = defaultConfig()
	cfg.Store.Backend = "etcd"
	assert.ErrorIs(t, cfg.validate(), ErrInvalidConfig)

	t.Run("token bucket needs the memory backend", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Limit.Algorithm = string(ratelimit.TokenBucketAlgorithm)

		cfg.Store.Backend = MemoryBackend
		assert.NoError(t, cfg.validate())

		for _, backend := range []string{PGBackend, RedisBackend} {
			cfg.Store.Backend = backend
			assert.ErrorIs(t, cfg.validate(), ErrInvalidConfig, backend)
		}
	})

	t.Run("user header needs trusted proxy headers", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.UserHeader = "X-User-ID"
		assert.ErrorIs(t, cfg.validate(), ErrInvalidConfig)

		cfg.TrustProxyHeaders = true
		assert.NoError(t, cfg.validate())
	})
}

func TestService_GetConfiguration(t *testing.T) {
	s := New()

	cfg, ok := s.GetConfiguration().(*Config)
	require.True(t, ok)

	cfg.Addr = ":9999"
	assert.Equal(t, ":9999", s.config.Addr)
}

func TestRouter_Proxy(t *testing.T) {
	h := newTestRouter(t, ratelimit.Config{Window: time.Minute, MaxRequests: 2, LegacyHeaders: true}, "")

	for i := 0; i < 2; i++ {
		rec := do(h, http.MethodGet, "/orders", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "upstream /orders", rec.Body.String())
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := do(h, http.MethodPost, "/orders", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body ratelimit.RejectionBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Limit)
}

func TestRouter_UserHeader(t *testing.T) {
	h := newTestRouter(t, ratelimit.Config{Window: time.Minute, MaxRequests: 1}, "")

	alice := http.Header{"X-User-Id": {"alice"}}
	bob := http.Header{"X-User-Id": {"bob"}}

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/", alice).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(h, http.MethodGet, "/", alice).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/", bob).Code)
}

func TestRouter_UntrustedUserHeader(t *testing.T) {
	h := newTestRouterWithTrust(t, ratelimit.Config{Window: time.Minute, MaxRequests: 1}, "", false)

	admitted := 0
	for i := 0; i < 20; i++ {
		header := http.Header{"X-User-Id": {fmt.Sprintf("u%d", i)}}
		if do(h, http.MethodGet, "/", header).Code == http.StatusOK {
			admitted++
		}
	}

	assert.Equal(t, 1, admitted, "a rotating user header does not raise the limit")
}

func TestRouter_Info(t *testing.T) {
	h := newTestRouter(t, ratelimit.Config{Window: time.Minute, MaxRequests: 5}, "")

	do(h, http.MethodGet, "/a", nil)
	do(h, http.MethodGet, "/b", nil)

	for i := 0; i < 2; i++ {
		rec := do(h, http.MethodGet, "/_throttle/info", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var info InfoResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
		assert.Equal(t, "192.0.2.1:anonymous", info.Key)
		assert.Equal(t, 5, info.Limit)
		assert.Equal(t, 3, info.Remaining)
		assert.Zero(t, info.RetryAfter)
	}
}

func TestRouter_ResetKey(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		h := newTestRouter(t, ratelimit.Config{Window: time.Minute, MaxRequests: 1}, "")

		rec := do(h, http.MethodDelete, "/_throttle/keys/192.0.2.1:anonymous", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		h := newTestRouter(t, ratelimit.Config{Window: time.Minute, MaxRequests: 1}, "s3cret")

		rec := do(h, http.MethodDelete, "/_throttle/keys/192.0.2.1:anonymous", http.Header{"X-Admin-Token": {"guess"}})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("reset", func(t *testing.T) {
		h := newTestRouter(t, ratelimit.Config{Window: time.Minute, MaxRequests: 1}, "s3cret")

		require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/", nil).Code)
		require.Equal(t, http.StatusTooManyRequests, do(h, http.MethodGet, "/", nil).Code)

		rec := do(h, http.MethodDelete, "/_throttle/keys/192.0.2.1:anonymous", http.Header{"Authorization": {"Bearer s3cret"}})
		require.Equal(t, http.StatusNoContent, rec.Code)

		assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/", nil).Code)
	})
}

func TestNewUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		_, _ = io.WriteString(w, r.URL.Path)
	}))

	cfg := defaultConfig()
	cfg.Upstream = server.URL

	upstream, err := newUpstream(cfg, log.NewLogger(log.WithOutput(io.Discard)), noop.NewTracerProvider(), prometheus.NewRegistry())
	require.NoError(t, err)

	rec := do(upstream, http.MethodGet, "/v1/items", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Equal(t, "/v1/items", rec.Body.String())

	server.Close()

	rec = do(upstream, http.MethodGet, "/v1/items", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "upstream unavailable")
}
