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
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.gearno.de/throttle/ratelimit"
)

type (
	// Config is the "throttled" section of the configuration file.
	// Every field can be overridden by a THROTTLED_* variable.
	Config struct {
		Addr     string `json:"addr" env:"ADDR"`
		Upstream string `json:"upstream" env:"UPSTREAM"`

		// UpstreamTimeout bounds a proxied exchange, in seconds.
		UpstreamTimeout int `json:"upstream-timeout" env:"UPSTREAM_TIMEOUT"`

		// UpstreamMaxIdleConns is the number of idle connections kept
		// to the upstream.
		UpstreamMaxIdleConns int `json:"upstream-max-idle-conns" env:"UPSTREAM_MAX_IDLE_CONNS"`

		// AdminToken protects the key reset endpoint. Empty disables
		// it.
		AdminToken string `json:"admin-token" env:"ADMIN_TOKEN"`

		// UserHeader names the header carrying the authenticated user
		// id, set by an upstream authentication proxy. It is only
		// honoured when TrustProxyHeaders is set.
		UserHeader string `json:"user-header" env:"USER_HEADER"`

		TrustProxyHeaders bool `json:"trust-proxy-headers" env:"TRUST_PROXY_HEADERS"`

		Limit LimitConfig `json:"limit" envPrefix:"LIMIT_"`
		Store StoreConfig `json:"store" envPrefix:"STORE_"`
	}

	// LimitConfig starts from Preset and applies every non zero
	// field on top of it.
	LimitConfig struct {
		Preset                 string `json:"preset" env:"PRESET"`
		Algorithm              string `json:"algorithm" env:"ALGORITHM"`
		Window                 int    `json:"window" env:"WINDOW"`
		MaxRequests            int    `json:"max-requests" env:"MAX_REQUESTS"`
		SkipSuccessfulRequests bool   `json:"skip-successful-requests" env:"SKIP_SUCCESSFUL_REQUESTS"`
		SkipFailedRequests     bool   `json:"skip-failed-requests" env:"SKIP_FAILED_REQUESTS"`
		DisableHeaders         bool   `json:"disable-headers" env:"DISABLE_HEADERS"`
		Message                string `json:"message" env:"MESSAGE"`
		MaxBuckets             int    `json:"max-buckets" env:"MAX_BUCKETS"`

		// StoreTimeout bounds a store call, in milliseconds.
		StoreTimeout int `json:"store-timeout" env:"STORE_TIMEOUT"`
	}

	StoreConfig struct {
		Backend string `json:"backend" env:"BACKEND"`

		// CleanupInterval is the sweep period of expired counters, in
		// seconds.
		CleanupInterval int `json:"cleanup-interval" env:"CLEANUP_INTERVAL"`

		PG    PGConfig    `json:"pg" envPrefix:"PG_"`
		Redis RedisConfig `json:"redis" envPrefix:"REDIS_"`
	}

	PGConfig struct {
		Addr     string `json:"addr" env:"ADDR"`
		User     string `json:"user" env:"USER"`
		Password string `json:"password" env:"PASSWORD"`
		Database string `json:"database" env:"DATABASE"`
		PoolSize int32  `json:"pool-size" env:"POOL_SIZE"`
		CAFile   string `json:"ca-file" env:"CA_FILE"`
	}

	RedisConfig struct {
		URL    string `json:"url" env:"URL"`
		Prefix string `json:"prefix" env:"PREFIX"`
	}
)

const (
	MemoryBackend = "memory"
	PGBackend     = "pg"
	RedisBackend  = "redis"
)

var (
	ErrInvalidConfig = errors.New("invalid gateway config")
)

func defaultConfig() Config {
	return Config{
		Addr:                 ":8080",
		Upstream:             "http://localhost:3000",
		UpstreamTimeout:      30,
		UpstreamMaxIdleConns: 32,
		Limit: LimitConfig{
			Preset: "standard",
		},
		Store: StoreConfig{
			Backend:         MemoryBackend,
			CleanupInterval: 60,
			PG: PGConfig{
				Addr:     "localhost:5432",
				User:     "postgres",
				Database: "postgres",
				PoolSize: 10,
			},
			Redis: RedisConfig{
				URL: "redis://localhost:6379/0",
			},
		},
	}
}

// RateLimitConfig builds the middleware configuration. The store is
// left nil and set by the caller once the backend is opened.
func (c LimitConfig) RateLimitConfig() (ratelimit.Config, error) {
	var cfg ratelimit.Config

	if c.Preset != "" {
		preset, ok := ratelimit.Preset(c.Preset)
		if !ok {
			return cfg, fmt.Errorf("%w: unknown preset %q", ErrInvalidConfig, c.Preset)
		}

		cfg = preset
	}

	if c.Window > 0 {
		cfg.Window = time.Duration(c.Window) * time.Second
	}

	if c.MaxRequests > 0 {
		cfg.MaxRequests = c.MaxRequests
	}

	switch algorithm := ratelimit.Algorithm(c.Algorithm); algorithm {
	case "":
	case ratelimit.SlidingWindowAlgorithm, ratelimit.TokenBucketAlgorithm:
		cfg.Algorithm = algorithm
	default:
		return cfg, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, c.Algorithm)
	}

	cfg.SkipSuccessfulRequests = cfg.SkipSuccessfulRequests || c.SkipSuccessfulRequests
	cfg.SkipFailedRequests = cfg.SkipFailedRequests || c.SkipFailedRequests

	if c.DisableHeaders {
		cfg.StandardHeaders = false
		cfg.LegacyHeaders = false
	}

	if c.Message != "" {
		cfg.Message = c.Message
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	u, err := url.Parse(c.Upstream)
	if err != nil {
		return fmt.Errorf("%w: cannot parse upstream: %w", ErrInvalidConfig, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: upstream must be an http or https URL, got %q", ErrInvalidConfig, c.Upstream)
	}

	switch c.Store.Backend {
	case MemoryBackend, PGBackend, RedisBackend:
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}

	if ratelimit.Algorithm(c.Limit.Algorithm) == ratelimit.TokenBucketAlgorithm && c.Store.Backend != MemoryBackend {
		return fmt.Errorf("%w: the token bucket keeps its state in memory, store backend %q is not supported", ErrInvalidConfig, c.Store.Backend)
	}

	if c.UserHeader != "" && !c.TrustProxyHeaders {
		return fmt.Errorf("%w: user header %q requires trusted proxy headers", ErrInvalidConfig, c.UserHeader)
	}

	return nil
}
