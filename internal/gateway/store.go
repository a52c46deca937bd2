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
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/httpserver"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/pg"
	"go.gearno.de/throttle/pgstore"
	"go.gearno.de/throttle/ratelimit"
	"go.gearno.de/throttle/redisstore"
	"go.opentelemetry.io/otel/trace"
)

type (
	// backend is an opened counter store with the means to check and
	// release it.
	backend struct {
		store       ratelimit.Store
		healthCheck httpserver.HealthCheck
		close       func()
	}
)

// openBackend opens the counter store selected by cfg. The memory
// backend returns a nil store so the middleware builds its own.
func openBackend(
	ctx context.Context,
	cfg StoreConfig,
	window time.Duration,
	logger *log.Logger,
	tp trace.TracerProvider,
	registerer prometheus.Registerer,
) (*backend, error) {
	cleanupInterval := time.Duration(cfg.CleanupInterval) * time.Second

	switch cfg.Backend {
	case MemoryBackend:
		return &backend{
			healthCheck: func(context.Context) error { return nil },
			close:       func() {},
		}, nil

	case PGBackend:
		options := []pg.Option{
			pg.WithLogger(logger),
			pg.WithTracerProvider(tp),
			pg.WithRegisterer(registerer),
			pg.WithAddr(cfg.PG.Addr),
			pg.WithUser(cfg.PG.User),
			pg.WithPassword(cfg.PG.Password),
			pg.WithDatabase(cfg.PG.Database),
			pg.WithPoolSize(cfg.PG.PoolSize),
		}

		if cfg.PG.CAFile != "" {
			certs, err := loadCertificates(cfg.PG.CAFile)
			if err != nil {
				return nil, err
			}

			options = append(options, pg.WithTLS(certs))
		}

		client, err := pg.NewClient(options...)
		if err != nil {
			return nil, fmt.Errorf("cannot create pg client: %w", err)
		}

		store, err := pgstore.NewStore(
			client,
			window,
			pgstore.WithLogger(logger),
			pgstore.WithTracerProvider(tp),
			pgstore.WithCleanupInterval(cleanupInterval),
		)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("cannot create pg store: %w", err)
		}

		if err := store.Migrate(ctx); err != nil {
			client.Close()
			return nil, err
		}

		return &backend{
			store:       store,
			healthCheck: client.Ping,
			close:       client.Close,
		}, nil

	case RedisBackend:
		client, err := redisstore.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}

		options := []redisstore.Option{
			redisstore.WithLogger(logger),
			redisstore.WithTracerProvider(tp),
		}
		if cfg.Redis.Prefix != "" {
			options = append(options, redisstore.WithPrefix(cfg.Redis.Prefix))
		}

		store, err := redisstore.NewStore(client, window, options...)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("cannot create redis store: %w", err)
		}

		return &backend{
			store:       store,
			healthCheck: store.Ping,
			close: func() {
				if err := client.Close(); err != nil {
					logger.Error("cannot close redis client", log.Error(err))
				}
			},
		}, nil
	}

	return nil, fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, cfg.Backend)
}

func loadCertificates(filename string) ([]*x509.Certificate, error) {
	blob, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("cannot read ca file: %w", err)
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, blob = pem.Decode(blob)
		if block == nil {
			break
		}

		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("cannot parse ca certificate: %w", err)
		}

		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, errors.New("cannot find any certificate in ca file")
	}

	return certs, nil
}
