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
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type (
	metrics struct {
		requestsTotal    *prometheus.CounterVec
		checkDuration    *prometheus.HistogramVec
		storeErrorsTotal *prometheus.CounterVec
		evictionsTotal   *prometheus.CounterVec
	}
)

func newMetrics(r prometheus.Registerer) *metrics {
	return &metrics{
		requestsTotal: registerCollector(
			r,
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Subsystem: "ratelimit",
					Name:      "requests_total",
					Help:      "Total number of admission checks.",
				},
				[]string{"algorithm", "allowed"},
			),
		),
		checkDuration: registerCollector(
			r,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "ratelimit",
					Name:      "check_duration_seconds",
					Help:      "Duration of admission checks in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"algorithm"},
			),
		),
		storeErrorsTotal: registerCollector(
			r,
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Subsystem: "ratelimit",
					Name:      "store_errors_total",
					Help:      "Total number of failed store operations.",
				},
				[]string{"operation"},
			),
		),
		evictionsTotal: registerCollector(
			r,
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Subsystem: "ratelimit",
					Name:      "evictions_total",
					Help:      "Total number of counters and buckets removed by sweeps or caps.",
				},
				[]string{"reason"},
			),
		),
	}
}

// registerCollector registers c, or returns the collector already
// registered under the same descriptor so several limiters can share
// one registry.
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

func (m *metrics) observe(algorithm string, allowed bool, duration time.Duration) {
	m.requestsTotal.WithLabelValues(algorithm, strconv.FormatBool(allowed)).Inc()
	m.checkDuration.WithLabelValues(algorithm).Observe(duration.Seconds())
}
