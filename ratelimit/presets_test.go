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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresets(t *testing.T) {
	cases := map[string]struct {
		window time.Duration
		max    int
	}{
		"strict":   {time.Minute, 10},
		"standard": {15 * time.Minute, 100},
		"loose":    {15 * time.Minute, 1000},
		"api":      {time.Minute, 60},
		"auth":     {15 * time.Minute, 5},
	}

	require.Len(t, Presets, len(cases))

	for name, want := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, ok := Preset(name)
			require.True(t, ok)
			assert.Equal(t, want.window, cfg.Window)
			assert.Equal(t, want.max, cfg.MaxRequests)
			assert.NoError(t, cfg.Validate())
		})
	}

	cfg, ok := Preset(" AUTH ")
	assert.True(t, ok)
	assert.Equal(t, Auth, cfg)

	_, ok = Preset("unknown")
	assert.False(t, ok)
}

func TestPresets_Auth(t *testing.T) {
	cfg := Auth
	cfg.Store = NewMemoryStore(cfg.Window, WithRegisterer(prometheus.NewRegistry()))

	m, err := New(cfg, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	forwarded := 0
	var last *fakeResponse
	for range 6 {
		last = newFakeResponse()
		m.Handle(context.Background(), fakeRequest{addr: "10.0.0.1"}, last, func() { forwarded++ })
	}

	assert.Equal(t, 5, forwarded)
	assert.Equal(t, 429, last.status)

	assert.Nil(t, Auth.Store, "presets are not mutated")
}
