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
	"strings"
	"time"
)

var (
	// Strict admits 10 requests per minute.
	Strict = Config{Window: time.Minute, MaxRequests: 10, StandardHeaders: true, LegacyHeaders: true}

	// Standard admits 100 requests per 15 minutes.
	Standard = Config{Window: 15 * time.Minute, MaxRequests: 100, StandardHeaders: true, LegacyHeaders: true}

	// Loose admits 1000 requests per 15 minutes.
	Loose = Config{Window: 15 * time.Minute, MaxRequests: 1000, StandardHeaders: true, LegacyHeaders: true}

	// API admits 60 requests per minute.
	API = Config{Window: time.Minute, MaxRequests: 60, StandardHeaders: true, LegacyHeaders: true}

	// Auth admits 5 requests per 15 minutes, for login and similar
	// endpoints.
	Auth = Config{Window: 15 * time.Minute, MaxRequests: 5, StandardHeaders: true, LegacyHeaders: true}

	Presets = map[string]Config{
		"strict":   Strict,
		"standard": Standard,
		"loose":    Loose,
		"api":      API,
		"auth":     Auth,
	}
)

// Preset returns the preset named name, case insensitive.
func Preset(name string) (Config, bool) {
	cfg, ok := Presets[strings.ToLower(strings.TrimSpace(name))]
	return cfg, ok
}
