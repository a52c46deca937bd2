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
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

type (
	userIDKey struct{}

	httpRequest struct {
		r                 *http.Request
		trustProxyHeaders bool
	}

	httpResponse struct {
		w middleware.WrapResponseWriter
	}
)

var (
	_ Request  = (*httpRequest)(nil)
	_ Response = (*httpResponse)(nil)
)

// ContextWithUserID returns a copy of ctx carrying the id of the
// authenticated user. The default key generator reads it back to key
// requests per user.
func ContextWithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey{}, id)
}

// UserIDFromContext returns the user id stored by ContextWithUserID,
// or "" when there is none.
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// NewHTTPRequest adapts r to Request. When trustProxyHeaders is set
// the client address is read from X-Forwarded-For or X-Real-IP.
func NewHTTPRequest(r *http.Request, trustProxyHeaders bool) Request {
	return &httpRequest{r: r, trustProxyHeaders: trustProxyHeaders}
}

// Handler returns a net/http middleware enforcing m.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			ww, ok := w.(middleware.WrapResponseWriter)
			if !ok {
				ww = middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			}

			m.Handle(
				r.Context(),
				NewHTTPRequest(r, m.trustProxyHeaders),
				&httpResponse{w: ww},
				func() { next.ServeHTTP(ww, r) },
			)
		},
	)
}

func (r *httpRequest) ClientAddr() string {
	if r.trustProxyHeaders {
		if xff := r.r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}

		if ip := strings.TrimSpace(r.r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.r.RemoteAddr)
	if err != nil {
		return r.r.RemoteAddr
	}

	return host
}

func (r *httpRequest) UserID() string {
	return UserIDFromContext(r.r.Context())
}

func (r *httpRequest) UserAgent() string {
	return r.r.UserAgent()
}

func (r *httpResponse) SetHeader(name, value string) {
	r.w.Header().Set(name, value)
}

func (r *httpResponse) SendJSON(status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cannot encode response: %w", err)
	}

	r.w.Header().Set("Content-Type", "application/json; charset=utf-8")
	r.w.WriteHeader(status)
	if _, err := r.w.Write(data); err != nil {
		return fmt.Errorf("cannot write response: %w", err)
	}

	return nil
}

func (r *httpResponse) Status() int {
	return r.w.Status()
}
