// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package ratelimit

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/warden-auth/warden/internal/observability"
)

// KeyMode selects how requests are grouped into buckets.
type KeyMode string

// Key modes.
const (
	KeyGlobal     KeyMode = "global"
	KeyRemoteAddr KeyMode = "remote_addr"
)

// RejectedBody is written with every 429 response.
const RejectedBody = "too many requests\n"

// KeyFunc returns the bucket key extractor for mode.
func KeyFunc(mode KeyMode) (func(*http.Request) string, error) {
	switch mode {
	case KeyGlobal, "":
		return func(*http.Request) string { return "global" }, nil
	case KeyRemoteAddr:
		return remoteHost, nil
	default:
		return nil, oops.Code("RATELIMIT_CONFIG_INVALID").
			With("key_by", string(mode)).
			Errorf("unknown rate limit key mode %q", mode)
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests whose bucket is empty with 429 before any
// downstream handler runs.
func Middleware(l *Limiter, keyOf func(*http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			kind := KindForMethod(r.Method)
			key := keyOf(r)
			allowed, retryIn := l.Allow(kind, key)
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(
				attribute.Bool("http.rate_limited", true),
				attribute.Int64("http.rate_limit_retry_ms", retryIn.Milliseconds()),
			)
			observability.RecordRateLimited(string(kind))
			logger.DebugContext(ctx, "request rate limited",
				"kind", string(kind),
				"key", key,
				"path", r.URL.Path,
				"retry_in", retryIn)

			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			//nolint:errcheck // client may have gone away
			w.Write([]byte(RejectedBody))
		})
	}
}
