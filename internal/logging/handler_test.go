// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "not JSON: %s", buf.String())
	return entry
}

func TestSetup_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Setup("warden", "1.2.0", "json", &buf).Info("signed in")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "signed in", entry["msg"])
	assert.Equal(t, "warden", entry["service"])
	assert.Equal(t, "1.2.0", entry["version"])
	assert.Contains(t, entry, "time")
	assert.Contains(t, entry, "level")
}

func TestSetup_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	Setup("warden", "1.2.0", "text", &buf).Info("signed in")

	assert.Contains(t, buf.String(), "signed in")
	assert.Contains(t, buf.String(), "service=warden")
}

func TestSetup_DefaultsToJSON(t *testing.T) {
	var buf bytes.Buffer
	Setup("warden", "dev", "", &buf).Debug("debug is enabled")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "DEBUG", entry["level"])
}

func TestHandler_RequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("warden", "dev", "json", &buf)

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "host/abc-000001")
	logger.WarnContext(ctx, "request refused")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "host/abc-000001", entry["request_id"])
}

func TestHandler_TraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("warden", "dev", "json", &buf)

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	logger.InfoContext(ctx, "traced")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entry["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", entry["span_id"])
}

func TestHandler_NoCorrelation(t *testing.T) {
	var buf bytes.Buffer
	Setup("warden", "dev", "json", &buf).Info("background job")

	entry := decodeEntry(t, &buf)
	assert.NotContains(t, entry, "request_id")
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
}

func TestHandler_WithAttrsKeepsDecoration(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup("warden", "dev", "json", &buf).With("component", "web").WithGroup("req")

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "id-7")
	logger.InfoContext(ctx, "handled", "path", "/api/login")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "web", entry["component"])
	assert.Contains(t, entry, "req")
	assert.Equal(t, "warden", entry["req"].(map[string]any)["service"])
}
