// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-auth/warden/pkg/errutil"
)

type flakyPinger struct {
	failures int
	calls    int
}

func (p *flakyPinger) Ping(context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.New("connection refused")
	}
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWaitForDatabase(t *testing.T) {
	cfg := PoolConfig{ConnectAttempts: 3, ConnectBackoff: time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		p := &flakyPinger{failures: 2}
		require.NoError(t, waitForDatabase(context.Background(), p, cfg, quietLogger()))
		assert.Equal(t, 3, p.calls)
	})

	t.Run("gives up after the attempt budget", func(t *testing.T) {
		p := &flakyPinger{failures: 10}
		err := waitForDatabase(context.Background(), p, cfg, quietLogger())
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "DB_CONNECT_FAILED")
		assert.Equal(t, 3, p.calls)
	})

	t.Run("zero attempts still tries once", func(t *testing.T) {
		p := &flakyPinger{}
		require.NoError(t, waitForDatabase(context.Background(), p, PoolConfig{}, quietLogger()))
		assert.Equal(t, 1, p.calls)
	})
}

func TestOpen_InvalidDSN(t *testing.T) {
	_, err := Open(context.Background(), DefaultPoolConfig("postgres://localhost:notaport/warden"), quietLogger())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "DB_CONFIG_INVALID")
}
