// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-auth/warden/internal/store"
	"github.com/warden-auth/warden/pkg/errutil"
)

// fakeMigrator records calls made by the migrate commands.
type fakeMigrator struct {
	calls    []string
	status   store.Status
	err      error
	closed   bool
	closeErr error
}

func (m *fakeMigrator) Up() error {
	m.calls = append(m.calls, "up")
	return m.err
}

func (m *fakeMigrator) Down() error {
	m.calls = append(m.calls, "down")
	return m.err
}

func (m *fakeMigrator) Steps(n int) error {
	m.calls = append(m.calls, fmt.Sprintf("steps %d", n))
	return m.err
}

func (m *fakeMigrator) Force(version int) error {
	m.calls = append(m.calls, fmt.Sprintf("force %d", version))
	return m.err
}

func (m *fakeMigrator) Status() (store.Status, error) {
	m.calls = append(m.calls, "status")
	return m.status, m.err
}

func (m *fakeMigrator) Close() error {
	m.closed = true
	return m.closeErr
}

func runMigrate(t *testing.T, m *fakeMigrator, args ...string) (string, string, error) {
	t.Helper()
	configFile = ""

	var gotURL string
	cmd := newMigrateCmd(func(url string) (Migrator, error) {
		gotURL = url
		return m, nil
	})
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), gotURL, err
}

func TestMigrateCommands(t *testing.T) {
	const url = "postgres://warden@localhost/warden"

	tests := []struct {
		name      string
		args      []string
		wantCalls []string
		wantOut   string
	}{
		{"up", []string{"up"}, []string{"up"}, "Migrations completed successfully"},
		{"down one", []string{"down"}, []string{"steps -1"}, "Rolling back 1 migration(s)"},
		{"down steps", []string{"down", "--steps", "2"}, []string{"steps -2"}, "Rollback completed successfully"},
		{"down all", []string{"down", "--all"}, []string{"down"}, "Rolling back all migrations"},
		{"force", []string{"force", "2"}, []string{"force 2"}, "Forced schema version to 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WARDEN_DATABASE__URL", url)
			m := &fakeMigrator{}

			out, gotURL, err := runMigrate(t, m, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, url, gotURL)
			assert.Equal(t, tt.wantCalls, m.calls)
			assert.Contains(t, out, tt.wantOut)
			assert.True(t, m.closed)
		})
	}
}

func TestMigrateStatus(t *testing.T) {
	t.Setenv("WARDEN_DATABASE__URL", "postgres://warden@localhost/warden")
	m := &fakeMigrator{status: store.Status{Version: 1, Dirty: true, Applied: []uint{1}, Pending: []uint{2, 3}}}

	out, _, err := runMigrate(t, m, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Schema version: 1 (dirty)")
	assert.Contains(t, out, "[applied] 000001_users_sessions")
	assert.Contains(t, out, "[pending] 000002_two_factor")
	assert.Contains(t, out, "[pending] 000003_oauth_resets")
	assert.Contains(t, out, "migrate force")
}

func TestMigrateErrors(t *testing.T) {
	t.Run("no database url", func(t *testing.T) {
		t.Setenv("WARDEN_DATABASE__URL", "")
		m := &fakeMigrator{}
		_, _, err := runMigrate(t, m, "up")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
		assert.Empty(t, m.calls)
	})

	t.Run("migration failure closes the migrator", func(t *testing.T) {
		t.Setenv("WARDEN_DATABASE__URL", "postgres://warden@localhost/warden")
		m := &fakeMigrator{err: fmt.Errorf("dirty database")}
		_, _, err := runMigrate(t, m, "up")
		require.Error(t, err)
		assert.True(t, m.closed)
	})

	t.Run("invalid steps", func(t *testing.T) {
		t.Setenv("WARDEN_DATABASE__URL", "postgres://warden@localhost/warden")
		m := &fakeMigrator{}
		_, _, err := runMigrate(t, m, "down", "--steps", "0")
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "INVALID_STEPS")
		assert.Empty(t, m.calls)
	})

	t.Run("factory error", func(t *testing.T) {
		t.Setenv("WARDEN_DATABASE__URL", "postgres://warden@localhost/warden")
		configFile = ""
		cmd := newMigrateCmd(func(string) (Migrator, error) {
			return nil, fmt.Errorf("connection refused")
		})
		cmd.SetOut(new(bytes.Buffer))
		cmd.SetErr(new(bytes.Buffer))
		cmd.SetArgs([]string{"status"})

		err := cmd.Execute()
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "MIGRATION_INIT_FAILED")
	})
}

func TestParseForceVersion(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantVersion int
		wantErr     bool
	}{
		{name: "valid integer", input: "3", wantVersion: 3},
		{name: "zero is valid", input: "0", wantVersion: 0},
		{name: "leading whitespace is handled", input: "  42", wantVersion: 42},
		{name: "trailing chars are ignored", input: "3abc", wantVersion: 3},
		{name: "negative is rejected", input: "-1", wantErr: true},
		{name: "non-numeric", input: "abc", wantErr: true},
		{name: "empty string", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, err := parseForceVersion(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				errutil.AssertErrorCode(t, err, "INVALID_VERSION")
				assert.Equal(t, 0, version)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, version)
		})
	}
}
