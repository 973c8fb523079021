// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/config"
	"github.com/warden-auth/warden/internal/ephemeral"
	"github.com/warden-auth/warden/internal/observability"
	"github.com/warden-auth/warden/internal/passkey"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// StoreFactory opens the account store and returns a function that
	// releases it.
	// Default: openStore (PostgreSQL when database.url is set, otherwise memory)
	StoreFactory func(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (auth.Store, func(), error)

	// MigratorFactory opens a Migrator for automatic migration on start.
	// Default: store.NewMigrator
	MigratorFactory MigratorFactory

	// EphemeralFactory opens the store for challenges, states and pending
	// enrollments.
	// Default: openEphemeral
	EphemeralFactory func(ctx context.Context, cfg config.EphemeralConfig) (EphemeralStore, error)

	// RelyingPartyFactory creates the WebAuthn relying party.
	// Default: passkey.NewWebAuthnRelyingParty
	RelyingPartyFactory func(cfg passkey.WebAuthnConfig) (passkey.RelyingParty, error)

	// MailerFactory creates the transactional mailer.
	// Default: auth.NewLogMailer
	MailerFactory func(logger *slog.Logger) auth.Mailer

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer

	// LogWriter receives log output.
	// Default: os.Stderr
	LogWriter io.Writer

	// Ready is called once every listener is bound. Tests use it to find
	// the HTTP address.
	Ready func(httpAddr string)
}

// EphemeralStore is an ephemeral.Store that holds resources.
type EphemeralStore interface {
	ephemeral.Store
	Close() error
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Registry() prometheus.Registerer
	Metrics() *observability.Metrics
}
