// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package auth

import (
	"context"
	"log/slog"
)

// MessageKind identifies which transactional message is being sent.
type MessageKind string

// Message kinds.
const (
	MessageEmailVerification MessageKind = "email_verification"
	MessagePasswordReset     MessageKind = "password_reset"
)

// Message is a transactional email.
type Message struct {
	Kind MessageKind
	To   string

	// Secret is the code or link token the recipient must present.
	Secret string
}

// Mailer delivers transactional messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the structured log instead of sending them.
// It is the development default.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Send implements Mailer.
func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.logger.InfoContext(ctx, "outgoing message",
		"kind", string(msg.Kind),
		"to", msg.To,
		"secret", msg.Secret)
	return nil
}
