// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package ephemeral holds short-lived, single-use values such as WebAuthn
// challenges, OAuth state and pending enrollment secrets.
//
// Values are written once with Put and consumed with Take. Take removes the
// value atomically, so at most one caller ever observes a given value.
package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/samber/oops"
)

// ErrNotFound is returned by Take when the key is absent or expired.
var ErrNotFound = errors.New("ephemeral value not found")

// Store is a TTL-bound key/value store with atomic consume.
type Store interface {
	// Put stores value under key for ttl, replacing any previous value.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Take returns and deletes the value under key. Returns ErrNotFound if
	// the key is absent or expired.
	Take(ctx context.Context, key string) ([]byte, error)

	// Delete removes key if present.
	Delete(ctx context.Context, key string) error
}

// PutJSON stores v encoded as JSON.
func PutJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return oops.Code("EPHEMERAL_ENCODE_FAILED").With("key", key).Wrap(err)
	}
	return s.Put(ctx, key, data, ttl)
}

// TakeJSON consumes key and decodes it into a T.
func TakeJSON[T any](ctx context.Context, s Store, key string) (*T, error) {
	data, err := s.Take(ctx, key)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, oops.Code("EPHEMERAL_DECODE_FAILED").With("key", key).Wrap(err)
	}
	return &v, nil
}

// Key joins a namespace and an identifier.
func Key(namespace string, parts ...string) string {
	k := namespace
	for _, p := range parts {
		k += ":" + p
	}
	return k
}
