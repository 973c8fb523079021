// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package memstore is an in-process credential store for development and
// tests. All operations are serialized; InTransaction restores the previous
// state when fn fails.
package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/auth"
)

type txKey struct{}

type state struct {
	users    map[ulid.ULID]auth.User
	sessions map[ulid.ULID]auth.Session
	totp     map[ulid.ULID]auth.TOTPCredential
	webauthn map[string]auth.WebAuthnCredential
	oauth    map[string]auth.OAuthAccount
	resets   map[ulid.ULID]auth.PasswordReset
}

func newState() state {
	return state{
		users:    make(map[ulid.ULID]auth.User),
		sessions: make(map[ulid.ULID]auth.Session),
		totp:     make(map[ulid.ULID]auth.TOTPCredential),
		webauthn: make(map[string]auth.WebAuthnCredential),
		oauth:    make(map[string]auth.OAuthAccount),
		resets:   make(map[ulid.ULID]auth.PasswordReset),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s state) clone() state {
	return state{
		users:    cloneMap(s.users),
		sessions: cloneMap(s.sessions),
		totp:     cloneMap(s.totp),
		webauthn: cloneMap(s.webauthn),
		oauth:    cloneMap(s.oauth),
		resets:   cloneMap(s.resets),
	}
}

// DB holds every table in memory.
type DB struct {
	mu sync.Mutex
	s  state
}

// New creates an empty DB.
func New() *DB {
	return &DB{s: newState()}
}

// Store returns the repositories backed by db.
func (db *DB) Store() auth.Store {
	return auth.Store{
		Users:          &userRepo{db: db},
		Sessions:       &sessionRepo{db: db},
		TOTP:           &totpRepo{db: db},
		WebAuthn:       &webauthnRepo{db: db},
		OAuthAccounts:  &oauthRepo{db: db},
		PasswordResets: &resetRepo{db: db},
		Tx:             db,
	}
}

func (db *DB) inTx(ctx context.Context) bool {
	owner, ok := ctx.Value(txKey{}).(*DB)
	return ok && owner == db
}

// run executes fn with exclusive access, reusing the lock held by an
// enclosing transaction.
func (db *DB) run(ctx context.Context, fn func(s *state) error) error {
	if !db.inTx(ctx) {
		db.mu.Lock()
		defer db.mu.Unlock()
	}
	return fn(&db.s)
}

// InTransaction implements auth.Transactor.
func (db *DB) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if db.inTx(ctx) {
		return fn(ctx)
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	snapshot := db.s.clone()
	if err := fn(context.WithValue(ctx, txKey{}, db)); err != nil {
		db.s = snapshot
		return err
	}
	return nil
}

func notFound(code string) error {
	return oops.Code(code).Wrap(auth.ErrNotFound)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func clonePtrTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// users

type userRepo struct{ db *DB }

func (s *state) decorate(u auth.User) *auth.User {
	_, u.RegisteredTOTP = s.totp[u.ID]
	u.RegisteredPasskey, u.RegisteredSecurityKey = false, false
	for _, c := range s.webauthn {
		if c.UserID != u.ID {
			continue
		}
		switch c.Kind {
		case auth.CredentialPasskey:
			u.RegisteredPasskey = true
		case auth.CredentialSecurityKey:
			u.RegisteredSecurityKey = true
		}
	}
	u.LockedUntil = clonePtrTime(u.LockedUntil)
	return &u
}

func (r *userRepo) Create(ctx context.Context, user *auth.User) error {
	return r.db.run(ctx, func(s *state) error {
		for _, u := range s.users {
			if strings.EqualFold(u.Email, user.Email) {
				return oops.Code("USER_EMAIL_TAKEN").With("email", user.Email).Wrap(auth.ErrEmailTaken)
			}
		}
		u := *user
		u.RegisteredTOTP, u.RegisteredPasskey, u.RegisteredSecurityKey = false, false, false
		u.LockedUntil = clonePtrTime(user.LockedUntil)
		s.users[u.ID] = u
		return nil
	})
}

func (r *userRepo) GetByID(ctx context.Context, id ulid.ULID) (*auth.User, error) {
	var out *auth.User
	err := r.db.run(ctx, func(s *state) error {
		u, ok := s.users[id]
		if !ok {
			return notFound("USER_NOT_FOUND")
		}
		out = s.decorate(u)
		return nil
	})
	return out, err
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	var out *auth.User
	err := r.db.run(ctx, func(s *state) error {
		for _, u := range s.users {
			if strings.EqualFold(u.Email, strings.TrimSpace(email)) {
				out = s.decorate(u)
				return nil
			}
		}
		return notFound("USER_NOT_FOUND")
	})
	return out, err
}

func (r *userRepo) update(ctx context.Context, id ulid.ULID, fn func(u *auth.User)) error {
	return r.db.run(ctx, func(s *state) error {
		u, ok := s.users[id]
		if !ok {
			return notFound("USER_NOT_FOUND")
		}
		fn(&u)
		u.UpdatedAt = time.Now()
		s.users[id] = u
		return nil
	})
}

func (r *userRepo) UpdateLoginState(ctx context.Context, user *auth.User) error {
	return r.update(ctx, user.ID, func(u *auth.User) {
		u.FailedAttempts = user.FailedAttempts
		u.LockedUntil = clonePtrTime(user.LockedUntil)
	})
}

func (r *userRepo) UpdatePassword(ctx context.Context, id ulid.ULID, passwordHash string) error {
	return r.update(ctx, id, func(u *auth.User) { u.PasswordHash = passwordHash })
}

func (r *userRepo) MarkEmailVerified(ctx context.Context, id ulid.ULID) error {
	return r.update(ctx, id, func(u *auth.User) { u.EmailVerified = true })
}

func (r *userRepo) SetRecoveryCodeHash(ctx context.Context, id ulid.ULID, oldHash, newHash string) (bool, error) {
	swapped := false
	err := r.db.run(ctx, func(s *state) error {
		u, ok := s.users[id]
		if !ok || u.RecoveryCodeHash != oldHash {
			return nil
		}
		u.RecoveryCodeHash = newHash
		u.UpdatedAt = time.Now()
		s.users[id] = u
		swapped = true
		return nil
	})
	return swapped, err
}

// sessions

type sessionRepo struct{ db *DB }

func (r *sessionRepo) Create(ctx context.Context, session *auth.Session) error {
	return r.db.run(ctx, func(s *state) error {
		if _, ok := s.users[session.UserID]; !ok {
			return oops.Code("SESSION_USER_MISSING").With("user_id", session.UserID.String()).Wrap(auth.ErrNotFound)
		}
		s.sessions[session.ID] = *session
		return nil
	})
}

func (r *sessionRepo) GetByID(ctx context.Context, id ulid.ULID) (*auth.Session, error) {
	var out *auth.Session
	err := r.db.run(ctx, func(s *state) error {
		sess, ok := s.sessions[id]
		if !ok {
			return notFound("SESSION_NOT_FOUND")
		}
		out = &sess
		return nil
	})
	return out, err
}

func (r *sessionRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.Session, error) {
	var out *auth.Session
	err := r.db.run(ctx, func(s *state) error {
		for _, sess := range s.sessions {
			if sess.TokenHash == tokenHash {
				found := sess
				out = &found
				return nil
			}
		}
		return notFound("SESSION_NOT_FOUND")
	})
	return out, err
}

func (r *sessionRepo) update(ctx context.Context, id ulid.ULID, fn func(sess *auth.Session)) error {
	return r.db.run(ctx, func(s *state) error {
		sess, ok := s.sessions[id]
		if !ok {
			return notFound("SESSION_NOT_FOUND")
		}
		fn(&sess)
		s.sessions[id] = sess
		return nil
	})
}

func (r *sessionRepo) Renew(ctx context.Context, id ulid.ULID, expiresAt, lastSeen time.Time) error {
	return r.update(ctx, id, func(sess *auth.Session) {
		sess.ExpiresAt = expiresAt
		sess.LastSeenAt = lastSeen
	})
}

func (r *sessionRepo) UpdateLastSeen(ctx context.Context, id ulid.ULID, lastSeen time.Time) error {
	return r.update(ctx, id, func(sess *auth.Session) { sess.LastSeenAt = lastSeen })
}

func (r *sessionRepo) SetTwoFactorVerified(ctx context.Context, id ulid.ULID) error {
	return r.update(ctx, id, func(sess *auth.Session) { sess.TwoFactorVerified = true })
}

func (r *sessionRepo) Delete(ctx context.Context, id ulid.ULID) error {
	return r.db.run(ctx, func(s *state) error {
		if _, ok := s.sessions[id]; !ok {
			return notFound("SESSION_NOT_FOUND")
		}
		delete(s.sessions, id)
		return nil
	})
}

func (r *sessionRepo) DeleteByUser(ctx context.Context, userID, keep ulid.ULID) (int64, error) {
	var n int64
	err := r.db.run(ctx, func(s *state) error {
		for id, sess := range s.sessions {
			if sess.UserID == userID && id != keep {
				delete(s.sessions, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *sessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.db.run(ctx, func(s *state) error {
		for id, sess := range s.sessions {
			if sess.IsExpiredAt(now) {
				delete(s.sessions, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

// totp

type totpRepo struct{ db *DB }

func (r *totpRepo) Upsert(ctx context.Context, cred *auth.TOTPCredential) error {
	return r.db.run(ctx, func(s *state) error {
		c := *cred
		c.Secret = cloneBytes(cred.Secret)
		s.totp[cred.UserID] = c
		return nil
	})
}

func (r *totpRepo) Get(ctx context.Context, userID ulid.ULID) (*auth.TOTPCredential, error) {
	var out *auth.TOTPCredential
	err := r.db.run(ctx, func(s *state) error {
		c, ok := s.totp[userID]
		if !ok {
			return notFound("TOTP_NOT_FOUND")
		}
		c.Secret = cloneBytes(c.Secret)
		out = &c
		return nil
	})
	return out, err
}

func (r *totpRepo) AdvanceStep(ctx context.Context, userID ulid.ULID, step int64) (bool, error) {
	advanced := false
	err := r.db.run(ctx, func(s *state) error {
		c, ok := s.totp[userID]
		if !ok || step <= c.LastUsedStep {
			return nil
		}
		c.LastUsedStep = step
		s.totp[userID] = c
		advanced = true
		return nil
	})
	return advanced, err
}

func (r *totpRepo) Delete(ctx context.Context, userID ulid.ULID) error {
	return r.db.run(ctx, func(s *state) error {
		delete(s.totp, userID)
		return nil
	})
}

// webauthn

type webauthnRepo struct{ db *DB }

func cloneCredential(c auth.WebAuthnCredential) *auth.WebAuthnCredential {
	c.CredentialID = cloneBytes(c.CredentialID)
	c.PublicKey = cloneBytes(c.PublicKey)
	c.AAGUID = cloneBytes(c.AAGUID)
	c.Transports = append([]string(nil), c.Transports...)
	c.FlaggedAt = clonePtrTime(c.FlaggedAt)
	c.LastUsedAt = clonePtrTime(c.LastUsedAt)
	return &c
}

func (r *webauthnRepo) Create(ctx context.Context, cred *auth.WebAuthnCredential) error {
	return r.db.run(ctx, func(s *state) error {
		key := string(cred.CredentialID)
		if _, exists := s.webauthn[key]; exists {
			return oops.Code("WEBAUTHN_CREDENTIAL_EXISTS").Wrap(auth.ErrAttestationInvalid)
		}
		s.webauthn[key] = *cloneCredential(*cred)
		return nil
	})
}

func (r *webauthnRepo) GetByCredentialID(ctx context.Context, credentialID []byte) (*auth.WebAuthnCredential, error) {
	var out *auth.WebAuthnCredential
	err := r.db.run(ctx, func(s *state) error {
		c, ok := s.webauthn[string(credentialID)]
		if !ok {
			return notFound("WEBAUTHN_CREDENTIAL_NOT_FOUND")
		}
		out = cloneCredential(c)
		return nil
	})
	return out, err
}

func (r *webauthnRepo) ListByUser(ctx context.Context, userID ulid.ULID, kind auth.CredentialKind) ([]*auth.WebAuthnCredential, error) {
	var out []*auth.WebAuthnCredential
	err := r.db.run(ctx, func(s *state) error {
		for _, c := range s.webauthn {
			if c.UserID == userID && (kind == "" || c.Kind == kind) {
				out = append(out, cloneCredential(c))
			}
		}
		return nil
	})
	return out, err
}

func (r *webauthnRepo) AdvanceSignCount(ctx context.Context, credentialID []byte, count uint32, usedAt time.Time) (bool, error) {
	advanced := false
	err := r.db.run(ctx, func(s *state) error {
		c, ok := s.webauthn[string(credentialID)]
		if !ok {
			return notFound("WEBAUTHN_CREDENTIAL_NOT_FOUND")
		}
		if c.FlaggedAt != nil || (count <= c.SignCount && !(count == 0 && c.SignCount == 0)) {
			return nil
		}
		c.SignCount = count
		c.LastUsedAt = &usedAt
		s.webauthn[string(credentialID)] = c
		advanced = true
		return nil
	})
	return advanced, err
}

func (r *webauthnRepo) Flag(ctx context.Context, credentialID []byte, at time.Time) error {
	return r.db.run(ctx, func(s *state) error {
		c, ok := s.webauthn[string(credentialID)]
		if !ok {
			return notFound("WEBAUTHN_CREDENTIAL_NOT_FOUND")
		}
		if c.FlaggedAt == nil {
			c.FlaggedAt = &at
			s.webauthn[string(credentialID)] = c
		}
		return nil
	})
}

func (r *webauthnRepo) Delete(ctx context.Context, userID ulid.ULID, credentialID []byte) error {
	return r.db.run(ctx, func(s *state) error {
		c, ok := s.webauthn[string(credentialID)]
		if !ok || c.UserID != userID {
			return notFound("WEBAUTHN_CREDENTIAL_NOT_FOUND")
		}
		delete(s.webauthn, string(credentialID))
		return nil
	})
}

func (r *webauthnRepo) DeleteByUser(ctx context.Context, userID ulid.ULID) error {
	return r.db.run(ctx, func(s *state) error {
		for k, c := range s.webauthn {
			if c.UserID == userID {
				delete(s.webauthn, k)
			}
		}
		return nil
	})
}

// oauth accounts

type oauthRepo struct{ db *DB }

func oauthKey(provider, providerUserID string) string {
	return provider + "\x00" + providerUserID
}

func (r *oauthRepo) Create(ctx context.Context, account *auth.OAuthAccount) error {
	return r.db.run(ctx, func(s *state) error {
		key := oauthKey(account.Provider, account.ProviderUserID)
		if _, exists := s.oauth[key]; exists {
			return oops.Code("OAUTH_ACCOUNT_EXISTS").
				With("provider", account.Provider).
				Wrap(auth.ErrAccountLinkRequired)
		}
		s.oauth[key] = *account
		return nil
	})
}

func (r *oauthRepo) Get(ctx context.Context, provider, providerUserID string) (*auth.OAuthAccount, error) {
	var out *auth.OAuthAccount
	err := r.db.run(ctx, func(s *state) error {
		a, ok := s.oauth[oauthKey(provider, providerUserID)]
		if !ok {
			return notFound("OAUTH_ACCOUNT_NOT_FOUND")
		}
		out = &a
		return nil
	})
	return out, err
}

func (r *oauthRepo) ListByUser(ctx context.Context, userID ulid.ULID) ([]*auth.OAuthAccount, error) {
	var out []*auth.OAuthAccount
	err := r.db.run(ctx, func(s *state) error {
		for _, a := range s.oauth {
			if a.UserID == userID {
				found := a
				out = append(out, &found)
			}
		}
		return nil
	})
	return out, err
}

// password resets

type resetRepo struct{ db *DB }

func (r *resetRepo) Create(ctx context.Context, reset *auth.PasswordReset) error {
	return r.db.run(ctx, func(s *state) error {
		s.resets[reset.ID] = *reset
		return nil
	})
}

func (r *resetRepo) GetByTokenHash(ctx context.Context, tokenHash string) (*auth.PasswordReset, error) {
	var out *auth.PasswordReset
	err := r.db.run(ctx, func(s *state) error {
		for _, reset := range s.resets {
			if reset.TokenHash == tokenHash {
				found := reset
				out = &found
				return nil
			}
		}
		return notFound("RESET_NOT_FOUND")
	})
	return out, err
}

func (r *resetRepo) DeleteByUser(ctx context.Context, userID ulid.ULID) error {
	return r.db.run(ctx, func(s *state) error {
		for id, reset := range s.resets {
			if reset.UserID == userID {
				delete(s.resets, id)
			}
		}
		return nil
	})
}

func (r *resetRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.db.run(ctx, func(s *state) error {
		for id, reset := range s.resets {
			if reset.IsExpiredAt(now) {
				delete(s.resets, id)
				n++
			}
		}
		return nil
	})
	return n, err
}
