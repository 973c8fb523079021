// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package config

import (
	"github.com/samber/oops"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/ephemeral"
	"github.com/warden-auth/warden/internal/oauth"
	"github.com/warden-auth/warden/internal/passkey"
	"github.com/warden-auth/warden/internal/ratelimit"
	"github.com/warden-auth/warden/internal/store"
	"github.com/warden-auth/warden/internal/twofactor"
)

func invalid(key, format string, args ...any) error {
	return oops.Code("CONFIG_INVALID").With("key", key).Errorf(format, args...)
}

// Validate checks that the configuration is complete and consistent.
func (c *Config) Validate() error {
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "log format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if c.HTTP.Addr == "" {
		return invalid("http.addr", "http address is required")
	}

	switch c.Ephemeral.Backend {
	case BackendMemory:
	case BackendRedis:
		if len(c.Ephemeral.Redis.Addrs) == 0 {
			return invalid("ephemeral.redis.addrs", "redis backend needs at least one address")
		}
	default:
		return invalid("ephemeral.backend", "ephemeral backend must be %q or %q, got %q",
			BackendMemory, BackendRedis, c.Ephemeral.Backend)
	}

	if c.Session.TTL <= 0 {
		return invalid("session.ttl", "session ttl must be positive")
	}
	if c.Session.RenewWithin < 0 || c.Session.RenewWithin >= c.Session.TTL {
		return invalid("session.renew_within", "renew window must be between 0 and the session ttl")
	}
	if c.Session.SweepInterval <= 0 {
		return invalid("session.sweep_interval", "session sweep interval must be positive")
	}

	if _, err := ratelimit.KeyFunc(ratelimit.KeyMode(c.RateLimit.KeyBy)); err != nil {
		return invalid("rate_limit.key_by", "%v", err)
	}
	for name, rule := range map[string]RuleConfig{"get": c.RateLimit.Get, "post": c.RateLimit.Post} {
		if rule.Capacity <= 0 || rule.Refill <= 0 {
			return invalid("rate_limit."+name, "rate limit capacity and refill must be positive")
		}
	}

	if c.WebAuthn.RPID == "" {
		return invalid("webauthn.rp_id", "webauthn relying party id is required")
	}
	if len(c.WebAuthn.RPOrigins) == 0 {
		return invalid("webauthn.rp_origins", "at least one webauthn origin is required")
	}

	if c.TwoFactor.SecretKey == "" {
		return invalid("two_factor.secret_key", "secret key is required")
	}
	if _, err := auth.NewSecretSealerFromBase64(c.TwoFactor.SecretKey); err != nil {
		return invalid("two_factor.secret_key", "secret key: %v", err)
	}

	if _, err := oauth.ParseConflictPolicy(c.OAuth.ConflictPolicy); err != nil {
		return invalid("oauth.conflict_policy", "%v", err)
	}
	for name, p := range map[string]ProviderConfig{"github": c.OAuth.GitHub, "google": c.OAuth.Google} {
		if p.Enabled() && (p.ClientSecret == "" || p.RedirectURL == "") {
			return invalid("oauth."+name, "%s needs client_secret and redirect_url", name)
		}
	}
	return nil
}

// Pool returns the connection pool settings.
func (c DatabaseConfig) Pool() store.PoolConfig {
	cfg := store.DefaultPoolConfig(c.URL)
	if c.MaxConns > 0 {
		cfg.MaxConns = int32(min(c.MaxConns, 1<<15)) //nolint:gosec // bounded above
	}
	if c.ConnectAttempts > 0 {
		cfg.ConnectAttempts = uint64(c.ConnectAttempts)
	}
	if c.ConnectBackoff > 0 {
		cfg.ConnectBackoff = c.ConnectBackoff
	}
	return cfg
}

// Client returns the redis connection settings.
func (c RedisConfig) Client() ephemeral.RedisConfig {
	return ephemeral.RedisConfig{
		Addrs:    c.Addrs,
		Password: c.Password,
		DB:       c.DB,
		Cluster:  c.Cluster,
		Prefix:   c.Prefix,
	}
}

// Manager returns the session manager settings.
func (c SessionConfig) Manager() auth.SessionConfig {
	cfg := auth.DefaultSessionConfig()
	cfg.TTL = c.TTL
	cfg.RenewWithin = c.RenewWithin
	return cfg
}

// Limits returns the limiter settings.
func (c RateLimitConfig) Limits() ratelimit.Config {
	return ratelimit.Config{
		Get:  ratelimit.Rule{Capacity: c.Get.Capacity, RefillInterval: c.Get.Refill},
		Post: ratelimit.Rule{Capacity: c.Post.Capacity, RefillInterval: c.Post.Refill},
	}
}

// RelyingParty returns the go-webauthn settings.
func (c WebAuthnConfig) RelyingParty() passkey.WebAuthnConfig {
	return passkey.WebAuthnConfig{
		RPID:          c.RPID,
		RPDisplayName: c.RPDisplayName,
		RPOrigins:     c.RPOrigins,
		Timeout:       c.ChallengeTTL,
	}
}

// Coordinator returns the two-factor settings.
func (c TwoFactorConfig) Coordinator() twofactor.Config {
	return twofactor.Config{Issuer: c.Issuer, PendingTTL: c.PendingTTL}
}

// Linker returns the OAuth linker settings. Validate must have passed.
func (c OAuthConfig) Linker() oauth.Config {
	policy, _ := oauth.ParseConflictPolicy(c.ConflictPolicy)
	return oauth.Config{
		StateTTL:              c.StateTTL,
		ExchangeTimeout:       c.ExchangeTimeout,
		Policy:                policy,
		TrustedEmailProviders: c.TrustedEmailProviders,
	}
}

// Provider returns the oauth client registration.
func (p ProviderConfig) Provider() oauth.ProviderConfig {
	return oauth.ProviderConfig{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  p.RedirectURL,
	}
}
