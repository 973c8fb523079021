// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package config

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/warden-auth/warden/internal/auth"
	"github.com/warden-auth/warden/internal/oauth"
	"github.com/warden-auth/warden/internal/passkey"
	"github.com/warden-auth/warden/internal/ratelimit"
	"github.com/warden-auth/warden/internal/twofactor"
)

// Default values for serve flags.
const (
	DefaultHTTPAddr         = "localhost:8080"
	DefaultMetricsAddr      = "127.0.0.1:9100"
	DefaultLogFormat        = "json"
	DefaultEphemeralBackend = BackendMemory
	DefaultSweepInterval    = 10 * time.Minute
)

// Ephemeral backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type flagDef struct {
	name  string
	key   string
	value any
	usage string
}

// serveFlags lists every flag, its configuration key and its default.
var serveFlags = []flagDef{
	{"log-format", "log.format", DefaultLogFormat, "log format (json or text)"},

	{"http-addr", "http.addr", DefaultHTTPAddr, "HTTP listen address"},
	{"secure-cookies", "http.secure_cookies", true, "mark cookies Secure"},
	{"trust-proxy-headers", "http.trust_proxy_headers", false, "take the client address from X-Forwarded-For"},
	{"metrics-addr", "metrics.addr", DefaultMetricsAddr, "metrics/health HTTP address (empty = disabled)"},

	{"database-url", "database.url", "", "PostgreSQL URL (empty = in-memory store)"},
	{"database-auto-migrate", "database.auto_migrate", true, "apply pending migrations on start"},
	{"database-max-conns", "database.max_conns", 10, "maximum pool connections"},
	{"database-connect-attempts", "database.connect_attempts", 5, "initial ping attempts"},
	{"database-connect-backoff", "database.connect_backoff", 250 * time.Millisecond, "base backoff between ping attempts"},

	{"ephemeral-backend", "ephemeral.backend", DefaultEphemeralBackend, "ephemeral state backend (memory or redis)"},
	{"redis-addrs", "ephemeral.redis.addrs", []string{}, "redis addresses"},
	{"redis-password", "ephemeral.redis.password", "", "redis password"},
	{"redis-db", "ephemeral.redis.db", 0, "redis database"},
	{"redis-cluster", "ephemeral.redis.cluster", false, "treat redis addresses as a cluster"},
	{"redis-prefix", "ephemeral.redis.prefix", "warden", "redis key prefix"},

	{"session-ttl", "session.ttl", auth.DefaultSessionTTL, "session lifetime"},
	{"session-renew-within", "session.renew_within", auth.DefaultSessionRenewWithin, "renew sessions expiring within this window"},
	{"session-sweep-interval", "session.sweep_interval", DefaultSweepInterval, "expired session sweep interval"},

	{"rate-limit-key", "rate_limit.key_by", string(ratelimit.KeyGlobal), "rate limit bucket key (global or remote_addr)"},
	{"rate-limit-get-capacity", "rate_limit.get.capacity", ratelimit.DefaultGetCapacity, "GET bucket capacity"},
	{"rate-limit-get-refill", "rate_limit.get.refill", ratelimit.DefaultGetRefill, "GET token refill interval"},
	{"rate-limit-post-capacity", "rate_limit.post.capacity", ratelimit.DefaultPostCapacity, "POST bucket capacity"},
	{"rate-limit-post-refill", "rate_limit.post.refill", ratelimit.DefaultPostRefill, "POST token refill interval"},

	{"webauthn-rp-id", "webauthn.rp_id", "localhost", "WebAuthn relying party ID"},
	{"webauthn-rp-name", "webauthn.rp_display_name", "Warden", "WebAuthn relying party display name"},
	{"webauthn-origins", "webauthn.rp_origins", []string{"http://localhost:8080"}, "allowed WebAuthn origins"},
	{"webauthn-challenge-ttl", "webauthn.challenge_ttl", passkey.DefaultChallengeTTL, "WebAuthn challenge lifetime"},

	{"totp-issuer", "two_factor.issuer", twofactor.DefaultIssuer, "TOTP issuer"},
	{"totp-pending-ttl", "two_factor.pending_ttl", twofactor.DefaultPendingTTL, "TOTP enrollment confirmation window"},
	{"secret-key", "two_factor.secret_key", "", "base64 key sealing TOTP secrets"},

	{"oauth-state-ttl", "oauth.state_ttl", oauth.DefaultStateTTL, "OAuth state lifetime"},
	{"oauth-exchange-timeout", "oauth.exchange_timeout", oauth.DefaultExchangeTimeout, "OAuth provider call timeout"},
	{"oauth-conflict-policy", "oauth.conflict_policy", string(oauth.PolicyConfirm), "email conflict policy (confirm or trusted)"},
	{"oauth-trusted-providers", "oauth.trusted_email_providers", []string{}, "providers whose verified emails link automatically"},
	{"github-client-id", "oauth.github.client_id", "", "GitHub OAuth client ID"},
	{"github-client-secret", "oauth.github.client_secret", "", "GitHub OAuth client secret"},
	{"github-redirect-url", "oauth.github.redirect_url", "", "GitHub OAuth redirect URL"},
	{"google-client-id", "oauth.google.client_id", "", "Google OAuth client ID"},
	{"google-client-secret", "oauth.google.client_secret", "", "Google OAuth client secret"},
	{"google-redirect-url", "oauth.google.redirect_url", "", "Google OAuth redirect URL"},
}

var flagKeys, listKeys = func() (map[string]string, map[string]bool) {
	keys := make(map[string]string, len(serveFlags))
	lists := make(map[string]bool)
	for _, f := range serveFlags {
		keys[f.name] = f.key
		if _, ok := f.value.([]string); ok {
			lists[f.key] = true
		}
	}
	return keys, lists
}()

// RegisterFlags adds every configuration flag to fs with its default.
func RegisterFlags(fs *pflag.FlagSet) {
	for _, f := range serveFlags {
		switch v := f.value.(type) {
		case string:
			fs.String(f.name, v, f.usage)
		case bool:
			fs.Bool(f.name, v, f.usage)
		case int:
			fs.Int(f.name, v, f.usage)
		case time.Duration:
			fs.Duration(f.name, v, f.usage)
		case []string:
			fs.StringSlice(f.name, v, f.usage)
		default:
			panic("config: unsupported flag type for " + f.name)
		}
	}
}
