// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package config loads the server configuration.
//
// Values are layered: flag defaults, then an optional YAML file, then
// WARDEN_ environment variables, then flags set on the command line. Nested
// keys are separated by a double underscore in environment variables, so
// WARDEN_HTTP__SECURE_COOKIES sets http.secure_cookies.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/warden-auth/warden/internal/xdg"
)

// EnvPrefix is the prefix of every configuration environment variable.
const EnvPrefix = "WARDEN_"

// Config is the complete server configuration.
type Config struct {
	Log       LogConfig       `koanf:"log"`
	HTTP      HTTPConfig      `koanf:"http"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Database  DatabaseConfig  `koanf:"database"`
	Ephemeral EphemeralConfig `koanf:"ephemeral"`
	Session   SessionConfig   `koanf:"session"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	WebAuthn  WebAuthnConfig  `koanf:"webauthn"`
	TwoFactor TwoFactorConfig `koanf:"two_factor"`
	OAuth     OAuthConfig     `koanf:"oauth"`
}

// LogConfig selects the log output.
type LogConfig struct {
	Format string `koanf:"format"`
}

// HTTPConfig configures the public listener.
type HTTPConfig struct {
	Addr              string `koanf:"addr"`
	SecureCookies     bool   `koanf:"secure_cookies"`
	TrustProxyHeaders bool   `koanf:"trust_proxy_headers"`
}

// MetricsConfig configures the metrics and health listener. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// DatabaseConfig configures PostgreSQL. An empty URL runs on the in-memory
// store, which loses every account on restart.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
	MaxConns        int           `koanf:"max_conns"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	ConnectBackoff  time.Duration `koanf:"connect_backoff"`
}

// EphemeralConfig selects where challenges, OAuth states and pending
// enrollments live.
type EphemeralConfig struct {
	Backend string      `koanf:"backend"`
	Redis   RedisConfig `koanf:"redis"`
}

// RedisConfig configures the redis ephemeral backend.
type RedisConfig struct {
	Addrs    []string `koanf:"addrs"`
	Password string   `koanf:"password"`
	DB       int      `koanf:"db"`
	Cluster  bool     `koanf:"cluster"`
	Prefix   string   `koanf:"prefix"`
}

// SessionConfig controls session lifetimes.
type SessionConfig struct {
	TTL           time.Duration `koanf:"ttl"`
	RenewWithin   time.Duration `koanf:"renew_within"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// RateLimitConfig configures the request limiter.
type RateLimitConfig struct {
	KeyBy string     `koanf:"key_by"`
	Get   RuleConfig `koanf:"get"`
	Post  RuleConfig `koanf:"post"`
}

// RuleConfig is one token bucket family.
type RuleConfig struct {
	Capacity int           `koanf:"capacity"`
	Refill   time.Duration `koanf:"refill"`
}

// WebAuthnConfig describes the relying party.
type WebAuthnConfig struct {
	RPID          string        `koanf:"rp_id"`
	RPDisplayName string        `koanf:"rp_display_name"`
	RPOrigins     []string      `koanf:"rp_origins"`
	ChallengeTTL  time.Duration `koanf:"challenge_ttl"`
}

// TwoFactorConfig configures TOTP enrollment and secret sealing.
type TwoFactorConfig struct {
	Issuer     string        `koanf:"issuer"`
	PendingTTL time.Duration `koanf:"pending_ttl"`

	// SecretKey is the base64 key that seals TOTP secrets at rest.
	SecretKey string `koanf:"secret_key"`
}

// OAuthConfig configures external sign-in.
type OAuthConfig struct {
	StateTTL              time.Duration  `koanf:"state_ttl"`
	ExchangeTimeout       time.Duration  `koanf:"exchange_timeout"`
	ConflictPolicy        string         `koanf:"conflict_policy"`
	TrustedEmailProviders []string       `koanf:"trusted_email_providers"`
	GitHub                ProviderConfig `koanf:"github"`
	Google                ProviderConfig `koanf:"google"`
}

// ProviderConfig holds one provider's client registration. A provider with
// no ClientID is disabled.
type ProviderConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	RedirectURL  string `koanf:"redirect_url"`
}

// Enabled reports whether the provider is configured.
func (p ProviderConfig) Enabled() bool {
	return p.ClientID != ""
}

// ResolvePath returns explicit when set, otherwise the XDG config file when
// one exists, otherwise "".
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if path := xdg.ConfigFile(); fileExists(path) {
		return path
	}
	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Load builds a Config from flags, the YAML file at path (if any) and the
// environment, then validates it.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}
	if flags != nil {
		// Unchanged flags only fill keys no earlier source set.
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("operation", "unmarshal").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadDatabaseURL reads only database.url from the YAML file at path (if
// any) and the environment. Schema commands use it so they run without the
// full server configuration.
func LoadDatabaseURL(path string) (string, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return "", oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}
	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return "", oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}
	url := k.String("database.url")
	if url == "" {
		return "", invalid("database.url", "database url is required (set database.url or %sDATABASE__URL)", EnvPrefix)
	}
	return url, nil
}

// envKey maps WARDEN_HTTP__SECURE_COOKIES to http.secure_cookies.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// envValue splits comma separated lists for keys that hold one.
func envValue(name, value string) (string, any) {
	key := envKey(name)
	if listKeys[key] {
		var items []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return key, items
	}
	return key, value
}
