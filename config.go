package passlink

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// providerDisabled is the sentinel client ID that marks a configured
// provider as switched off without removing its block from the config file.
const providerDisabled = "NA"

// Config carries everything the engine needs. Instances are configured
// during initialization and then treated as immutable.
type Config struct {
	MagicLink MagicLinkConfig           `yaml:"magic_link"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Pool      PoolConfig                `yaml:"pool"`
	Metrics   MetricsConfig             `yaml:"metrics"`
}

// MagicLinkConfig controls magic-link issuance and verification.
type MagicLinkConfig struct {
	Enabled bool `yaml:"enabled"`

	// LinkTTL is how long an issued link stays valid.
	LinkTTL time.Duration `yaml:"-"`
	// MinimumInterval is the shortest allowed gap between two links for
	// the same user.
	MinimumInterval time.Duration `yaml:"-"`

	// AllowedOrigins lists the exact origins a link may redirect to.
	AllowedOrigins []string `yaml:"allowed_origins"`

	FromAddress string `yaml:"from_address"`
	Subject     string `yaml:"subject"`

	// SigningKeyID names the signing key presented to the Signer.
	SigningKeyID string `yaml:"signing_key_id"`
	// Salt is mixed into the hashed storage key for replay records.
	Salt string `yaml:"salt"`

	RedisPrefix string `yaml:"redis_prefix"`

	// YAML carries durations as whole seconds.
	LinkTTLSeconds         int `yaml:"seconds_until_expiry"`
	MinimumIntervalSeconds int `yaml:"minimum_seconds_between"`
}

// ProviderConfig describes one social identity provider. A provider is
// enabled when ClientID is set and not the "NA" sentinel.
type ProviderConfig struct {
	Issuer       string `yaml:"issuer"`
	JWKSURI      string `yaml:"jwks_uri"`
	AuthURL      string `yaml:"auth_url"`
	TokenURL     string `yaml:"token_url"`
	Scope        string `yaml:"scope"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

func (p ProviderConfig) enabled() bool {
	return p.ClientID != "" && p.ClientID != providerDisabled
}

// PoolConfig identifies the user pool and app client the engine serves.
// PoolID and ClientID are bound into every link signature; ClientSecret
// feeds the secret-hash credential on backend calls.
type PoolConfig struct {
	PoolID       string `yaml:"pool_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// TokenTTL applies to tokens minted by the local backend.
	TokenTTL time.Duration `yaml:"-"`

	TokenTTLSeconds int `yaml:"token_ttl_seconds"`
}

// MetricsConfig toggles the engine's internal counters.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

func defaultConfig() Config {
	return Config{
		MagicLink: MagicLinkConfig{
			Enabled:         false,
			LinkTTL:         15 * time.Minute,
			MinimumInterval: 60 * time.Second,
			Subject:         "Your sign-in link",
			RedisPrefix:     "ml",
		},
		Providers: defaultProviders(),
		Pool: PoolConfig{
			TokenTTL: time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

// defaultProviders carries well-known endpoint data so deployments only
// have to supply credentials. Disabled until a client ID is configured.
func defaultProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"google": {
			Issuer:   "https://accounts.google.com",
			JWKSURI:  "https://www.googleapis.com/oauth2/v3/certs",
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
			Scope:    "openid email profile",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.MagicLink.AllowedOrigins = append([]string(nil), cfg.MagicLink.AllowedOrigins...)
	out.Providers = make(map[string]ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		out.Providers[name] = p
	}
	return out
}

// Validate checks internal consistency. Called by Builder.Build after all
// overrides are applied.
func (c *Config) Validate() error {
	if c.MagicLink.Enabled {
		if c.MagicLink.LinkTTL <= 0 {
			return errors.New("MagicLink LinkTTL must be > 0")
		}
		if c.MagicLink.MinimumInterval < 0 {
			return errors.New("MagicLink MinimumInterval must be >= 0")
		}
		if c.MagicLink.MinimumInterval >= c.MagicLink.LinkTTL {
			return errors.New("MagicLink MinimumInterval must be < LinkTTL")
		}
		if len(c.MagicLink.AllowedOrigins) == 0 {
			return errors.New("MagicLink AllowedOrigins must not be empty")
		}
		for _, origin := range c.MagicLink.AllowedOrigins {
			if _, err := normalizeOrigin(origin); err != nil {
				return fmt.Errorf("MagicLink AllowedOrigins entry %q: %w", origin, err)
			}
		}
		if c.MagicLink.FromAddress == "" {
			return errors.New("MagicLink FromAddress is required")
		}
		if c.MagicLink.SigningKeyID == "" {
			return errors.New("MagicLink SigningKeyID is required")
		}
		if c.MagicLink.Salt == "" {
			return errors.New("MagicLink Salt is required")
		}
		if c.MagicLink.RedisPrefix == "" {
			return errors.New("MagicLink RedisPrefix must not be empty")
		}
	}

	for name, p := range c.Providers {
		if !p.enabled() {
			continue
		}
		if p.Issuer == "" {
			return fmt.Errorf("provider %s: Issuer is required", name)
		}
		if p.JWKSURI == "" {
			return fmt.Errorf("provider %s: JWKSURI is required", name)
		}
	}

	if c.Pool.PoolID == "" {
		return errors.New("Pool PoolID is required")
	}
	if c.Pool.ClientID == "" {
		return errors.New("Pool ClientID is required")
	}
	if c.Pool.TokenTTL <= 0 {
		return errors.New("Pool TokenTTL must be > 0")
	}

	return nil
}

// normalizeOrigin reduces a URL to its exact origin (scheme://host[:port]).
// Path, query, and fragment are dropped; anything without scheme and host
// is rejected.
func normalizeOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errors.New("origin must include scheme and host")
	}
	return u.Scheme + "://" + u.Host, nil
}

// originAllowed reports whether redirectURI's origin exactly matches one of
// the allowed origins. Substring or prefix matches never count.
func originAllowed(allowed []string, redirectURI string) bool {
	origin, err := normalizeOrigin(redirectURI)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		normalized, err := normalizeOrigin(a)
		if err != nil {
			continue
		}
		if normalized == origin {
			return true
		}
	}
	return false
}

// LoadConfig reads a YAML config file, applies defaults, resolves the
// seconds fields into durations, and merges credential overrides from the
// environment (SOCIAL_<PROVIDER>_CLIENT_ID, SOCIAL_<PROVIDER>_CLIENT_SECRET,
// POOL_CLIENT_SECRET).
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.MagicLink.LinkTTLSeconds > 0 {
		cfg.MagicLink.LinkTTL = time.Duration(cfg.MagicLink.LinkTTLSeconds) * time.Second
	}
	if cfg.MagicLink.MinimumIntervalSeconds > 0 {
		cfg.MagicLink.MinimumInterval = time.Duration(cfg.MagicLink.MinimumIntervalSeconds) * time.Second
	}
	if cfg.Pool.TokenTTLSeconds > 0 {
		cfg.Pool.TokenTTL = time.Duration(cfg.Pool.TokenTTLSeconds) * time.Second
	}

	// A YAML provider entry replaces the default entry wholesale; refill
	// endpoint data for known providers that only set credentials.
	for name, p := range cfg.Providers {
		if def, ok := defaultProviders()[name]; ok {
			if p.Issuer == "" {
				p.Issuer = def.Issuer
			}
			if p.JWKSURI == "" {
				p.JWKSURI = def.JWKSURI
			}
			if p.AuthURL == "" {
				p.AuthURL = def.AuthURL
			}
			if p.TokenURL == "" {
				p.TokenURL = def.TokenURL
			}
			if p.Scope == "" {
				p.Scope = def.Scope
			}
			cfg.Providers[name] = p
		}
	}

	for name, p := range cfg.Providers {
		envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		if v := os.Getenv("SOCIAL_" + envName + "_CLIENT_ID"); v != "" {
			p.ClientID = v
		}
		if v := os.Getenv("SOCIAL_" + envName + "_CLIENT_SECRET"); v != "" {
			p.ClientSecret = v
		}
		cfg.Providers[name] = p
	}
	if v := os.Getenv("POOL_CLIENT_SECRET"); v != "" {
		cfg.Pool.ClientSecret = v
	}

	return cfg, nil
}
