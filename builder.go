package passlink

import (
	"crypto/rsa"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. Collaborators are attached with the WithX
// methods; Build validates the combination and wires everything together.
type Builder struct {
	config     Config
	hasConfig  bool
	redis      *redis.Client
	signer     Signer
	mailer     Mailer
	backend    AuthBackend
	users      UserResolver
	tokenKey   []byte
	logger     *slog.Logger
	httpClient *http.Client
}

func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the default configuration wholesale.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	b.hasConfig = true
	return b
}

// WithRedis attaches the redis client backing the replay-protection store.
// Required when magic link is enabled.
func (b *Builder) WithRedis(client *redis.Client) *Builder {
	b.redis = client
	return b
}

// WithSigner attaches the magic-link signing service. Required when magic
// link is enabled.
func (b *Builder) WithSigner(s Signer) *Builder {
	b.signer = s
	return b
}

// WithMailer attaches the magic-link mail delivery. Required when magic
// link is enabled.
func (b *Builder) WithMailer(m Mailer) *Builder {
	b.mailer = m
	return b
}

// WithAuthBackend attaches the backend the facade runs against. Mutually
// exclusive with WithUserResolver.
func (b *Builder) WithAuthBackend(backend AuthBackend) *Builder {
	b.backend = backend
	return b
}

// WithUserResolver enables the built-in local backend, using resolver for
// username-to-email lookups. Requires WithTokenSigningKey.
func (b *Builder) WithUserResolver(resolver UserResolver) *Builder {
	b.users = resolver
	return b
}

// WithTokenSigningKey sets the HMAC key the local backend mints tokens
// with.
func (b *Builder) WithTokenSigningKey(key []byte) *Builder {
	b.tokenKey = append([]byte(nil), key...)
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithHTTPClient sets the client used for provider JWKS fetches and code
// exchanges. Defaults to http.DefaultClient.
func (b *Builder) WithHTTPClient(client *http.Client) *Builder {
	b.httpClient = client
	return b
}

// Build validates the configuration and returns a ready Engine.
func (b *Builder) Build() (*Engine, error) {
	if !b.hasConfig {
		return nil, errors.New("builder requires a config, call WithConfig")
	}
	if err := b.config.Validate(); err != nil {
		return nil, err
	}

	if b.config.MagicLink.Enabled {
		if b.redis == nil {
			return nil, errors.New("magic link requires a redis client, call WithRedis")
		}
		if b.signer == nil {
			return nil, errors.New("magic link requires a signer, call WithSigner")
		}
		if b.mailer == nil {
			return nil, errors.New("magic link requires a mailer, call WithMailer")
		}
	}
	if b.backend != nil && b.users != nil {
		return nil, errors.New("WithAuthBackend and WithUserResolver are mutually exclusive")
	}
	if b.users != nil && len(b.tokenKey) == 0 {
		return nil, errors.New("local backend requires a token signing key, call WithTokenSigningKey")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		config:  b.config,
		logger:  logger,
		signer:  b.signer,
		mailer:  b.mailer,
		backend: b.backend,
		pubKeys: make(map[string]*rsa.PublicKey),
		now:     time.Now,
	}
	if b.redis != nil {
		e.links = newLinkStore(b.redis, b.config.MagicLink.RedisPrefix, b.config.MagicLink.Salt)
	}
	e.providers = newProviderRegistry(b.config.Providers, b.httpClient, logger)
	if b.config.Metrics.Enabled {
		e.metrics = newMetrics()
	}
	if b.users != nil {
		e.backend = newLocalBackend(e, b.users, b.tokenKey)
	}

	return e, nil
}
