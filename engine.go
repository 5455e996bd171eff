package passlink

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"sync"
	"time"
)

// Engine is the entry point of the package. It owns the challenge
// callbacks, the magic-link machinery, the social provider registry, and
// the sign-in facade. Construct it through a Builder; a zero Engine is not
// usable.
//
// Engines are safe for concurrent use.
type Engine struct {
	config    Config
	logger    *slog.Logger
	signer    Signer
	mailer    Mailer
	links     *linkStore
	providers *providerRegistry
	backend   AuthBackend
	metrics   *Metrics

	keyMu   sync.RWMutex
	pubKeys map[string]*rsa.PublicKey

	now func() time.Time
}

// Config returns a copy of the engine's effective configuration.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

// publicKeyFor returns the public key for keyID, fetching it from the
// Signer on first use and caching it for the process lifetime.
func (e *Engine) publicKeyFor(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	e.keyMu.RLock()
	pub, ok := e.pubKeys[keyID]
	e.keyMu.RUnlock()
	if ok {
		return pub, nil
	}

	pub, err := e.signer.PublicKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	e.keyMu.Lock()
	e.pubKeys[keyID] = pub
	e.keyMu.Unlock()
	return pub, nil
}

// ResetKeyCache drops all cached public keys. Call after rotating signing
// key material under an existing key ID.
func (e *Engine) ResetKeyCache() {
	e.keyMu.Lock()
	e.pubKeys = make(map[string]*rsa.PublicKey)
	e.keyMu.Unlock()
}

func (e *Engine) metricInc(id MetricID) {
	if e.metrics != nil {
		e.metrics.inc(id)
	}
}

// Metrics returns the engine's counter set, or nil when metrics are
// disabled.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}
