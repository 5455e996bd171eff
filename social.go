package passlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// providerRegistry holds the enabled social providers and lazily builds one
// ID-token verifier per (provider, client ID). Verifiers are cached for the
// process lifetime; the remote key set behind each verifier refreshes JWKS
// keys on its own.
type providerRegistry struct {
	configs map[string]ProviderConfig
	client  *http.Client
	logger  *slog.Logger

	mu        sync.Mutex
	verifiers map[string]*oidc.IDTokenVerifier
}

func newProviderRegistry(configs map[string]ProviderConfig, client *http.Client, logger *slog.Logger) *providerRegistry {
	enabled := make(map[string]ProviderConfig)
	for name, p := range configs {
		if !p.enabled() {
			continue
		}
		if p.ClientSecret == "" {
			logger.Warn("social provider enabled without client secret, code exchange unavailable", "provider", name)
		}
		enabled[name] = p
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &providerRegistry{
		configs:   enabled,
		client:    client,
		logger:    logger,
		verifiers: make(map[string]*oidc.IDTokenVerifier),
	}
}

func (r *providerRegistry) anyEnabled() bool {
	return len(r.configs) > 0
}

func (r *providerRegistry) lookup(name string) (ProviderConfig, bool) {
	p, ok := r.configs[name]
	return p, ok
}

func (r *providerRegistry) verifier(name string, cfg ProviderConfig) *oidc.IDTokenVerifier {
	key := name + ":" + cfg.ClientID

	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.verifiers[key]; ok {
		return v
	}

	keySet := oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), r.client), cfg.JWKSURI)
	v := oidc.NewVerifier(cfg.Issuer, keySet, &oidc.Config{ClientID: cfg.ClientID})
	r.verifiers[key] = v
	return v
}

// socialClaims are the claims checked beyond the standard validations.
// email_verified is a pointer: providers that omit the claim pass, an
// explicit false fails.
type socialClaims struct {
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
}

// verifyIDToken checks rawToken's signature, expiry, issuer, and audience
// against the provider, then requires its e-mail claim to match
// expectedEmail. Every failure is logged and reported as false.
func (r *providerRegistry) verifyIDToken(ctx context.Context, name string, cfg ProviderConfig, rawToken, expectedEmail string) bool {
	if rawToken == "" {
		r.logger.Info("social login rejected, empty id token", "provider", name)
		return false
	}

	idToken, err := r.verifier(name, cfg).Verify(ctx, rawToken)
	if err != nil {
		r.logger.Info("social login rejected, id token verification failed", "provider", name, "reason", err)
		return false
	}

	var claims socialClaims
	if err := idToken.Claims(&claims); err != nil {
		r.logger.Info("social login rejected, unreadable claims", "provider", name, "reason", err)
		return false
	}
	if claims.Email == "" {
		r.logger.Info("social login rejected, id token has no email claim", "provider", name)
		return false
	}
	if !strings.EqualFold(claims.Email, expectedEmail) {
		r.logger.Info("social login rejected, email mismatch", "provider", name)
		return false
	}
	if claims.EmailVerified != nil && !*claims.EmailVerified {
		r.logger.Info("social login rejected, email not verified at provider", "provider", name)
		return false
	}
	return true
}

// verifySocialResponse checks a social-login challenge answer, which is the
// provider-issued ID token. Asking for a provider that is not enabled is a
// caller error, not a verification negative.
func (e *Engine) verifySocialResponse(ctx context.Context, req *VerifyRequest) (bool, error) {
	if !e.providers.anyEnabled() {
		return false, userFacing("social login not supported - no providers are enabled")
	}

	name := req.ClientMetadata[metadataKeySocialProvider]
	if name == "" {
		return false, userFacing("missing socialProvider in client metadata")
	}
	cfg, ok := e.providers.lookup(name)
	if !ok {
		return false, userFacingf("social provider %s is not enabled", name)
	}

	ok = e.providers.verifyIDToken(ctx, name, cfg, req.Answer, req.UserEmail)
	if ok {
		e.metricInc(MetricSocialVerified)
	} else {
		e.metricInc(MetricSocialRejected)
	}
	return ok, nil
}

var errNoIDToken = errors.New("token response carried no id_token")

func (r *providerRegistry) oauthConfig(cfg ProviderConfig, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       strings.Fields(cfg.Scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
	}
}

// AuthCodeURL builds the provider's authorization URL for an
// authorization-code sign-in with PKCE (S256). The caller keeps state and
// verifier for the matching Exchange call.
func (e *Engine) AuthCodeURL(provider, redirectURL, state, codeVerifier string) (string, error) {
	cfg, ok := e.providers.lookup(provider)
	if !ok {
		return "", userFacingf("social provider %s is not enabled", provider)
	}
	if cfg.AuthURL == "" {
		return "", userFacingf("social provider %s has no authorization endpoint configured", provider)
	}
	oc := e.providers.oauthConfig(cfg, redirectURL)
	return oc.AuthCodeURL(state, oauth2.S256ChallengeOption(codeVerifier)), nil
}

// Exchange redeems an authorization code for the provider's raw ID token,
// which then feeds the social-login challenge answer.
func (e *Engine) Exchange(ctx context.Context, provider, redirectURL, code, codeVerifier string) (string, error) {
	cfg, ok := e.providers.lookup(provider)
	if !ok {
		return "", userFacingf("social provider %s is not enabled", provider)
	}
	if cfg.TokenURL == "" {
		return "", userFacingf("social provider %s has no token endpoint configured", provider)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.providers.client)
	oc := e.providers.oauthConfig(cfg, redirectURL)
	tok, err := oc.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return "", fmt.Errorf("code exchange with %s failed: %w", provider, err)
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return "", errNoIDToken
	}
	return raw, nil
}
