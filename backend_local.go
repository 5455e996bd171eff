package passlink

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"passlink/internal"
)

// backendSessionTTL bounds how long an open challenge flow may idle.
const backendSessionTTL = 3 * time.Minute

// refreshTokenBytes is the entropy of minted refresh tokens.
const refreshTokenBytes = 32

var errBackendSession = errors.New("invalid or expired session")

// UserResolver supplies the e-mail address for a username. Unknown users
// return found=false; the flow then runs to completion without observable
// difference and denies at the end.
type UserResolver interface {
	ResolveEmail(ctx context.Context, userName string) (email string, found bool, err error)
}

type backendSession struct {
	userName        string
	email           string
	userNotFound    bool
	secretHash      string
	attempts        []Attempt
	pendingMetadata string
	pendingPrivate  map[string]string
	expiresAt       time.Time
}

// LocalBackend is an in-process AuthBackend that drives the engine's
// challenge callbacks directly and mints the token set itself. It plays the
// role a hosted user pool plays in production and doubles as the test
// harness for the full flow.
type LocalBackend struct {
	engine   *Engine
	users    UserResolver
	tokenKey []byte

	mu       sync.Mutex
	sessions map[string]*backendSession
}

func newLocalBackend(engine *Engine, users UserResolver, tokenKey []byte) *LocalBackend {
	return &LocalBackend{
		engine:   engine,
		users:    users,
		tokenKey: tokenKey,
		sessions: make(map[string]*backendSession),
	}
}

func (b *LocalBackend) checkSecretHash(userName, provided string) bool {
	expected := internal.SecretHash(userName, b.engine.config.Pool.ClientID, b.engine.config.Pool.ClientSecret)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// StartSession opens a flow and runs the first CreateChallenge round (the
// neutral parameter round).
func (b *LocalBackend) StartSession(ctx context.Context, userName, secretHash string) (string, error) {
	if userName == "" {
		return "", errBackendSession
	}
	if !b.checkSecretHash(userName, secretHash) {
		return "", errors.New("secret hash mismatch")
	}

	email, found, err := b.users.ResolveEmail(ctx, userName)
	if err != nil {
		return "", fmt.Errorf("resolve user: %w", err)
	}

	sess := &backendSession{
		userName:     userName,
		email:        email,
		userNotFound: !found,
		secretHash:   secretHash,
		expiresAt:    b.engine.now().Add(backendSessionTTL),
	}

	out, err := b.engine.CreateChallenge(ctx, &ChallengeRequest{
		UserName:       userName,
		UserEmail:      email,
		UserNotFound:   sess.userNotFound,
		Attempts:       nil,
		ClientMetadata: nil,
	})
	if err != nil {
		return "", err
	}
	sess.pendingMetadata = out.ChallengeMetadata
	sess.pendingPrivate = out.PrivateParameters

	handle := uuid.NewString()
	b.mu.Lock()
	b.sessions[handle] = sess
	b.mu.Unlock()
	return handle, nil
}

// RespondToChallenge verifies one answer, advances the state machine, and
// either finishes the flow or issues the next challenge under a fresh
// session handle. Old handles become invalid with each round.
func (b *LocalBackend) RespondToChallenge(ctx context.Context, session, userName, secretHash, answer string, clientMetadata map[string]string) (*ChallengeResult, error) {
	b.mu.Lock()
	sess, ok := b.sessions[session]
	if ok {
		delete(b.sessions, session)
	}
	b.mu.Unlock()

	if !ok || b.engine.now().After(sess.expiresAt) {
		return nil, errBackendSession
	}
	if sess.userName != userName || !b.checkSecretHash(userName, secretHash) {
		return nil, errBackendSession
	}

	correct, err := b.engine.VerifyResponse(ctx, &VerifyRequest{
		UserName:          sess.userName,
		UserEmail:         sess.email,
		UserNotFound:      sess.userNotFound,
		Answer:            answer,
		ClientMetadata:    clientMetadata,
		PrivateParameters: sess.pendingPrivate,
	})
	if err != nil {
		return nil, err
	}

	sess.attempts = append(sess.attempts, Attempt{
		ChallengeKind:     ChallengeKindCustom,
		ChallengeMetadata: sess.pendingMetadata,
		Succeeded:         correct,
	})

	decision := NextStep(sess.attempts, clientMetadata)
	switch decision.Step {
	case StepAllow:
		if sess.userNotFound {
			// The flow ran to the end for timing parity; the account
			// still does not exist.
			b.engine.metricInc(MetricSignInDenied)
			return nil, errBackendSession
		}
		tokens, err := b.mintTokens(sess)
		if err != nil {
			return nil, err
		}
		return &ChallengeResult{Tokens: tokens}, nil

	case StepDeny:
		b.engine.metricInc(MetricSignInDenied)
		return nil, fmt.Errorf("sign-in denied: %s", decision.Reason)

	default:
		out, err := b.engine.CreateChallenge(ctx, &ChallengeRequest{
			UserName:       sess.userName,
			UserEmail:      sess.email,
			UserNotFound:   sess.userNotFound,
			Attempts:       sess.attempts,
			ClientMetadata: clientMetadata,
		})
		if err != nil {
			return nil, err
		}
		sess.pendingMetadata = out.ChallengeMetadata
		sess.pendingPrivate = out.PrivateParameters
		sess.expiresAt = b.engine.now().Add(backendSessionTTL)

		handle := uuid.NewString()
		b.mu.Lock()
		b.sessions[handle] = sess
		b.mu.Unlock()
		return &ChallengeResult{Session: handle}, nil
	}
}

func (b *LocalBackend) mintTokens(sess *backendSession) (*TokenSet, error) {
	cfg := b.engine.config.Pool
	now := b.engine.now()
	expires := now.Add(cfg.TokenTTL)

	base := jwt.MapClaims{
		"sub": sess.userName,
		"iss": "passlink-local/" + cfg.PoolID,
		"aud": cfg.ClientID,
		"iat": now.Unix(),
		"exp": expires.Unix(),
	}

	accessClaims := jwt.MapClaims{"token_use": "access"}
	for k, v := range base {
		accessClaims[k] = v
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString(b.tokenKey)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}

	idClaims := jwt.MapClaims{"token_use": "id", "email": sess.email}
	for k, v := range base {
		idClaims[k] = v
	}
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, idClaims).SignedString(b.tokenKey)
	if err != nil {
		return nil, fmt.Errorf("mint id token: %w", err)
	}

	refresh, err := internal.NewOpaqueToken(refreshTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("mint refresh token: %w", err)
	}

	return &TokenSet{
		AccessToken:  access,
		IDToken:      idToken,
		RefreshToken: refresh,
		ExpiresIn:    int64(cfg.TokenTTL / time.Second),
		TokenType:    "Bearer",
	}, nil
}
