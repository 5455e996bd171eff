package passlink

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"passlink/internal"
)

// dummyChallengeAnswer answers the neutral parameter round. Its value never
// matters; the round exists only to carry client metadata.
const dummyChallengeAnswer = "__dummy__"

// ChallengeResult is one step of a backend flow: either another challenge
// round (Session set) or a finished sign-in (Tokens set).
type ChallengeResult struct {
	Session string
	Tokens  *TokenSet
}

// AuthBackend runs the challenge flow the engine's facade drives. The
// built-in LocalBackend implements it in-process; deployments fronting a
// hosted user pool implement it with their pool's API calls.
type AuthBackend interface {
	// StartSession opens a custom sign-in flow for userName and returns
	// an opaque session handle.
	StartSession(ctx context.Context, userName, secretHash string) (string, error)
	// RespondToChallenge submits one challenge answer.
	RespondToChallenge(ctx context.Context, session, userName, secretHash, answer string, clientMetadata map[string]string) (*ChallengeResult, error)
}

// InitiateMagicLink starts a magic-link sign-in for email: it opens a
// backend session and answers the parameter round so the link gets issued
// and mailed. The returned session must be presented to CompleteMagicLink
// on the same device.
//
// Errors safe to show end users come through as-is; everything else
// collapses to ErrMagicLinkSendFailed.
func (e *Engine) InitiateMagicLink(ctx context.Context, email, redirectURI string) (session, message string, err error) {
	if e.backend == nil {
		return "", "", ErrEngineNotReady
	}

	secretHash := internal.SecretHash(email, e.config.Pool.ClientID, e.config.Pool.ClientSecret)

	sess, err := e.backend.StartSession(ctx, email, secretHash)
	if err != nil {
		e.logger.Error("magic link initiate failed to start session", "error", err)
		return "", "", e.collapse(err, ErrMagicLinkSendFailed)
	}

	result, err := e.backend.RespondToChallenge(ctx, sess, email, secretHash, dummyChallengeAnswer, map[string]string{
		metadataKeySignInMethod: string(MethodMagicLink),
		metadataKeyRedirectURI:  redirectURI,
		metadataKeyAlreadyHave:  "no",
	})
	if err != nil {
		e.logger.Error("magic link initiate failed", "error", err)
		return "", "", e.collapse(err, ErrMagicLinkSendFailed)
	}
	if result.Session == "" {
		e.logger.Error("magic link initiate ended without a continuation session")
		return "", "", ErrMagicLinkSendFailed
	}

	return result.Session, "Magic link sent to your e-mail address. Check your inbox.", nil
}

// CompleteMagicLink redeems a link secret against an open session and
// returns the token set. The username is read from the secret's payload
// half; a session opened for any other user fails. Every failure collapses
// to ErrMagicLinkInvalid so the caller learns nothing about why.
func (e *Engine) CompleteMagicLink(ctx context.Context, session, secret string) (*TokenSet, error) {
	if e.backend == nil {
		return nil, ErrEngineNotReady
	}
	if session == "" || secret == "" {
		return nil, ErrMagicLinkInvalid
	}

	userName, ok := userNameFromSecret(secret)
	if !ok {
		e.logger.Info("magic link complete with unreadable secret")
		return nil, ErrMagicLinkInvalid
	}

	secretHash := internal.SecretHash(userName, e.config.Pool.ClientID, e.config.Pool.ClientSecret)

	result, err := e.backend.RespondToChallenge(ctx, session, userName, secretHash, secret, map[string]string{
		metadataKeySignInMethod: string(MethodMagicLink),
		metadataKeyAlreadyHave:  "yes",
	})
	if err != nil {
		e.logger.Info("magic link complete rejected", "reason", err)
		return nil, ErrMagicLinkInvalid
	}
	if result.Tokens == nil {
		e.logger.Info("magic link complete did not finish the flow")
		return nil, ErrMagicLinkInvalid
	}

	e.metricInc(MetricSignInAllowed)
	return result.Tokens, nil
}

// collapse returns err when it is safe to show end users, otherwise the
// generic fallback.
func (e *Engine) collapse(err, generic error) error {
	if IsUserFacing(err) {
		return err
	}
	return generic
}

// userNameFromSecret reads the userName out of the payload half of a link
// secret without verifying anything; verification happens inside the flow.
func userNameFromSecret(secret string) (string, bool) {
	encoded, _, ok := strings.Cut(secret, ".")
	if !ok {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", false
	}
	var payload struct {
		UserName string `json:"userName"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.UserName == "" {
		return "", false
	}
	return payload.UserName, true
}
