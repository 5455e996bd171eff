package passlink

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"

	"passlink/internal"
)

// verifyMagicLinkResponse checks a magic-link challenge answer. The
// parameter round's dummy answer is skipped unless the client claims to
// already hold a link, in which case the answer is the link secret itself.
func (e *Engine) verifyMagicLinkResponse(ctx context.Context, req *VerifyRequest) (bool, error) {
	if !e.config.MagicLink.Enabled {
		return false, ErrMagicLinkDisabled
	}

	if req.PrivateParameters[privateParamChallenge] == challengeProvideAuthParameters &&
		req.ClientMetadata[metadataKeyAlreadyHave] != "yes" {
		return false, nil
	}

	ok, err := e.verifyMagicLink(ctx, req.Answer, req.UserName)
	if err != nil {
		return false, err
	}
	if ok {
		e.metricInc(MetricLinkVerified)
	} else {
		e.metricInc(MetricLinkRejected)
	}
	return ok, nil
}

// verifyMagicLink validates a presented link secret against the consumed
// server-side record. Any negative consumes the record too: a failed
// attempt burns the link.
func (e *Engine) verifyMagicLink(ctx context.Context, fragment, userName string) (bool, error) {
	msg, sig, err := internal.SplitFragment(fragment)
	if err != nil {
		e.logger.Info("magic link rejected, malformed secret", "reason", err)
		return false, nil
	}

	record, err := e.links.Consume(ctx, userName)
	if err != nil {
		if errors.Is(err, errLinkRecordNotFound) {
			e.logger.Warn("attempt to use invalid (potentially superseded) magic link", "user", userName)
			return false, nil
		}
		e.logger.Error("magic link record read failed", "error", err)
		return false, err
	}

	if subtle.ConstantTimeCompare(sig, record.Signature) != 1 {
		e.logger.Warn("magic link rejected, signature does not match issued link", "user", userName)
		return false, nil
	}

	if e.now().Unix() > record.ExpiresAt {
		e.logger.Info("magic link rejected, expired", "user", userName)
		return false, nil
	}

	pub, err := e.publicKeyFor(ctx, record.SigningKeyID)
	if err != nil {
		e.logger.Error("magic link public key fetch failed", "keyId", record.SigningKeyID, "error", err)
		return false, fmt.Errorf("%w: %v", errSignerFailure, err)
	}

	linkCtx := internal.EncodeLinkContext(e.config.Pool.PoolID, e.config.Pool.ClientID)
	digest := internal.LinkDigest(msg, linkCtx)
	if err := rsa.VerifyPSS(pub, crypto.SHA512, digest, sig, &pssOptions); err != nil {
		e.logger.Warn("magic link rejected, signature verification failed", "user", userName)
		return false, nil
	}

	// The signature checked out, so the payload is exactly what was
	// signed. If it does not parse now, something signed garbage.
	payload, err := internal.DecodeLinkPayload(msg)
	if err != nil {
		e.logger.Error("signed magic link payload is malformed", "user", userName, "error", err)
		return false, fmt.Errorf("malformed signed payload: %w", err)
	}

	if payload.UserName != userName {
		e.logger.Warn("magic link rejected, username mismatch", "user", userName)
		return false, nil
	}
	if payload.IssuedAt != record.IssuedAt || payload.ExpiresAt != record.ExpiresAt {
		e.logger.Warn("magic link rejected, timestamps do not match issued link", "user", userName)
		return false, nil
	}

	e.logger.Info("magic link verified", "user", userName)
	return true, nil
}
