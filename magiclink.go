package passlink

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"passlink/internal"
)

// createMagicLinkChallenge handles a magic-link round of the flow. When the
// client says it already holds a link, no new link is issued; otherwise a
// fresh link is signed, recorded, and mailed.
func (e *Engine) createMagicLinkChallenge(ctx context.Context, req *ChallengeRequest) (*ChallengeOutput, error) {
	cfg := e.config.MagicLink
	if !cfg.Enabled {
		return nil, ErrMagicLinkDisabled
	}

	out := &ChallengeOutput{
		ChallengeMetadata: MetadataMagicLink,
		PublicParameters:  map[string]string{privateParamChallenge: challengeProvideMagicLink},
		PrivateParameters: map[string]string{privateParamChallenge: challengeProvideMagicLink},
	}

	if req.ClientMetadata[metadataKeyAlreadyHave] == "yes" {
		e.logger.Debug("client reports existing magic link, not issuing a new one", "user", req.UserName)
		return out, nil
	}

	redirectURI := req.ClientMetadata[metadataKeyRedirectURI]
	if !originAllowed(cfg.AllowedOrigins, redirectURI) {
		e.logger.Warn("magic link requested with disallowed redirect", "redirectUri", redirectURI)
		return nil, userFacingf("invalid redirectUri: %s", redirectURI)
	}

	if err := e.issueMagicLink(ctx, req, redirectURI); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) issueMagicLink(ctx context.Context, req *ChallengeRequest, redirectURI string) error {
	cfg := e.config.MagicLink
	now := e.now()

	payload := internal.LinkPayload{
		UserName:  req.UserName,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(cfg.LinkTTL).Unix(),
	}
	msg, err := internal.EncodeLinkPayload(payload)
	if err != nil {
		return fmt.Errorf("encode link payload: %w", err)
	}

	linkCtx := internal.EncodeLinkContext(e.config.Pool.PoolID, e.config.Pool.ClientID)
	digest := internal.LinkDigest(msg, linkCtx)

	sig, err := e.signer.Sign(ctx, cfg.SigningKeyID, digest)
	if err != nil {
		e.logger.Error("magic link signing failed", "error", err)
		return fmt.Errorf("%w: %v", errSignerFailure, err)
	}

	record := &linkRecord{
		Signature:    sig,
		IssuedAt:     payload.IssuedAt,
		ExpiresAt:    payload.ExpiresAt,
		SigningKeyID: cfg.SigningKeyID,
	}
	if err := e.links.PutIfAllowed(ctx, req.UserName, record, cfg.MinimumInterval); err != nil {
		if errors.Is(err, errLinkTooSoon) {
			e.metricInc(MetricLinkRateLimited)
			return ErrMagicLinkRateLimited
		}
		e.logger.Error("magic link record write failed", "error", err)
		return err
	}

	link := redirectURI + "#" + internal.ComposeFragment(msg, sig)

	if req.UserNotFound {
		// Keep unknown-user requests observably identical to real ones:
		// same work above, roughly the same latency, no mail.
		e.logger.Debug("pretending to send magic link to unknown user")
		e.metricInc(MetricLinkPretendSend)
		enumerationDelay(ctx)
		return nil
	}

	htmlBody, textBody, err := renderLinkEmail(link, cfg.LinkTTL)
	if err != nil {
		return fmt.Errorf("render link e-mail: %w", err)
	}
	if err := e.mailer.Send(ctx, cfg.FromAddress, req.UserEmail, cfg.Subject, htmlBody, textBody); err != nil {
		if errors.Is(err, ErrSenderNotVerified) {
			e.logger.Warn("magic link not sent, sender address unverified", "from", cfg.FromAddress)
			return userFacing("the sending e-mail address must still be verified with the e-mail service")
		}
		e.logger.Error("magic link mail delivery failed", "error", err)
		return fmt.Errorf("send magic link: %w", err)
	}

	e.metricInc(MetricLinkIssued)
	e.logger.Info("magic link issued", "user", req.UserName, "expiresAt", payload.ExpiresAt)
	return nil
}

// enumerationDelay sleeps a random 0-200ms so the unknown-user path cannot
// be told apart from real mail delivery by timing.
func enumerationDelay(ctx context.Context) {
	d := time.Duration(rand.Int63n(int64(200 * time.Millisecond)))
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
