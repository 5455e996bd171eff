package passlink

import (
	"context"
	"fmt"
)

// NextStep decides how the flow continues given the attempt history and the
// client metadata of the current call. It is pure: no I/O, no side effects.
//
// The first round is always a neutral parameter round so the client can
// announce its sign-in method before any real challenge is generated; that
// round never counts as an attempt.
func NextStep(attempts []Attempt, md map[string]string) Decision {
	if len(attempts) == 0 {
		return Decision{Step: StepChallenge}
	}

	for _, a := range attempts {
		if a.ChallengeKind != ChallengeKindCustom {
			return Decision{Step: StepDeny, Reason: "Expected CUSTOM_CHALLENGE"}
		}
	}

	last := attempts[len(attempts)-1]
	method := SignInMethod(md[metadataKeySignInMethod])

	switch method {
	case MethodMagicLink:
		if last.Succeeded {
			return Decision{Step: StepAllow}
		}
		if md[metadataKeyAlreadyHave] != "yes" && countAttempts(attempts) == 0 {
			return Decision{Step: StepChallenge}
		}
		return Decision{Step: StepDeny, Reason: "Failed to authenticate with Magic Link"}

	case MethodSocialLogin:
		if last.Succeeded {
			return Decision{Step: StepAllow}
		}
		if countAttempts(attempts) == 0 {
			return Decision{Step: StepChallenge}
		}
		return Decision{Step: StepDeny, Reason: "Failed to authenticate with Social Login"}

	case MethodFIDO2:
		return Decision{Step: StepDeny, Reason: "FIDO2 authentication not yet implemented"}

	case MethodSMSOTP:
		return Decision{Step: StepDeny, Reason: "SMS OTP authentication not yet implemented"}
	}

	return Decision{Step: StepDeny, Reason: fmt.Sprintf("Unrecognized signInMethod: %s", method)}
}

// countAttempts counts real challenge rounds, skipping the initial
// parameter round.
func countAttempts(attempts []Attempt) int {
	n := 0
	for _, a := range attempts {
		if a.ChallengeMetadata == MetadataProvideAuthParameters {
			continue
		}
		n++
	}
	return n
}

// CreateChallenge produces the next challenge for the flow. The first call
// of a flow (no attempts yet) emits the parameter round; later calls
// dispatch on the announced sign-in method. Magic-link rounds have the side
// effect of actually issuing and mailing the link.
func (e *Engine) CreateChallenge(ctx context.Context, req *ChallengeRequest) (*ChallengeOutput, error) {
	if len(req.Attempts) == 0 {
		return &ChallengeOutput{
			ChallengeMetadata: MetadataProvideAuthParameters,
			PublicParameters:  map[string]string{privateParamChallenge: challengeProvideAuthParameters},
			PrivateParameters: map[string]string{privateParamChallenge: challengeProvideAuthParameters},
		}, nil
	}

	method := SignInMethod(req.ClientMetadata[metadataKeySignInMethod])
	if !method.Valid() {
		return nil, fmt.Errorf("unrecognized signInMethod: %q", method)
	}

	switch method {
	case MethodMagicLink:
		return e.createMagicLinkChallenge(ctx, req)
	case MethodSocialLogin:
		return &ChallengeOutput{
			ChallengeMetadata: MetadataSocialLogin,
			PublicParameters:  map[string]string{privateParamChallenge: challengeProvideIDToken},
			PrivateParameters: map[string]string{privateParamChallenge: challengeProvideIDToken},
		}, nil
	case MethodFIDO2:
		return nil, userFacing("FIDO2 authentication not yet implemented")
	default:
		return nil, userFacing("SMS OTP authentication not yet implemented")
	}
}

// VerifyResponse checks a challenge answer. The result defaults to false;
// verification negatives are reported as (false, nil) with the cause logged,
// never as errors. Errors are reserved for infrastructure failures and
// caller mistakes such as an unconfigured provider.
func (e *Engine) VerifyResponse(ctx context.Context, req *VerifyRequest) (bool, error) {
	method := SignInMethod(req.ClientMetadata[metadataKeySignInMethod])
	if !method.Valid() {
		e.logger.Warn("verify with unrecognized sign-in method", "method", string(method))
		return false, nil
	}

	switch method {
	case MethodMagicLink:
		return e.verifyMagicLinkResponse(ctx, req)
	case MethodSocialLogin:
		return e.verifySocialResponse(ctx, req)
	case MethodFIDO2:
		return false, userFacing("FIDO2 authentication not yet implemented")
	default:
		return false, userFacing("SMS OTP authentication not yet implemented")
	}
}
