package passlink

// SignInMethod selects which challenge flow a sign-in attempt uses. The
// client announces it through the "signInMethod" metadata key on every
// round of the flow.
type SignInMethod string

const (
	MethodMagicLink   SignInMethod = "MAGIC_LINK"
	MethodSocialLogin SignInMethod = "SOCIAL_LOGIN"
	MethodFIDO2       SignInMethod = "FIDO2"
	MethodSMSOTP      SignInMethod = "SMS_OTP"
)

// Valid reports whether m is one of the supported sign-in methods.
func (m SignInMethod) Valid() bool {
	switch m {
	case MethodMagicLink, MethodSocialLogin, MethodFIDO2, MethodSMSOTP:
		return true
	}
	return false
}

// ChallengeKindCustom is the only challenge kind this engine issues or
// accepts. Any other kind appearing in the attempt history denies the flow.
const ChallengeKindCustom = "CUSTOM_CHALLENGE"

// Challenge metadata values attached to issued challenges. The first round of
// every flow is a neutral parameter round; it never counts as a real attempt.
const (
	MetadataProvideAuthParameters = "PROVIDE_AUTH_PARAMETERS"
	MetadataMagicLink             = "MAGIC_LINK"
	MetadataSocialLogin           = "SOCIAL_LOGIN"
)

// Client metadata keys recognized by the engine.
const (
	metadataKeySignInMethod   = "signInMethod"
	metadataKeyRedirectURI    = "redirectUri"
	metadataKeyAlreadyHave    = "alreadyHaveMagicLink"
	metadataKeySocialProvider = "socialProvider"
)

// Private parameter key carried between CreateChallenge and VerifyResponse.
const privateParamChallenge = "challenge"

// Private parameter values naming what the client must provide next.
const (
	challengeProvideAuthParameters = "PROVIDE_AUTH_PARAMETERS"
	challengeProvideMagicLink      = "PROVIDE_MAGIC_LINK"
	challengeProvideIDToken        = "PROVIDE_ID_TOKEN"
)

// Attempt is one completed round of the challenge flow, as recorded by the
// auth backend. The history of attempts drives NextStep.
type Attempt struct {
	ChallengeKind     string
	ChallengeMetadata string
	Succeeded         bool
}

// Step is the state machine's verdict for the current round.
type Step uint8

const (
	// StepChallenge issues (another) custom challenge to the client.
	StepChallenge Step = iota
	// StepAllow completes the sign-in and releases tokens.
	StepAllow
	// StepDeny fails the sign-in.
	StepDeny
)

func (s Step) String() string {
	switch s {
	case StepChallenge:
		return "challenge"
	case StepAllow:
		return "allow"
	case StepDeny:
		return "deny"
	}
	return "unknown"
}

// Decision is the outcome of NextStep. Reason is set only for StepDeny.
type Decision struct {
	Step   Step
	Reason string
}

// ChallengeRequest carries the state CreateChallenge needs to produce the
// next challenge. UserNotFound marks a sign-in for an unknown account; the
// engine then goes through the motions without side effects observable to
// the caller.
type ChallengeRequest struct {
	UserName       string
	UserEmail      string
	UserNotFound   bool
	Attempts       []Attempt
	ClientMetadata map[string]string
}

// ChallengeOutput is the challenge produced by CreateChallenge.
// PublicParameters go back to the client; PrivateParameters are retained by
// the backend and fed into the matching VerifyResponse call.
type ChallengeOutput struct {
	ChallengeMetadata string
	PublicParameters  map[string]string
	PrivateParameters map[string]string
}

// VerifyRequest carries a client's challenge answer into VerifyResponse.
type VerifyRequest struct {
	UserName          string
	UserEmail         string
	UserNotFound      bool
	Answer            string
	ClientMetadata    map[string]string
	PrivateParameters map[string]string
}

// TokenSet is the credential bundle released on a successful sign-in.
type TokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	ExpiresIn    int64
	TokenType    string
}
