package passlink

import (
	"errors"
	"fmt"
)

// Exported sentinels. Callers match these with errors.Is.
var (
	// ErrEngineNotReady is returned when an operation needs a collaborator
	// (backend, signer, mailer, store) that was never wired in.
	ErrEngineNotReady = errors.New("engine not fully configured")

	// ErrMagicLinkDisabled is returned when magic-link sign-in is requested
	// while disabled in configuration. Safe to show to end users.
	ErrMagicLinkDisabled = errors.New("sign-in with magic link not supported")

	// ErrMagicLinkRateLimited is returned when a link was issued for the
	// same user too recently. Safe to show to end users.
	ErrMagicLinkRateLimited = errors.New("a magic link was issued recently, please wait before requesting another")

	// ErrMagicLinkInvalid is the single generic failure of the facade's
	// complete step. Every completion failure collapses into it.
	ErrMagicLinkInvalid = errors.New("invalid or expired magic link, please request a new one")

	// ErrMagicLinkSendFailed is the single generic failure of the facade's
	// initiate step.
	ErrMagicLinkSendFailed = errors.New("failed to send magic link")

	// ErrSenderNotVerified should be returned by a Mailer whose sending
	// identity is not yet verified with the mail provider. The engine
	// translates it into a user-facing remediation hint instead of a hard
	// failure.
	ErrSenderNotVerified = errors.New("sender e-mail address not verified")
)

// Internal sentinels, surfaced to callers only through wrapping.
var (
	errStoreUnavailable = errors.New("replay store unavailable")
	errSignerFailure    = errors.New("signing service failure")
)

// UserFacingError marks an error whose message is safe to surface verbatim
// to the person signing in. Everything else must be collapsed to a generic
// message before leaving the system.
type UserFacingError struct {
	msg string
}

func (e *UserFacingError) Error() string { return e.msg }

func userFacing(msg string) *UserFacingError {
	return &UserFacingError{msg: msg}
}

func userFacingf(format string, args ...any) *UserFacingError {
	return &UserFacingError{msg: fmt.Sprintf(format, args...)}
}

// IsUserFacing reports whether err (or anything it wraps) is safe to show
// to end users.
func IsUserFacing(err error) bool {
	var ufe *UserFacingError
	if errors.As(err, &ufe) {
		return true
	}
	return errors.Is(err, ErrMagicLinkDisabled) ||
		errors.Is(err, ErrMagicLinkRateLimited) ||
		errors.Is(err, ErrMagicLinkInvalid) ||
		errors.Is(err, ErrMagicLinkSendFailed)
}
