// Package passlink implements passwordless sign-in: e-mailed magic links with
// asymmetric signing and replay protection, and social login through OIDC
// ID-token verification.
//
// The package is organized around an Engine built through a Builder. The
// Engine exposes the three challenge callbacks that drive a custom
// authentication flow (NextStep, CreateChallenge, VerifyResponse) and a small
// facade (InitiateMagicLink, CompleteMagicLink) that runs the whole flow
// against an AuthBackend.
//
// Magic links carry a signed payload in the URL fragment so the secret never
// reaches the redirect target's server logs. Each issued link is recorded in
// redis under a salted hash of the username; verification consumes the record
// atomically, so a link works at most once and issuing a new link invalidates
// the previous one.
//
// Social login verifies provider-issued ID tokens (signature, expiry, issuer,
// audience) against the provider's JWKS endpoint and then matches the e-mail
// claim against the account being signed in.
package passlink
