package passlink

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

const (
	testUser     = "alice@example.test"
	testRedirect = "https://app.example.test/signin"
)

func magicLinkRequest(user string, md map[string]string) *ChallengeRequest {
	return &ChallengeRequest{
		UserName:       user,
		UserEmail:      user,
		Attempts:       []Attempt{customAttempt(MetadataProvideAuthParameters, false)},
		ClientMetadata: md,
	}
}

func issueLink(t *testing.T, engine *Engine, mailer *testMailer, user string) string {
	t.Helper()

	out, err := engine.CreateChallenge(context.Background(), magicLinkRequest(user, map[string]string{
		metadataKeySignInMethod: string(MethodMagicLink),
		metadataKeyRedirectURI:  testRedirect,
		metadataKeyAlreadyHave:  "no",
	}))
	if err != nil {
		t.Fatalf("CreateChallenge failed: %v", err)
	}
	if out.PrivateParameters[privateParamChallenge] != challengeProvideMagicLink {
		t.Fatalf("unexpected private parameters: %v", out.PrivateParameters)
	}
	return secretFromLink(t, linkFromMail(t, mailer.last(t)))
}

func verifyLink(t *testing.T, engine *Engine, user, secret string) (bool, error) {
	t.Helper()

	return engine.VerifyResponse(context.Background(), &VerifyRequest{
		UserName:  user,
		UserEmail: user,
		Answer:    secret,
		ClientMetadata: map[string]string{
			metadataKeySignInMethod: string(MethodMagicLink),
			metadataKeyAlreadyHave:  "yes",
		},
		PrivateParameters: map[string]string{privateParamChallenge: challengeProvideMagicLink},
	})
}

func TestMagicLinkIssueAndVerify(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newTestEngine(t, rdb, testConfig())
	secret := issueLink(t, engine, mailer, testUser)

	mail := mailer.last(t)
	if mail.to != testUser {
		t.Fatalf("mail sent to %q, want %q", mail.to, testUser)
	}
	if mail.from != "no-reply@example.test" {
		t.Fatalf("mail sent from %q", mail.from)
	}
	if !strings.HasPrefix(linkFromMail(t, mail), testRedirect+"#") {
		t.Fatalf("link does not target redirect URI: %q", linkFromMail(t, mail))
	}

	ok, err := verifyLink(t, engine, testUser, secret)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !ok {
		t.Fatal("freshly issued link must verify")
	}
}

func TestMagicLinkIsSingleUse(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newTestEngine(t, rdb, testConfig())
	secret := issueLink(t, engine, mailer, testUser)

	if ok, _ := verifyLink(t, engine, testUser, secret); !ok {
		t.Fatal("first use must verify")
	}
	ok, err := verifyLink(t, engine, testUser, secret)
	if err != nil {
		t.Fatalf("second verify errored: %v", err)
	}
	if ok {
		t.Fatal("second use must fail")
	}
}

func TestMagicLinkFailedAttemptBurnsLink(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newTestEngine(t, rdb, testConfig())
	secret := issueLink(t, engine, mailer, testUser)

	// Well-formed but wrong: decodes fine, signature cannot match.
	if ok, _ := verifyLink(t, engine, testUser, "AAAA.BBBB"); ok {
		t.Fatal("garbage must not verify")
	}
	if ok, _ := verifyLink(t, engine, testUser, secret); ok {
		t.Fatal("real link must be dead after a failed attempt consumed the record")
	}
}

func TestMagicLinkNewLinkSupersedesOld(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newTestEngine(t, rdb, testConfig())

	base := time.Now()
	setEngineClock(engine, base)
	first := issueLink(t, engine, mailer, testUser)

	setEngineClock(engine, base.Add(2*time.Minute))
	issueLink(t, engine, mailer, testUser)

	if ok, _ := verifyLink(t, engine, testUser, first); ok {
		t.Fatal("superseded link must not verify")
	}
	// The failed attempt consumed the record, so issue a fresh link to
	// prove the happy path still works.
	setEngineClock(engine, base.Add(4*time.Minute))
	third := issueLink(t, engine, mailer, testUser)
	if ok, _ := verifyLink(t, engine, testUser, third); !ok {
		t.Fatal("latest link must verify")
	}
}

func TestMagicLinkRateLimited(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newTestEngine(t, rdb, testConfig())

	base := time.Now()
	setEngineClock(engine, base)
	issueLink(t, engine, mailer, testUser)

	setEngineClock(engine, base.Add(10*time.Second))
	_, err := engine.CreateChallenge(context.Background(), magicLinkRequest(testUser, map[string]string{
		metadataKeySignInMethod: string(MethodMagicLink),
		metadataKeyRedirectURI:  testRedirect,
		metadataKeyAlreadyHave:  "no",
	}))
	if !errors.Is(err, ErrMagicLinkRateLimited) {
		t.Fatalf("expected ErrMagicLinkRateLimited, got %v", err)
	}
	if !IsUserFacing(err) {
		t.Fatal("rate limit must be user-facing")
	}

	setEngineClock(engine, base.Add(61*time.Second))
	issueLink(t, engine, mailer, testUser)
}

func TestMagicLinkExpired(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newTestEngine(t, rdb, testConfig())

	base := time.Now()
	setEngineClock(engine, base)
	secret := issueLink(t, engine, mailer, testUser)

	setEngineClock(engine, base.Add(16*time.Minute))
	ok, err := verifyLink(t, engine, testUser, secret)
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if ok {
		t.Fatal("expired link must not verify")
	}
}

func TestMagicLinkTamperedPayloadRejected(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newTestEngine(t, rdb, testConfig())
	secret := issueLink(t, engine, mailer, testUser)

	encoded, sig, ok := strings.Cut(secret, ".")
	if !ok {
		t.Fatalf("unexpected secret format: %q", secret)
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	payload["userName"] = "mallory@example.test"
	forged, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	tampered := base64.RawURLEncoding.EncodeToString(forged) + "." + sig

	got, err := verifyLink(t, engine, testUser, tampered)
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if got {
		t.Fatal("tampered payload must not verify")
	}
}

func TestMagicLinkTimestampMismatchRejected(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newTestEngine(t, rdb, testConfig())
	secret := issueLink(t, engine, mailer, testUser)

	// Rewrite the stored record with a shifted iat but the same signature.
	record, err := engine.links.Consume(context.Background(), testUser)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	record.IssuedAt++
	if err := engine.links.PutIfAllowed(context.Background(), testUser, record, 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	ok, err := verifyLink(t, engine, testUser, secret)
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if ok {
		t.Fatal("timestamp mismatch must not verify")
	}
}

func TestMagicLinkWrongUserRejected(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newTestEngine(t, rdb, testConfig())
	secret := issueLink(t, engine, mailer, testUser)

	ok, err := verifyLink(t, engine, "bob@example.test", secret)
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if ok {
		t.Fatal("link must not verify for another user")
	}
}

func TestMagicLinkRejectsForeignOrigin(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, _ := newTestEngine(t, rdb, testConfig())

	for _, uri := range []string{
		"https://evil.example.test/signin",
		"https://app.example.test.evil.test/signin",
		"http://app.example.test/signin",
		"",
		"not a url",
	} {
		_, err := engine.CreateChallenge(context.Background(), magicLinkRequest(testUser, map[string]string{
			metadataKeySignInMethod: string(MethodMagicLink),
			metadataKeyRedirectURI:  uri,
			metadataKeyAlreadyHave:  "no",
		}))
		if err == nil || !IsUserFacing(err) {
			t.Fatalf("redirect %q: expected user-facing rejection, got %v", uri, err)
		}
		if !strings.Contains(err.Error(), "invalid redirectUri") {
			t.Fatalf("redirect %q: unexpected message %q", uri, err)
		}
	}
}

func TestMagicLinkPretendSendForUnknownUser(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newTestEngine(t, rdb, testConfig())

	req := magicLinkRequest("ghost@example.test", map[string]string{
		metadataKeySignInMethod: string(MethodMagicLink),
		metadataKeyRedirectURI:  testRedirect,
		metadataKeyAlreadyHave:  "no",
	})
	req.UserNotFound = true

	out, err := engine.CreateChallenge(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateChallenge failed: %v", err)
	}
	if out.PrivateParameters[privateParamChallenge] != challengeProvideMagicLink {
		t.Fatalf("unknown-user output differs from real output: %v", out.PrivateParameters)
	}
	if mailer.count() != 0 {
		t.Fatal("no mail may be sent for unknown users")
	}
	if len(mr.Keys()) != 1 {
		t.Fatalf("expected the replay record to be written anyway, keys: %v", mr.Keys())
	}
}

func TestMagicLinkAlreadyHaveSkipsIssuance(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newTestEngine(t, rdb, testConfig())

	out, err := engine.CreateChallenge(context.Background(), magicLinkRequest(testUser, map[string]string{
		metadataKeySignInMethod: string(MethodMagicLink),
		metadataKeyAlreadyHave:  "yes",
	}))
	if err != nil {
		t.Fatalf("CreateChallenge failed: %v", err)
	}
	if out.ChallengeMetadata != MetadataMagicLink {
		t.Fatalf("metadata = %q", out.ChallengeMetadata)
	}
	if mailer.count() != 0 || len(mr.Keys()) != 0 {
		t.Fatal("claiming an existing link must not issue a new one")
	}
}

func TestMagicLinkDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.MagicLink.Enabled = false

	engine, err := New().WithConfig(cfg).WithLogger(discardLogger()).Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	_, err = engine.CreateChallenge(context.Background(), magicLinkRequest(testUser, map[string]string{
		metadataKeySignInMethod: string(MethodMagicLink),
		metadataKeyRedirectURI:  testRedirect,
	}))
	if err == nil || !IsUserFacing(err) || !strings.Contains(err.Error(), "not supported") {
		t.Fatalf("expected user-facing disabled error, got %v", err)
	}

	_, err = engine.VerifyResponse(context.Background(), &VerifyRequest{
		UserName:       testUser,
		Answer:         "x.y",
		ClientMetadata: map[string]string{metadataKeySignInMethod: string(MethodMagicLink)},
	})
	if err == nil || !IsUserFacing(err) {
		t.Fatalf("expected user-facing disabled error on verify, got %v", err)
	}
}

func TestVerifySkipsParameterRound(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, _ := newTestEngine(t, rdb, testConfig())

	ok, err := engine.VerifyResponse(context.Background(), &VerifyRequest{
		UserName: testUser,
		Answer:   dummyChallengeAnswer,
		ClientMetadata: map[string]string{
			metadataKeySignInMethod: string(MethodMagicLink),
			metadataKeyAlreadyHave:  "no",
		},
		PrivateParameters: map[string]string{privateParamChallenge: challengeProvideAuthParameters},
	})
	if err != nil {
		t.Fatalf("verify errored: %v", err)
	}
	if ok {
		t.Fatal("parameter round must never verify")
	}
}

func TestMagicLinkSenderNotVerified(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newTestEngine(t, rdb, testConfig())
	mailer.failWith = ErrSenderNotVerified

	_, err := engine.CreateChallenge(context.Background(), magicLinkRequest(testUser, map[string]string{
		metadataKeySignInMethod: string(MethodMagicLink),
		metadataKeyRedirectURI:  testRedirect,
		metadataKeyAlreadyHave:  "no",
	}))
	if err == nil || !IsUserFacing(err) {
		t.Fatalf("expected user-facing remediation, got %v", err)
	}
	if !strings.Contains(err.Error(), "verified") {
		t.Fatalf("unexpected message: %q", err)
	}
}

func TestMagicLinkMailFailureIsInternal(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newTestEngine(t, rdb, testConfig())
	mailer.failWith = errors.New("smtp down")

	_, err := engine.CreateChallenge(context.Background(), magicLinkRequest(testUser, map[string]string{
		metadataKeySignInMethod: string(MethodMagicLink),
		metadataKeyRedirectURI:  testRedirect,
		metadataKeyAlreadyHave:  "no",
	}))
	if err == nil || IsUserFacing(err) {
		t.Fatalf("expected internal error, got %v", err)
	}
}
