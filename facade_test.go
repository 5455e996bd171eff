package passlink

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

var testTokenKey = []byte("0123456789abcdef0123456789abcdef")

func newFacadeEngine(t *testing.T, rdb *redis.Client, resolver UserResolver) (*Engine, *testMailer) {
	t.Helper()

	signer := NewKeySigner()
	signer.AddKey(testSigningKeyID, testRSAKey)
	mailer := &testMailer{}

	engine, err := New().
		WithConfig(testConfig()).
		WithRedis(rdb).
		WithSigner(signer).
		WithMailer(mailer).
		WithUserResolver(resolver).
		WithTokenSigningKey(testTokenKey).
		WithLogger(discardLogger()).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return engine, mailer
}

func TestInitiateAndCompleteMagicLink(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newFacadeEngine(t, rdb, staticResolver{testUser: testUser})
	ctx := context.Background()

	session, message, err := engine.InitiateMagicLink(ctx, testUser, testRedirect)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if session == "" {
		t.Fatal("expected a continuation session")
	}
	if !strings.Contains(message, "inbox") {
		t.Fatalf("unexpected message: %q", message)
	}

	secret := secretFromLink(t, linkFromMail(t, mailer.last(t)))

	tokens, err := engine.CompleteMagicLink(ctx, session, secret)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if tokens.AccessToken == "" || tokens.IDToken == "" || tokens.RefreshToken == "" {
		t.Fatal("incomplete token set")
	}
	if tokens.TokenType != "Bearer" {
		t.Fatalf("token type = %q", tokens.TokenType)
	}
	if tokens.ExpiresIn != 3600 {
		t.Fatalf("expires in = %d", tokens.ExpiresIn)
	}

	parsed, err := jwt.Parse(tokens.IDToken, func(*jwt.Token) (any, error) { return testTokenKey, nil })
	if err != nil || !parsed.Valid {
		t.Fatalf("id token does not parse: %v", err)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["sub"] != testUser || claims["email"] != testUser {
		t.Fatalf("unexpected claims: %v", claims)
	}
	if claims["token_use"] != "id" {
		t.Fatalf("token_use = %v", claims["token_use"])
	}
}

func TestCompleteMagicLinkIsSingleUse(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newFacadeEngine(t, rdb, staticResolver{testUser: testUser})
	ctx := context.Background()

	session, _, err := engine.InitiateMagicLink(ctx, testUser, testRedirect)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	secret := secretFromLink(t, linkFromMail(t, mailer.last(t)))

	if _, err := engine.CompleteMagicLink(ctx, session, secret); err != nil {
		t.Fatalf("first complete failed: %v", err)
	}
	if _, err := engine.CompleteMagicLink(ctx, session, secret); !errors.Is(err, ErrMagicLinkInvalid) {
		t.Fatalf("expected ErrMagicLinkInvalid on replay, got %v", err)
	}
}

func TestCompleteMagicLinkRequiresMatchingSession(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	resolver := staticResolver{
		testUser:           testUser,
		"bob@example.test": "bob@example.test",
	}
	engine, mailer := newFacadeEngine(t, rdb, resolver)
	ctx := context.Background()

	_, _, err := engine.InitiateMagicLink(ctx, testUser, testRedirect)
	if err != nil {
		t.Fatalf("initiate alice failed: %v", err)
	}
	aliceSecret := secretFromLink(t, linkFromMail(t, mailer.last(t)))

	bobSession, _, err := engine.InitiateMagicLink(ctx, "bob@example.test", testRedirect)
	if err != nil {
		t.Fatalf("initiate bob failed: %v", err)
	}

	// Alice's secret against Bob's session: the session was opened for a
	// different username, so this must fail generically.
	if _, err := engine.CompleteMagicLink(ctx, bobSession, aliceSecret); !errors.Is(err, ErrMagicLinkInvalid) {
		t.Fatalf("expected ErrMagicLinkInvalid, got %v", err)
	}
}

func TestCompleteMagicLinkRejectsGarbage(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newFacadeEngine(t, rdb, staticResolver{testUser: testUser})
	ctx := context.Background()

	session, _, err := engine.InitiateMagicLink(ctx, testUser, testRedirect)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	_ = mailer.last(t)

	for _, secret := range []string{"", "no-dot-here", "!!!.###", "AAAA.BBBB"} {
		if _, err := engine.CompleteMagicLink(ctx, session, secret); !errors.Is(err, ErrMagicLinkInvalid) {
			t.Fatalf("secret %q: expected ErrMagicLinkInvalid, got %v", secret, err)
		}
	}

	if _, err := engine.CompleteMagicLink(ctx, "", "x.y"); !errors.Is(err, ErrMagicLinkInvalid) {
		t.Fatalf("expected ErrMagicLinkInvalid without session, got %v", err)
	}
}

func TestInitiateMagicLinkUnknownUserLooksNormal(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newFacadeEngine(t, rdb, staticResolver{})
	ctx := context.Background()

	session, message, err := engine.InitiateMagicLink(ctx, "ghost@example.test", testRedirect)
	if err != nil {
		t.Fatalf("initiate for unknown user must not fail: %v", err)
	}
	if session == "" || !strings.Contains(message, "inbox") {
		t.Fatal("unknown user must get the same response shape")
	}
	if mailer.count() != 0 {
		t.Fatal("no mail may be sent for unknown users")
	}
}

func TestInitiateMagicLinkSurfacesUserFacingErrors(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, _ := newFacadeEngine(t, rdb, staticResolver{testUser: testUser})
	ctx := context.Background()

	_, _, err := engine.InitiateMagicLink(ctx, testUser, "https://evil.example.test/x")
	if err == nil || !IsUserFacing(err) {
		t.Fatalf("expected user-facing redirect error, got %v", err)
	}
	if !strings.Contains(err.Error(), "invalid redirectUri") {
		t.Fatalf("unexpected message: %q", err)
	}

	if _, _, err := engine.InitiateMagicLink(ctx, testUser, testRedirect); err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	_, _, err = engine.InitiateMagicLink(ctx, testUser, testRedirect)
	if !errors.Is(err, ErrMagicLinkRateLimited) {
		t.Fatalf("expected rate limit to surface, got %v", err)
	}
}

func TestInitiateMagicLinkCollapsesInternalErrors(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, mailer := newFacadeEngine(t, rdb, staticResolver{testUser: testUser})
	mailer.failWith = errors.New("smtp down")

	_, _, err := engine.InitiateMagicLink(context.Background(), testUser, testRedirect)
	if !errors.Is(err, ErrMagicLinkSendFailed) {
		t.Fatalf("expected ErrMagicLinkSendFailed, got %v", err)
	}
	if strings.Contains(err.Error(), "smtp") {
		t.Fatalf("internal detail leaked: %q", err)
	}
}

func TestFacadeWithoutBackend(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, _ := newTestEngine(t, rdb, testConfig())

	if _, _, err := engine.InitiateMagicLink(context.Background(), testUser, testRedirect); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if _, err := engine.CompleteMagicLink(context.Background(), "s", "x.y"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
}

func TestLocalBackendRejectsBadSecretHash(t *testing.T) {
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	engine, _ := newFacadeEngine(t, rdb, staticResolver{testUser: testUser})
	backend := engine.backend.(*LocalBackend)

	if _, err := backend.StartSession(context.Background(), testUser, "wrong-hash"); err == nil {
		t.Fatal("expected secret hash mismatch")
	}
}
