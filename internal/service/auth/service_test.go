package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/splax/statikk/internal/repository/memory"
	"github.com/splax/statikk/pkg/config"
	"github.com/splax/statikk/pkg/crypto"
)

func newTestService() Service {
	cfg := config.APIConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour}
	return New(memory.New(), slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
}

func TestSignupAndLogin(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	user, tokens, err := svc.Signup(ctx, " Dev@Example.com ", "correct-horse")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if user.Email != "dev@example.com" {
		t.Fatalf("expected normalised email, got %q", user.Email)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("expected token pair")
	}

	logged, _, err := svc.Login(ctx, "dev@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if logged.ID != user.ID {
		t.Fatalf("expected user %s, got %s", user.ID, logged.ID)
	}
}

func TestSignupValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	if _, _, err := svc.Signup(ctx, "not-an-email", "correct-horse"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if _, _, err := svc.Signup(ctx, "a@b.co", "short"); !errors.Is(err, crypto.ErrPasswordTooShort) {
		t.Fatalf("expected ErrPasswordTooShort, got %v", err)
	}
	if _, _, err := svc.Signup(ctx, "a@b.co", "long-enough"); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if _, _, err := svc.Signup(ctx, "A@B.co", "long-enough"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	if _, _, err := svc.Signup(ctx, "dev@example.com", "correct-horse"); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if _, _, err := svc.Login(ctx, "dev@example.com", "wrong-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, "nobody@example.com", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	user, tokens, err := svc.Signup(ctx, "dev@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}

	got, claims, err := svc.Authorize(ctx, "  "+tokens.AccessToken+" ")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if got.ID != user.ID || claims.UserID() != user.ID {
		t.Fatalf("unexpected identity %s / %s", got.ID, claims.UserID())
	}
	if _, _, err := svc.Authorize(ctx, tokens.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token must not authorize requests, got %v", err)
	}
	if _, _, err := svc.Authorize(ctx, ""); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefresh(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	user, tokens, err := svc.Signup(ctx, "dev@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}

	got, fresh, err := svc.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got.ID != user.ID || fresh.AccessToken == "" || fresh.RefreshToken == "" {
		t.Fatalf("unexpected refresh result %+v %+v", got, fresh)
	}
	if _, _, err := svc.Authorize(ctx, fresh.AccessToken); err != nil {
		t.Fatalf("refreshed access token should authorize: %v", err)
	}

	if _, _, err := svc.Refresh(ctx, tokens.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token must not refresh, got %v", err)
	}
	if _, _, err := svc.Refresh(ctx, " "); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}
}
