package httpapi

import (
	"context"
	"testing"
	"time"

	"posledger/internal/domain"
	"posledger/internal/store/memory"
)

func newTestAuth(ttl time.Duration) *AuthManager {
	return NewAuthManager("test-secret-that-is-long-enough-0123", ttl, memory.NewSeeded())
}

func TestLoginAndParseTokenRoundTrip(t *testing.T) {
	auth := newTestAuth(time.Hour)

	resp, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("expected an access token")
	}
	if resp.Role != domain.RoleAdmin || resp.CompanyID != "demo-company" {
		t.Fatalf("unexpected login response: role=%s company=%s", resp.Role, resp.CompanyID)
	}

	actor, err := auth.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "admin" || actor.Role != domain.RoleAdmin || actor.CompanyID != "demo-company" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
	if actor.UserID == "" {
		t.Fatalf("actor should carry the user id")
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	auth := newTestAuth(time.Hour)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "not-the-password",
	}); err == nil {
		t.Fatalf("expected login to fail with a wrong password")
	}
	if _, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "ghost",
		Password: "whatever",
	}); err == nil {
		t.Fatalf("expected login to fail for an unknown user")
	}
}

func TestLoginUsernameIsCaseInsensitive(t *testing.T) {
	auth := newTestAuth(time.Hour)

	if _, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "  Admin ",
		Password: "admin123",
	}); err != nil {
		t.Fatalf("login should normalize the username: %v", err)
	}
}

func TestParseTokenRejectsExpiredAndForeignTokens(t *testing.T) {
	// NewAuthManager refuses non-positive TTLs, so build one directly to
	// mint an already-expired token.
	auth := &AuthManager{
		secret:   []byte("test-secret-that-is-long-enough-0123"),
		tokenTTL: -time.Minute,
		repo:     memory.NewSeeded(),
	}

	resp, err := auth.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := auth.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	other := NewAuthManager("a-completely-different-secret-value!", time.Hour, memory.NewSeeded())
	good := newTestAuth(time.Hour)
	okResp, err := good.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := other.ParseToken(okResp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	if _, err := good.ParseToken("garbage.token.value"); err == nil {
		t.Fatalf("expected malformed token to be rejected")
	}
}
