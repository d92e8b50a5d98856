package goIdentity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func loginTestAccount(t *testing.T, engine *Engine, email string) LoginResult {
	t.Helper()
	createVerifiedAccount(t, engine, email)
	res, err := engine.Login(context.Background(), email, testPassword, "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return res
}

func TestVerifyAccessRejectsGarbage(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	if _, err := engine.VerifyAccess(context.Background(), "not-a-token"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestVerifyAccessExpiry(t *testing.T) {
	engine, clock := newTestEngine(t, nil)
	ctx := context.Background()

	res := loginTestAccount(t, engine, "expiry@example.com")

	clock.Advance(14 * time.Minute)
	if _, err := engine.VerifyAccess(ctx, res.AccessToken); err != nil {
		t.Fatalf("VerifyAccess failed inside TTL: %v", err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := engine.VerifyAccess(ctx, res.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestVerifyAccessAfterSessionBump(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	res := loginTestAccount(t, engine, "logoutall@example.com")

	if _, err := engine.BumpSessionVersion(ctx, res.Identity.ID); err != nil {
		t.Fatalf("BumpSessionVersion failed: %v", err)
	}
	if _, err := engine.VerifyAccess(ctx, res.AccessToken); !errors.Is(err, ErrSessionInvalidated) {
		t.Fatalf("expected ErrSessionInvalidated, got %v", err)
	}
}

func TestVerifyAccessRejectsRefreshToken(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	res := loginTestAccount(t, engine, "kinds@example.com")

	if _, err := engine.VerifyAccess(ctx, res.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for refresh token, got %v", err)
	}
	if _, err := engine.Refresh(ctx, res.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for access token, got %v", err)
	}
}

func TestRefreshRotatesPair(t *testing.T) {
	engine, clock := newTestEngine(t, nil)
	ctx := context.Background()

	res := loginTestAccount(t, engine, "refresh@example.com")

	clock.Advance(time.Minute)
	pair, err := engine.Refresh(ctx, res.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected a full pair")
	}
	if pair.AccessToken == res.AccessToken {
		t.Fatal("expected a fresh access token")
	}
	if _, err := engine.VerifyAccess(ctx, pair.AccessToken); err != nil {
		t.Fatalf("VerifyAccess failed for rotated token: %v", err)
	}
}

func TestRefreshExpiry(t *testing.T) {
	engine, clock := newTestEngine(t, nil)
	ctx := context.Background()

	res := loginTestAccount(t, engine, "refreshexp@example.com")

	clock.Advance(7*24*time.Hour + time.Minute)
	if _, err := engine.Refresh(ctx, res.RefreshToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestReauthorizationFlow(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "reauth@example.com")

	if _, err := engine.IssueReauthorization(ctx, identity.ID, "wrong-password", "account_security", []string{"disable_mfa"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}

	tok, err := engine.IssueReauthorization(ctx, identity.ID, testPassword, "account_security", []string{"disable_mfa", "delete_account"})
	if err != nil {
		t.Fatalf("IssueReauthorization failed: %v", err)
	}

	info, err := engine.VerifyReauthorization(ctx, tok, "account_security", "disable_mfa")
	if err != nil {
		t.Fatalf("VerifyReauthorization failed: %v", err)
	}
	if info.IdentityID != identity.ID || info.Email != identity.Email {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Purpose != "account_security" {
		t.Fatalf("unexpected purpose %q", info.Purpose)
	}

	if _, err := engine.VerifyReauthorization(ctx, tok, "billing", "disable_mfa"); !errors.Is(err, ErrReauthorizationRequired) {
		t.Fatalf("expected ErrReauthorizationRequired for wrong purpose, got %v", err)
	}
	if _, err := engine.VerifyReauthorization(ctx, tok, "account_security", "export_data"); !errors.Is(err, ErrReauthorizationRequired) {
		t.Fatalf("expected ErrReauthorizationRequired for unlisted operation, got %v", err)
	}
}

func TestReauthorizationDiesWithSessionBump(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "reauthbump@example.com")

	tok, err := engine.IssueReauthorization(ctx, identity.ID, testPassword, "account_security", []string{"disable_mfa"})
	if err != nil {
		t.Fatalf("IssueReauthorization failed: %v", err)
	}
	if _, err := engine.BumpSessionVersion(ctx, identity.ID); err != nil {
		t.Fatalf("BumpSessionVersion failed: %v", err)
	}
	if _, err := engine.VerifyReauthorization(ctx, tok, "account_security", "disable_mfa"); !errors.Is(err, ErrReauthorizationRequired) {
		t.Fatalf("expected ErrReauthorizationRequired, got %v", err)
	}
}

func TestReauthorizationExpiry(t *testing.T) {
	engine, clock := newTestEngine(t, nil)
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "reauthexp@example.com")

	tok, err := engine.IssueReauthorization(ctx, identity.ID, testPassword, "account_security", []string{"disable_mfa"})
	if err != nil {
		t.Fatalf("IssueReauthorization failed: %v", err)
	}

	clock.Advance(6 * time.Minute)
	if _, err := engine.VerifyReauthorization(ctx, tok, "account_security", "disable_mfa"); !errors.Is(err, ErrReauthorizationRequired) {
		t.Fatalf("expected ErrReauthorizationRequired, got %v", err)
	}
}
