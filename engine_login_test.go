package goIdentity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/goIdentity/storage/sqlite"
)

func TestLoginSuccessIssuesTokenPair(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	createVerifiedAccount(t, engine, "login@example.com")

	res, err := engine.Login(ctx, "login@example.com", testPassword, "192.0.2.1")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if res.MFARequired {
		t.Fatal("expected no MFA requirement")
	}
	if res.AccessToken == "" || res.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}

	identity, err := engine.VerifyAccess(ctx, res.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess failed: %v", err)
	}
	if identity.Email != "login@example.com" {
		t.Fatalf("unexpected identity %q", identity.Email)
	}
	if identity.LastLoginAt == nil {
		t.Fatal("expected last-login timestamp to be set")
	}
}

func TestLoginWrongPassword(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	createVerifiedAccount(t, engine, "wrongpw@example.com")

	_, err := engine.Login(context.Background(), "wrongpw@example.com", "not-the-password", "")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginRequiresVerifiedEmail(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := engine.CreateAccount(ctx, CreateAccountInput{Email: "fresh@example.com", Password: testPassword}); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	_, err := engine.Login(ctx, "fresh@example.com", testPassword, "")
	if !errors.Is(err, ErrEmailNotVerified) {
		t.Fatalf("expected ErrEmailNotVerified, got %v", err)
	}
}

func TestLoginRateLimitLocksOutAfterBudget(t *testing.T) {
	engine, _ := newTestEngine(t, func(cfg *Config) {
		cfg.RateLimit.MaxLoginAttempts = 2
	})
	ctx := context.Background()

	createVerifiedAccount(t, engine, "limited@example.com")

	for i := 0; i < 2; i++ {
		if _, err := engine.Login(ctx, "limited@example.com", "wrong-password", ""); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
	if _, err := engine.Login(ctx, "limited@example.com", "wrong-password", ""); !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("expected ErrLoginRateLimited, got %v", err)
	}
	// The budget applies to the account, not the credential: the correct
	// password is throttled too.
	if _, err := engine.Login(ctx, "limited@example.com", testPassword, ""); !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("expected ErrLoginRateLimited for correct password, got %v", err)
	}
}

func TestLoginSuccessResetsFailureBudget(t *testing.T) {
	engine, _ := newTestEngine(t, func(cfg *Config) {
		cfg.RateLimit.MaxLoginAttempts = 3
	})
	ctx := context.Background()

	createVerifiedAccount(t, engine, "resetbudget@example.com")

	for i := 0; i < 2; i++ {
		if _, err := engine.Login(ctx, "resetbudget@example.com", "wrong-password", ""); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials, got %v", err)
		}
	}
	if _, err := engine.Login(ctx, "resetbudget@example.com", testPassword, ""); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	// Counters were cleared; the fresh budget absorbs new failures.
	for i := 0; i < 2; i++ {
		if _, err := engine.Login(ctx, "resetbudget@example.com", "wrong-password", ""); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("expected ErrInvalidCredentials after reset, got %v", err)
		}
	}
}

func TestLoginRateLimitOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := testEngineConfig(t)
	cfg.RateLimit.MaxLoginAttempts = 1
	engine, err := New(cfg, store, WithRedis(rdb))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(engine.Close)
	ctx := context.Background()

	createVerifiedAccount(t, engine, "redis@example.com")

	if _, err := engine.Login(ctx, "redis@example.com", "wrong-password", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := engine.Login(ctx, "redis@example.com", "wrong-password", ""); !errors.Is(err, ErrLoginRateLimited) {
		t.Fatalf("expected ErrLoginRateLimited, got %v", err)
	}
}

func TestLoginWithTOTPRequiresChallenge(t *testing.T) {
	engine, clock := newTestEngine(t, nil)
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "mfa@example.com")
	secret := enrollTOTP(t, engine, clock, identity.ID)

	res, err := engine.Login(ctx, "mfa@example.com", testPassword, "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if !res.MFARequired {
		t.Fatal("expected MFA requirement")
	}
	if res.AccessToken != "" || res.RefreshToken != "" {
		t.Fatal("expected no tokens before the second factor")
	}
	if res.ChallengeToken == "" {
		t.Fatal("expected challenge token")
	}
	if len(res.AvailableMethods) != 1 || res.AvailableMethods[0] != MFAMethodTOTP {
		t.Fatalf("expected [totp], got %v", res.AvailableMethods)
	}

	code := totpCodeAt(t, secret, clock.Now())
	final, err := engine.ConfirmLoginMFA(ctx, res.ChallengeToken, code, MFAMethodTOTP, "")
	if err != nil {
		t.Fatalf("ConfirmLoginMFA failed: %v", err)
	}
	if final.AccessToken == "" || final.RefreshToken == "" {
		t.Fatal("expected tokens after MFA confirmation")
	}
	if _, err := engine.VerifyAccess(ctx, final.AccessToken); err != nil {
		t.Fatalf("VerifyAccess failed: %v", err)
	}
}

func TestConfirmLoginMFAWrongCodeReissuesChallenge(t *testing.T) {
	engine, clock := newTestEngine(t, func(cfg *Config) {
		cfg.MFA.ChallengeAttempts = 2
	})
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "retry@example.com")
	secret := enrollTOTP(t, engine, clock, identity.ID)

	res, err := engine.Login(ctx, "retry@example.com", testPassword, "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	retry, err := engine.ConfirmLoginMFA(ctx, res.ChallengeToken, "000001", MFAMethodTOTP, "")
	if !errors.Is(err, ErrMFAInvalidCode) {
		t.Fatalf("expected ErrMFAInvalidCode, got %v", err)
	}
	if !retry.MFARequired || retry.ChallengeToken == "" {
		t.Fatal("expected a re-issued challenge alongside the error")
	}
	if retry.ChallengeToken == res.ChallengeToken {
		t.Fatal("expected a fresh challenge token")
	}

	// The re-issued challenge still accepts a correct code.
	code := totpCodeAt(t, secret, clock.Now())
	if _, err := engine.ConfirmLoginMFA(ctx, retry.ChallengeToken, code, MFAMethodTOTP, ""); err != nil {
		t.Fatalf("ConfirmLoginMFA failed on reissued challenge: %v", err)
	}
}

func TestConfirmLoginMFAExhaustsAttemptBudget(t *testing.T) {
	engine, clock := newTestEngine(t, func(cfg *Config) {
		cfg.MFA.ChallengeAttempts = 2
	})
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "exhaust@example.com")
	enrollTOTP(t, engine, clock, identity.ID)

	res, err := engine.Login(ctx, "exhaust@example.com", testPassword, "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	retry, err := engine.ConfirmLoginMFA(ctx, res.ChallengeToken, "000001", MFAMethodTOTP, "")
	if !errors.Is(err, ErrMFAInvalidCode) {
		t.Fatalf("expected ErrMFAInvalidCode, got %v", err)
	}
	_, err = engine.ConfirmLoginMFA(ctx, retry.ChallengeToken, "000001", MFAMethodTOTP, "")
	if !errors.Is(err, ErrMFAAttemptsExhausted) {
		t.Fatalf("expected ErrMFAAttemptsExhausted, got %v", err)
	}
}

func TestConfirmLoginMFARateLimited(t *testing.T) {
	engine, clock := newTestEngine(t, func(cfg *Config) {
		cfg.RateLimit.MaxMFAAttempts = 1
		cfg.MFA.ChallengeAttempts = 5
	})
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "mfalimit@example.com")
	enrollTOTP(t, engine, clock, identity.ID)

	res, err := engine.Login(ctx, "mfalimit@example.com", testPassword, "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	retry, err := engine.ConfirmLoginMFA(ctx, res.ChallengeToken, "000001", MFAMethodTOTP, "")
	if !errors.Is(err, ErrMFAInvalidCode) {
		t.Fatalf("expected ErrMFAInvalidCode, got %v", err)
	}
	_, err = engine.ConfirmLoginMFA(ctx, retry.ChallengeToken, "000001", MFAMethodTOTP, "")
	if !errors.Is(err, ErrMFARateLimited) {
		t.Fatalf("expected ErrMFARateLimited, got %v", err)
	}
}

func TestConfirmLoginMFAChallengeExpires(t *testing.T) {
	engine, clock := newTestEngine(t, nil)
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "lateconfirm@example.com")
	secret := enrollTOTP(t, engine, clock, identity.ID)

	res, err := engine.Login(ctx, "lateconfirm@example.com", testPassword, "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	clock.Advance(6 * time.Minute)

	code := totpCodeAt(t, secret, clock.Now())
	_, err = engine.ConfirmLoginMFA(ctx, res.ChallengeToken, code, MFAMethodTOTP, "")
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestConfirmLoginMFAAfterSessionBump(t *testing.T) {
	engine, clock := newTestEngine(t, nil)
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "bumped@example.com")
	secret := enrollTOTP(t, engine, clock, identity.ID)

	res, err := engine.Login(ctx, "bumped@example.com", testPassword, "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := engine.BumpSessionVersion(ctx, identity.ID); err != nil {
		t.Fatalf("BumpSessionVersion failed: %v", err)
	}

	code := totpCodeAt(t, secret, clock.Now())
	_, err = engine.ConfirmLoginMFA(ctx, res.ChallengeToken, code, MFAMethodTOTP, "")
	if !errors.Is(err, ErrSessionInvalidated) {
		t.Fatalf("expected ErrSessionInvalidated, got %v", err)
	}
}

func TestLoginWithBackupCode(t *testing.T) {
	engine, clock := newTestEngine(t, nil)
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "backup@example.com")
	enrollTOTP(t, engine, clock, identity.ID)

	codes, err := engine.RegenerateBackupCodes(ctx, identity.ID)
	if err != nil {
		t.Fatalf("RegenerateBackupCodes failed: %v", err)
	}
	if len(codes) == 0 {
		t.Fatal("expected backup codes")
	}

	res, err := engine.Login(ctx, "backup@example.com", testPassword, "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if len(res.AvailableMethods) != 2 {
		t.Fatalf("expected totp and backup_code methods, got %v", res.AvailableMethods)
	}

	final, err := engine.ConfirmLoginMFA(ctx, res.ChallengeToken, codes[0], MFAMethodBackupCode, "")
	if err != nil {
		t.Fatalf("ConfirmLoginMFA with backup code failed: %v", err)
	}
	if final.AccessToken == "" {
		t.Fatal("expected tokens after backup-code login")
	}

	// The code is single-use.
	res, err = engine.Login(ctx, "backup@example.com", testPassword, "")
	if err != nil {
		t.Fatalf("second Login failed: %v", err)
	}
	_, err = engine.ConfirmLoginMFA(ctx, res.ChallengeToken, codes[0], MFAMethodBackupCode, "")
	if !errors.Is(err, ErrMFAInvalidCode) {
		t.Fatalf("expected ErrMFAInvalidCode for spent code, got %v", err)
	}
}
