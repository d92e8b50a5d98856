package goIdentity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTOTPSetupAndConfirm(t *testing.T) {
	engine, clock := newTestEngine(t, nil)
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "totp@example.com")

	setup, err := engine.BeginTOTPSetup(ctx, identity.ID)
	if err != nil {
		t.Fatalf("BeginTOTPSetup failed: %v", err)
	}
	if !strings.HasPrefix(setup.URI, "otpauth://totp/") {
		t.Fatalf("unexpected provisioning URI %q", setup.URI)
	}
	if !strings.Contains(setup.URI, setup.Secret) {
		t.Fatal("expected URI to embed the secret")
	}

	if err := engine.ConfirmTOTPSetup(ctx, identity.ID, "000001"); !errors.Is(err, ErrMFAInvalidCode) {
		t.Fatalf("expected ErrMFAInvalidCode, got %v", err)
	}

	code := totpCodeAt(t, setup.Secret, clock.Now())
	if err := engine.ConfirmTOTPSetup(ctx, identity.ID, code); err != nil {
		t.Fatalf("ConfirmTOTPSetup failed: %v", err)
	}

	if _, err := engine.BeginTOTPSetup(ctx, identity.ID); !errors.Is(err, ErrTOTPAlreadyEnabled) {
		t.Fatalf("expected ErrTOTPAlreadyEnabled, got %v", err)
	}
	if err := engine.ConfirmTOTPSetup(ctx, identity.ID, code); !errors.Is(err, ErrTOTPAlreadyEnabled) {
		t.Fatalf("expected ErrTOTPAlreadyEnabled on re-confirm, got %v", err)
	}
}

func TestTOTPSetupReplacesPendingSecret(t *testing.T) {
	engine, clock := newTestEngine(t, nil)
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "restart@example.com")

	first, err := engine.BeginTOTPSetup(ctx, identity.ID)
	if err != nil {
		t.Fatalf("first BeginTOTPSetup failed: %v", err)
	}
	second, err := engine.BeginTOTPSetup(ctx, identity.ID)
	if err != nil {
		t.Fatalf("second BeginTOTPSetup failed: %v", err)
	}
	if first.Secret == second.Secret {
		t.Fatal("expected a fresh secret on restart")
	}

	// Only the latest secret confirms.
	if err := engine.ConfirmTOTPSetup(ctx, identity.ID, totpCodeAt(t, first.Secret, clock.Now())); !errors.Is(err, ErrMFAInvalidCode) {
		t.Fatalf("expected first secret to be dead, got %v", err)
	}
	if err := engine.ConfirmTOTPSetup(ctx, identity.ID, totpCodeAt(t, second.Secret, clock.Now())); err != nil {
		t.Fatalf("ConfirmTOTPSetup failed: %v", err)
	}
}

func TestConfirmTOTPSetupWithoutEnrollment(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	identity := createVerifiedAccount(t, engine, "noenroll@example.com")

	if err := engine.ConfirmTOTPSetup(context.Background(), identity.ID, "123456"); !errors.Is(err, ErrTOTPNotEnabled) {
		t.Fatalf("expected ErrTOTPNotEnabled, got %v", err)
	}
}

func TestVerifyTOTPRequiresConfirmedEnrollment(t *testing.T) {
	engine, clock := newTestEngine(t, nil)
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "steps@example.com")

	if err := engine.VerifyTOTP(ctx, identity.ID, "123456"); !errors.Is(err, ErrTOTPNotEnabled) {
		t.Fatalf("expected ErrTOTPNotEnabled, got %v", err)
	}

	setup, err := engine.BeginTOTPSetup(ctx, identity.ID)
	if err != nil {
		t.Fatalf("BeginTOTPSetup failed: %v", err)
	}
	code := totpCodeAt(t, setup.Secret, clock.Now())
	if err := engine.VerifyTOTP(ctx, identity.ID, code); !errors.Is(err, ErrTOTPSetupNotConfirmed) {
		t.Fatalf("expected ErrTOTPSetupNotConfirmed, got %v", err)
	}
}

func TestVerifyTOTPAcceptsAdjacentStep(t *testing.T) {
	engine, clock := newTestEngine(t, nil)
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "drift@example.com")
	secret := enrollTOTP(t, engine, clock, identity.ID)

	// A code from the previous period still verifies inside the skew
	// window.
	code := totpCodeAt(t, secret, clock.Now().Add(-30*time.Second))
	if err := engine.VerifyTOTP(ctx, identity.ID, code); err != nil {
		t.Fatalf("VerifyTOTP failed for adjacent step: %v", err)
	}

	if err := engine.VerifyTOTP(ctx, identity.ID, totpCodeAt(t, secret, clock.Now().Add(-5*time.Minute))); !errors.Is(err, ErrMFAInvalidCode) {
		t.Fatalf("expected ErrMFAInvalidCode outside the window, got %v", err)
	}
}

func TestTOTPDebugBypassOutsideProduction(t *testing.T) {
	engine, clock := newTestEngine(t, func(cfg *Config) {
		cfg.MFA.DebugBypassCode = "424242"
	})
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "bypass@example.com")
	enrollTOTP(t, engine, clock, identity.ID)

	if err := engine.VerifyTOTP(ctx, identity.ID, "424242"); err != nil {
		t.Fatalf("expected bypass code to verify in development, got %v", err)
	}
}

func TestDisableTOTP(t *testing.T) {
	engine, clock := newTestEngine(t, nil)
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "disable@example.com")
	secret := enrollTOTP(t, engine, clock, identity.ID)

	if _, err := engine.RegenerateBackupCodes(ctx, identity.ID); err != nil {
		t.Fatalf("RegenerateBackupCodes failed: %v", err)
	}

	if err := engine.DisableTOTP(ctx, identity.ID, "000001"); !errors.Is(err, ErrMFAInvalidCode) {
		t.Fatalf("expected ErrMFAInvalidCode, got %v", err)
	}
	if err := engine.DisableTOTP(ctx, identity.ID, totpCodeAt(t, secret, clock.Now())); err != nil {
		t.Fatalf("DisableTOTP failed: %v", err)
	}

	// Enrollment and backup codes are gone; login is single-factor again.
	if err := engine.VerifyTOTP(ctx, identity.ID, totpCodeAt(t, secret, clock.Now())); !errors.Is(err, ErrTOTPNotEnabled) {
		t.Fatalf("expected ErrTOTPNotEnabled, got %v", err)
	}
	n, err := engine.UnusedBackupCodeCount(ctx, identity.ID)
	if err != nil {
		t.Fatalf("UnusedBackupCodeCount failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no surviving backup codes, got %d", n)
	}

	res, err := engine.Login(ctx, "disable@example.com", testPassword, "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if res.MFARequired {
		t.Fatal("expected single-factor login after disable")
	}
}

func TestBeginTOTPSetupRequiresSealer(t *testing.T) {
	engine, _ := newTestEngine(t, func(cfg *Config) {
		cfg.MFA.SecretEncryptionKey = nil
	})
	identity := createVerifiedAccount(t, engine, "nosealer@example.com")

	if _, err := engine.BeginTOTPSetup(context.Background(), identity.ID); err == nil {
		t.Fatal("expected error without a secret encryption key")
	}
}

func TestRegenerateBackupCodesRequiresConfirmedTOTP(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "codesgate@example.com")

	if _, err := engine.RegenerateBackupCodes(ctx, identity.ID); !errors.Is(err, ErrTOTPNotEnabled) {
		t.Fatalf("expected ErrTOTPNotEnabled, got %v", err)
	}
	if _, err := engine.BeginTOTPSetup(ctx, identity.ID); err != nil {
		t.Fatalf("BeginTOTPSetup failed: %v", err)
	}
	if _, err := engine.RegenerateBackupCodes(ctx, identity.ID); !errors.Is(err, ErrTOTPSetupNotConfirmed) {
		t.Fatalf("expected ErrTOTPSetupNotConfirmed, got %v", err)
	}
}

func TestRegenerateBackupCodesInvalidatesOldSet(t *testing.T) {
	engine, clock := newTestEngine(t, func(cfg *Config) {
		cfg.MFA.BackupCodeCount = 4
		cfg.MFA.BackupCodeLength = 12
	})
	ctx := context.Background()

	identity := createVerifiedAccount(t, engine, "codeswap@example.com")
	enrollTOTP(t, engine, clock, identity.ID)

	first, err := engine.RegenerateBackupCodes(ctx, identity.ID)
	if err != nil {
		t.Fatalf("RegenerateBackupCodes failed: %v", err)
	}
	if len(first) != 4 {
		t.Fatalf("expected 4 codes, got %d", len(first))
	}
	for _, code := range first {
		if len(code) != 12 {
			t.Fatalf("expected 12-character codes, got %q", code)
		}
	}

	second, err := engine.RegenerateBackupCodes(ctx, identity.ID)
	if err != nil {
		t.Fatalf("second RegenerateBackupCodes failed: %v", err)
	}

	n, err := engine.UnusedBackupCodeCount(ctx, identity.ID)
	if err != nil {
		t.Fatalf("UnusedBackupCodeCount failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 unused codes, got %d", n)
	}

	// A code from the replaced set no longer logs in.
	res, err := engine.Login(ctx, "codeswap@example.com", testPassword, "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := engine.ConfirmLoginMFA(ctx, res.ChallengeToken, first[0], MFAMethodBackupCode, ""); !errors.Is(err, ErrMFAInvalidCode) {
		t.Fatalf("expected ErrMFAInvalidCode for replaced code, got %v", err)
	}

	// Backup codes are case- and dash-insensitive on input.
	res, err = engine.Login(ctx, "codeswap@example.com", testPassword, "")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	sloppy := strings.ToLower(second[0][:6]) + "-" + strings.ToLower(second[0][6:])
	if _, err := engine.ConfirmLoginMFA(ctx, res.ChallengeToken, sloppy, MFAMethodBackupCode, ""); err != nil {
		t.Fatalf("ConfirmLoginMFA with normalized code failed: %v", err)
	}
}
