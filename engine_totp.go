package goIdentity

import (
	"context"
	"encoding/base32"
	"errors"
	"strings"

	"github.com/MrEthical07/goIdentity/storage"
)

var errTOTPSealerRequired = errors.New("goIdentity: MFA secret encryption key not configured")

// BeginTOTPSetup starts authenticator enrollment. The returned secret and
// otpauth:// URI are shown to the user once; the stored copy is sealed.
// Re-running setup before confirmation replaces the pending secret; a
// confirmed enrollment must be disabled first.
func (e *Engine) BeginTOTPSetup(ctx context.Context, identityID string) (TOTPSetup, error) {
	if e.totpSealer == nil {
		return TOTPSetup{}, errTOTPSealerRequired
	}

	identity, err := e.GetIdentity(ctx, identityID)
	if err != nil {
		return TOTPSetup{}, err
	}

	_, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return TOTPSetup{}, err
	}
	sealed, err := e.totpSealer.Seal(secretBase32)
	if err != nil {
		return TOTPSetup{}, err
	}

	now := e.now()
	err = e.store.Write(ctx, func(tx storage.Tx) error {
		if existing, err := tx.TOTP().Get(ctx, identityID); err == nil && existing.Confirmed {
			return ErrTOTPAlreadyEnabled
		} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return tx.TOTP().Upsert(ctx, storage.TOTPRecord{
			IdentityID:   identityID,
			SealedSecret: sealed,
			Algorithm:    e.config.MFA.Algorithm,
			Digits:       e.config.MFA.Digits,
			Period:       e.config.MFA.Period,
			Confirmed:    false,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	})
	if err != nil {
		return TOTPSetup{}, err
	}

	e.metricInc(MetricTOTPSetupStarted)
	e.emitAudit(ctx, "totp_setup_start", auditFields{IdentityID: identityID})
	return TOTPSetup{
		Secret: secretBase32,
		URI:    e.totp.ProvisionURI(secretBase32, identity.Email),
	}, nil
}

// ConfirmTOTPSetup proves the authenticator was enrolled correctly by
// validating one code, then flips the record to confirmed. From that point
// logins require a second factor.
func (e *Engine) ConfirmTOTPSetup(ctx context.Context, identityID, code string) error {
	now := e.now()
	err := e.store.Write(ctx, func(tx storage.Tx) error {
		record, err := tx.TOTP().Get(ctx, identityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrTOTPNotEnabled
			}
			return err
		}
		if record.Confirmed {
			return ErrTOTPAlreadyEnabled
		}

		ok, err := e.checkTOTPCode(record, code)
		if err != nil {
			return err
		}
		if !ok {
			return ErrMFAInvalidCode
		}
		return tx.TOTP().Confirm(ctx, identityID, now)
	})
	if err != nil {
		e.emitAudit(ctx, "totp_confirm", auditFields{IdentityID: identityID, Error: err})
		return err
	}

	e.metricInc(MetricTOTPConfirmed)
	e.emitAudit(ctx, "totp_confirm", auditFields{IdentityID: identityID})
	return nil
}

// VerifyTOTP validates one code against a confirmed enrollment, for
// step-up checks outside the login flow. Usage is recorded in the same
// transaction as the read.
func (e *Engine) VerifyTOTP(ctx context.Context, identityID, code string) error {
	if e.limiter != nil {
		if err := e.limiter.CheckMFA(ctx, identityID); err != nil {
			return ErrMFARateLimited
		}
	}
	err := e.verifyConfirmedTOTP(ctx, identityID, code)
	if errors.Is(err, ErrMFAInvalidCode) && e.limiter != nil {
		_ = e.limiter.RecordMFAFailure(ctx, identityID)
	}
	return err
}

// DisableTOTP tears down a confirmed enrollment after one final code
// check. The backup code set dies with it.
func (e *Engine) DisableTOTP(ctx context.Context, identityID, code string) error {
	if err := e.verifyConfirmedTOTP(ctx, identityID, code); err != nil {
		return err
	}

	err := e.store.Write(ctx, func(tx storage.Tx) error {
		if err := tx.BackupCodes().Replace(ctx, identityID, nil); err != nil {
			return err
		}
		return tx.TOTP().Delete(ctx, identityID)
	})
	if err != nil {
		return err
	}

	e.metricInc(MetricTOTPDisabled)
	e.emitAudit(ctx, "totp_disable", auditFields{IdentityID: identityID})
	return nil
}

// verifyConfirmedTOTP is the shared verification path for login MFA,
// step-up checks, and disable. A setup that was never confirmed reports
// ErrTOTPSetupNotConfirmed, never a code failure.
func (e *Engine) verifyConfirmedTOTP(ctx context.Context, identityID, code string) error {
	now := e.now()
	err := e.store.Write(ctx, func(tx storage.Tx) error {
		record, err := tx.TOTP().Get(ctx, identityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrTOTPNotEnabled
			}
			return err
		}
		if !record.Confirmed {
			return ErrTOTPSetupNotConfirmed
		}

		ok, err := e.checkTOTPCode(record, code)
		if err != nil {
			return err
		}
		if !ok {
			return ErrMFAInvalidCode
		}
		return tx.TOTP().RecordUsage(ctx, identityID, now)
	})
	if err != nil {
		if errors.Is(err, ErrMFAInvalidCode) {
			e.metricInc(MetricTOTPFailure)
		}
		return err
	}

	e.metricInc(MetricTOTPSuccess)
	return nil
}

// checkTOTPCode unseals the record's secret and validates the code. The
// debug bypass code is honored only outside production; Config.Validate
// refuses to let it into a production config in the first place.
func (e *Engine) checkTOTPCode(record storage.TOTPRecord, code string) (bool, error) {
	if e.config.MFA.DebugBypassCode != "" && !e.config.IsProduction() &&
		code == e.config.MFA.DebugBypassCode {
		return true, nil
	}
	if e.totpSealer == nil {
		return false, errTOTPSealerRequired
	}

	secretBase32, err := e.totpSealer.Open(record.SealedSecret)
	if err != nil {
		return false, err
	}
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secretBase32))
	if err != nil {
		return false, err
	}

	// Verify with the parameters captured at enrollment, not the current
	// config; a config change must not break existing authenticators.
	verifier := newTOTPManager(MFAConfig{
		Issuer:    e.config.MFA.Issuer,
		Digits:    record.Digits,
		Period:    record.Period,
		Algorithm: record.Algorithm,
		Skew:      e.config.MFA.Skew,
	})
	ok, _, err := verifier.VerifyCode(secret, code, e.now())
	return ok, err
}
