package goIdentity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/MrEthical07/goIdentity/internal"
	"github.com/MrEthical07/goIdentity/storage"
)

// backupCodeAlphabet omits 0/O/1/I so codes survive being read aloud or
// written down.
const backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// canonicalBackupCode normalizes user input before hashing: trim, strip
// dashes, upper-case.
func canonicalBackupCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}

// hashBackupCode derives the stored hash. Keying by identity id means
// equal codes for different identities never produce equal hashes.
func hashBackupCode(identityID, code string) string {
	h := sha256.New()
	h.Write([]byte(identityID))
	h.Write([]byte{0})
	h.Write([]byte(canonicalBackupCode(code)))
	return hex.EncodeToString(h.Sum(nil))
}

// RegenerateBackupCodes replaces the identity's backup code set and
// returns the raw codes, the only time they are visible. Requires a
// confirmed TOTP enrollment; codes are a recovery path for it, not a
// standalone factor.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, identityID string) ([]string, error) {
	cfg := e.config.MFA

	codes := make([]string, 0, cfg.BackupCodeCount)
	records := make([]storage.BackupCode, 0, cfg.BackupCodeCount)
	now := e.now()
	for i := 0; i < cfg.BackupCodeCount; i++ {
		code, err := internal.RandomCode(backupCodeAlphabet, cfg.BackupCodeLength)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		records = append(records, storage.BackupCode{
			ID:         e.newID(),
			IdentityID: identityID,
			CodeHash:   hashBackupCode(identityID, code),
			CreatedAt:  now,
		})
	}

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
		return tx.BackupCodes().Replace(ctx, identityID, records)
	})
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricBackupCodesRegenerated)
	e.emitAudit(ctx, "backup_codes_regenerate", auditFields{IdentityID: identityID})
	return codes, nil
}

// UnusedBackupCodeCount reports how many codes remain.
func (e *Engine) UnusedBackupCodeCount(ctx context.Context, identityID string) (int, error) {
	var n int
	err := e.store.Read(ctx, func(tx storage.Tx) error {
		codes, err := tx.BackupCodes().ListUnused(ctx, identityID)
		if err != nil {
			return err
		}
		n = len(codes)
		return nil
	})
	return n, err
}

// consumeBackupCode burns a matching unused code. The MarkUsed guard
// closes the race where two logins present the same code concurrently:
// exactly one wins.
func (e *Engine) consumeBackupCode(ctx context.Context, identityID, code string) error {
	want := hashBackupCode(identityID, code)

	err := e.store.Write(ctx, func(tx storage.Tx) error {
		codes, err := tx.BackupCodes().ListUnused(ctx, identityID)
		if err != nil {
			return err
		}
		for _, c := range codes {
			if c.CodeHash != want {
				continue
			}
			used, err := tx.BackupCodes().MarkUsed(ctx, c.ID, e.now())
			if err != nil {
				return err
			}
			if !used {
				return ErrBackupCodeInvalid
			}
			return nil
		}
		return ErrBackupCodeInvalid
	})
	if err != nil {
		if errors.Is(err, ErrBackupCodeInvalid) {
			e.metricInc(MetricBackupCodeFailed)
		}
		return err
	}

	e.metricInc(MetricBackupCodeUsed)
	e.emitAudit(ctx, "backup_code_used", auditFields{IdentityID: identityID})
	return nil
}
