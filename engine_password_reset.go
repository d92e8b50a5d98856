package goIdentity

import (
	"context"
	"errors"

	"github.com/MrEthical07/goIdentity/internal"
	"github.com/MrEthical07/goIdentity/storage"
)

// RequestPasswordReset issues a single-use reset token for the address,
// replacing any earlier one. Unknown addresses return empty without error;
// the response carries no account-existence signal.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	email = normalizeEmail(email)

	var identity storage.Identity
	err := e.store.Read(ctx, func(tx storage.Tx) error {
		var err error
		identity, err = tx.Identities().GetByEmail(ctx, email)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		e.emitAudit(ctx, "password_reset_request", auditFields{Email: email, Metadata: map[string]string{"noop": "unknown_email"}})
		return "", nil
	}
	if err != nil {
		return "", err
	}

	value, err := internal.RandomToken(singleUseTokenBytes)
	if err != nil {
		return "", err
	}

	now := e.now()
	err = e.store.Write(ctx, func(tx storage.Tx) error {
		if err := tx.Tokens().DeleteForIdentity(ctx, identity.ID, storage.TokenPasswordReset); err != nil {
			return err
		}
		return tx.Tokens().Insert(ctx, storage.Token{
			ID:         e.newID(),
			Value:      value,
			Kind:       storage.TokenPasswordReset,
			IdentityID: identity.ID,
			ValidUntil: now.Add(e.config.Lifecycle.ResetTTL),
			CreatedAt:  now,
		})
	})
	if err != nil {
		return "", err
	}

	e.metricInc(MetricPasswordResetRequest)
	e.emitAudit(ctx, "password_reset_request", auditFields{IdentityID: identity.ID, Email: email})
	if hook := e.notifications.PasswordReset; hook != nil {
		e.notify("password_reset", email, func(ctx context.Context) error {
			return hook(ctx, email, value)
		})
	}
	return value, nil
}

// ConfirmPasswordReset consumes a reset token and installs the new
// password. The session version bumps, so every outstanding token for the
// account dies with the old password.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, tokenValue, newPassword string) error {
	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	// Validate the token before paying for the hash; the write transaction
	// below re-reads it, so a racing confirm still loses.
	now := e.now()
	var identityID string
	var expiredTokenID string
	err := e.store.Read(ctx, func(tx storage.Tx) error {
		tok, err := tx.Tokens().GetByValue(ctx, storage.TokenPasswordReset, tokenValue)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrTokenInvalid
			}
			return err
		}
		if now.After(tok.ValidUntil) {
			expiredTokenID = tok.ID
			return ErrTokenExpired
		}
		identityID = tok.IdentityID
		return nil
	})
	if err != nil {
		if expiredTokenID != "" {
			// The discovering call consumes the expired row; a retry sees
			// ErrTokenInvalid.
			_ = e.store.Write(ctx, func(tx storage.Tx) error {
				return tx.Tokens().Delete(ctx, expiredTokenID)
			})
		}
		e.emitAudit(ctx, "password_reset_confirm", auditFields{Error: err})
		return err
	}

	hash, err := e.passwords.Hash(ctx, newPassword)
	if err != nil {
		return err
	}

	var expired bool
	err = e.store.Write(ctx, func(tx storage.Tx) error {
		expired = false
		tok, err := tx.Tokens().GetByValue(ctx, storage.TokenPasswordReset, tokenValue)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrTokenInvalid
			}
			return err
		}
		if now.After(tok.ValidUntil) {
			expired = true
			return tx.Tokens().Delete(ctx, tok.ID)
		}

		identity, err := tx.Identities().Get(ctx, tok.IdentityID)
		if err != nil {
			return err
		}
		identity.PasswordHash = hash
		identity.UpdatedAt = now
		if err := tx.Identities().Update(ctx, identity); err != nil {
			return err
		}
		if _, err := tx.Identities().BumpSessionVersion(ctx, identity.ID, now); err != nil {
			return err
		}
		return tx.Tokens().Delete(ctx, tok.ID)
	})
	if err == nil && expired {
		err = ErrTokenExpired
	}
	if err != nil {
		e.emitAudit(ctx, "password_reset_confirm", auditFields{IdentityID: identityID, Error: err})
		return err
	}

	e.metricInc(MetricPasswordResetConfirm)
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, "password_reset_confirm", auditFields{IdentityID: identityID})
	return nil
}
