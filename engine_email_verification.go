package goIdentity

import (
	"context"
	"errors"

	"github.com/MrEthical07/goIdentity/internal"
	"github.com/MrEthical07/goIdentity/storage"
)

// RequestEmailVerification issues a fresh single-use verification token
// for the address and replaces any earlier one. The token is returned and
// also handed to the EmailVerification hook. Unknown and already-verified
// addresses return empty without error, so the operation leaks nothing
// about account existence.
func (e *Engine) RequestEmailVerification(ctx context.Context, email string) (string, error) {
	email = normalizeEmail(email)

	var identity storage.Identity
	err := e.store.Read(ctx, func(tx storage.Tx) error {
		var err error
		identity, err = tx.Identities().GetByEmail(ctx, email)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		e.emitAudit(ctx, "email_verification_request", auditFields{Email: email, Metadata: map[string]string{"noop": "unknown_email"}})
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if identity.EmailStatus == storage.EmailVerified {
		e.emitAudit(ctx, "email_verification_request", auditFields{IdentityID: identity.ID, Email: email, Metadata: map[string]string{"noop": "already_verified"}})
		return "", nil
	}

	value, err := internal.RandomToken(singleUseTokenBytes)
	if err != nil {
		return "", err
	}

	now := e.now()
	err = e.store.Write(ctx, func(tx storage.Tx) error {
		if err := tx.Tokens().DeleteForIdentity(ctx, identity.ID, storage.TokenEmailVerification); err != nil {
			return err
		}
		if identity.EmailStatus == storage.EmailUnverified {
			identity.EmailStatus = storage.EmailPending
			identity.UpdatedAt = now
			if err := tx.Identities().Update(ctx, identity); err != nil {
				return err
			}
		}
		return tx.Tokens().Insert(ctx, storage.Token{
			ID:         e.newID(),
			Value:      value,
			Kind:       storage.TokenEmailVerification,
			IdentityID: identity.ID,
			ValidUntil: now.Add(e.config.Lifecycle.VerificationTTL),
			CreatedAt:  now,
		})
	})
	if err != nil {
		return "", err
	}

	e.metricInc(MetricEmailVerificationRequest)
	e.emitAudit(ctx, "email_verification_request", auditFields{IdentityID: identity.ID, Email: email})
	if hook := e.notifications.EmailVerification; hook != nil {
		e.notify("email_verification", email, func(ctx context.Context) error {
			return hook(ctx, email, value)
		})
	}
	return value, nil
}

// ConfirmEmailVerification consumes a verification token and marks the
// address verified. Unknown tokens return [ErrTokenInvalid]; expired ones
// are deleted and return [ErrTokenExpired].
func (e *Engine) ConfirmEmailVerification(ctx context.Context, tokenValue string) error {
	now := e.now()
	var identityID string
	var expired bool

	err := e.store.Write(ctx, func(tx storage.Tx) error {
		expired = false
		tok, err := tx.Tokens().GetByValue(ctx, storage.TokenEmailVerification, tokenValue)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrTokenInvalid
			}
			return err
		}
		if now.After(tok.ValidUntil) {
			// Returning nil commits the delete; the sentinel is surfaced
			// after the transaction, and a retry sees ErrTokenInvalid.
			expired = true
			return tx.Tokens().Delete(ctx, tok.ID)
		}

		identity, err := tx.Identities().Get(ctx, tok.IdentityID)
		if err != nil {
			return err
		}
		identity.EmailStatus = storage.EmailVerified
		identity.UpdatedAt = now
		if err := tx.Identities().Update(ctx, identity); err != nil {
			return err
		}
		identityID = identity.ID
		return tx.Tokens().Delete(ctx, tok.ID)
	})
	if err == nil && expired {
		err = ErrTokenExpired
	}
	if err != nil {
		e.emitAudit(ctx, "email_verification_confirm", auditFields{Error: err})
		return err
	}

	e.metricInc(MetricEmailVerificationConfirm)
	e.emitAudit(ctx, "email_verification_confirm", auditFields{IdentityID: identityID})
	return nil
}
