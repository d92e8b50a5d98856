package goIdentity

import (
	"context"
	"errors"
	"strings"

	"github.com/MrEthical07/goIdentity/internal"
	"github.com/MrEthical07/goIdentity/storage"
)

// RequestEmailChange opens a pending change to a new address. The caller
// must present a reauthorization token covering [OperationChangeEmail].
// Any earlier live request is cancelled; availability of the new address
// is checked now and again at confirmation, because it can be claimed in
// between. The confirmation token goes to the new address via the
// EmailChange hook and is also returned.
func (e *Engine) RequestEmailChange(ctx context.Context, identityID, reauthToken, newEmail string) (string, error) {
	newEmail = normalizeEmail(newEmail)
	if newEmail == "" || !strings.Contains(newEmail, "@") {
		return "", errors.New("goIdentity: invalid email address")
	}

	if err := e.requireReauthorization(ctx, identityID, reauthToken, OperationChangeEmail); err != nil {
		e.emitAudit(ctx, "email_change_request", auditFields{IdentityID: identityID, Error: err})
		return "", err
	}

	value, err := internal.RandomToken(singleUseTokenBytes)
	if err != nil {
		return "", err
	}

	now := e.now()
	err = e.store.Write(ctx, func(tx storage.Tx) error {
		identity, err := tx.Identities().Get(ctx, identityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrIdentityNotFound
			}
			return err
		}
		if identity.Email == newEmail {
			return ErrEmailAlreadyInUse
		}

		inUse, err := tx.Identities().EmailsInUse(ctx, []string{newEmail})
		if err != nil {
			return err
		}
		if inUse[newEmail] {
			return ErrEmailAlreadyInUse
		}

		if _, err := tx.EmailChanges().CancelLive(ctx, identityID, now); err != nil {
			return err
		}
		return tx.EmailChanges().Insert(ctx, storage.EmailChangeRequest{
			ID:          e.newID(),
			IdentityID:  identityID,
			NewEmail:    newEmail,
			TokenValue:  value,
			RequestedAt: now,
			ExpiresAt:   now.Add(e.config.Lifecycle.EmailChangeTTL),
		})
	})
	if err != nil {
		e.emitAudit(ctx, "email_change_request", auditFields{IdentityID: identityID, Error: err})
		return "", err
	}

	e.metricInc(MetricEmailChangeRequested)
	e.emitAudit(ctx, "email_change_request", auditFields{IdentityID: identityID, Metadata: map[string]string{"new_email": newEmail}})
	if hook := e.notifications.EmailChange; hook != nil {
		e.notify("email_change", newEmail, func(ctx context.Context) error {
			return hook(ctx, newEmail, value)
		})
	}
	return value, nil
}

// ConfirmEmailChange consumes the confirmation token and swaps the
// address. The availability re-check closes the window where the new
// address was claimed after the request; the session-version bump kills
// tokens carrying the old address.
func (e *Engine) ConfirmEmailChange(ctx context.Context, identityID, tokenValue string) error {
	now := e.now()
	var newEmail string

	err := e.store.Write(ctx, func(tx storage.Tx) error {
		req, err := tx.EmailChanges().GetByToken(ctx, tokenValue)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrTokenInvalid
			}
			return err
		}
		if !req.Live() {
			return ErrTokenInvalid
		}
		if req.IdentityID != identityID {
			return ErrEmailMismatch
		}
		if now.After(req.ExpiresAt) {
			return ErrTokenExpired
		}

		inUse, err := tx.Identities().EmailsInUse(ctx, []string{req.NewEmail})
		if err != nil {
			return err
		}
		if inUse[req.NewEmail] {
			return ErrEmailAlreadyInUse
		}

		identity, err := tx.Identities().Get(ctx, identityID)
		if err != nil {
			return err
		}
		identity.Email = req.NewEmail
		identity.EmailStatus = storage.EmailVerified
		identity.UpdatedAt = now
		if err := tx.Identities().Update(ctx, identity); err != nil {
			return err
		}
		if _, err := tx.Identities().BumpSessionVersion(ctx, identityID, now); err != nil {
			return err
		}

		newEmail = req.NewEmail
		return tx.EmailChanges().Confirm(ctx, req.ID, now)
	})
	if err != nil {
		e.emitAudit(ctx, "email_change_confirm", auditFields{IdentityID: identityID, Error: err})
		return err
	}

	e.metricInc(MetricEmailChangeConfirmed)
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, "email_change_confirm", auditFields{IdentityID: identityID, Email: newEmail})
	return nil
}

// CancelEmailChange withdraws the live request, if any.
func (e *Engine) CancelEmailChange(ctx context.Context, identityID string) error {
	now := e.now()
	err := e.store.Write(ctx, func(tx storage.Tx) error {
		n, err := tx.EmailChanges().CancelLive(ctx, identityID, now)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrEmailChangeNotPending
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.metricInc(MetricEmailChangeCancelled)
	e.emitAudit(ctx, "email_change_cancel", auditFields{IdentityID: identityID})
	return nil
}

// PendingEmailChange returns the live request for the identity.
func (e *Engine) PendingEmailChange(ctx context.Context, identityID string) (storage.EmailChangeRequest, error) {
	var req storage.EmailChangeRequest
	err := e.store.Read(ctx, func(tx storage.Tx) error {
		var err error
		req, err = tx.EmailChanges().GetLive(ctx, identityID)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return storage.EmailChangeRequest{}, ErrEmailChangeNotPending
	}
	return req, err
}
