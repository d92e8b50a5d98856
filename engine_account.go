package goIdentity

import (
	"context"
	"errors"
	"strings"

	"github.com/MrEthical07/goIdentity/internal"
	"github.com/MrEthical07/goIdentity/storage"
)

const singleUseTokenBytes = 32

// CreateAccount provisions a password account. The email must be unused;
// the password must satisfy the configured policy. The returned identity
// starts unverified; a verification token is issued in the same
// transaction and handed to the EmailVerification notification hook.
func (e *Engine) CreateAccount(ctx context.Context, input CreateAccountInput) (storage.Identity, error) {
	email := normalizeEmail(input.Email)
	if email == "" || !strings.Contains(email, "@") {
		return storage.Identity{}, errors.New("goIdentity: invalid email address")
	}
	if err := e.checkPasswordPolicy(input.Password); err != nil {
		e.emitAudit(ctx, "account_create", auditFields{Email: email, IP: input.IP, Error: err})
		return storage.Identity{}, err
	}

	hash, err := e.passwords.Hash(ctx, input.Password)
	if err != nil {
		return storage.Identity{}, err
	}

	now := e.now()
	identity := storage.Identity{
		ID:             e.newID(),
		Email:          email,
		PasswordHash:   hash,
		EmailStatus:    storage.EmailUnverified,
		SessionVersion: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	verification, err := internal.RandomToken(singleUseTokenBytes)
	if err != nil {
		return storage.Identity{}, err
	}

	err = e.store.Write(ctx, func(tx storage.Tx) error {
		if err := tx.Identities().Insert(ctx, identity); err != nil {
			return err
		}
		return tx.Tokens().Insert(ctx, storage.Token{
			ID:         e.newID(),
			Value:      verification,
			Kind:       storage.TokenEmailVerification,
			IdentityID: identity.ID,
			ValidUntil: now.Add(e.config.Lifecycle.VerificationTTL),
			CreatedAt:  now,
		})
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			e.metricInc(MetricAccountCreationDuplicate)
			e.emitAudit(ctx, "account_create", auditFields{Email: email, IP: input.IP, Error: ErrEmailAlreadyInUse})
			return storage.Identity{}, ErrEmailAlreadyInUse
		}
		return storage.Identity{}, err
	}

	e.metricInc(MetricAccountCreated)
	e.emitAudit(ctx, "account_create", auditFields{IdentityID: identity.ID, Email: email, IP: input.IP})
	if hook := e.notifications.EmailVerification; hook != nil {
		e.notify("email_verification", email, func(ctx context.Context) error {
			return hook(ctx, email, verification)
		})
	}

	return identity, nil
}

// GetIdentity loads an account by id.
func (e *Engine) GetIdentity(ctx context.Context, id string) (storage.Identity, error) {
	var identity storage.Identity
	err := e.store.Read(ctx, func(tx storage.Tx) error {
		var err error
		identity, err = tx.Identities().Get(ctx, id)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Identity{}, ErrIdentityNotFound
	}
	return identity, err
}

// VerifyPassword checks an email/password pair. Unknown addresses and
// wrong passwords both come back as [ErrInvalidCredentials]; callers never
// learn which. When the stored hash predates a cost increase and
// upgrade-on-verify is enabled, the hash is silently rewritten.
func (e *Engine) VerifyPassword(ctx context.Context, email, pw string) (storage.Identity, error) {
	email = normalizeEmail(email)

	var identity storage.Identity
	err := e.store.Read(ctx, func(tx storage.Tx) error {
		var err error
		identity, err = tx.Identities().GetByEmail(ctx, email)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Identity{}, ErrInvalidCredentials
		}
		return storage.Identity{}, err
	}
	if identity.PasswordHash == "" {
		// OAuth-only account.
		return storage.Identity{}, ErrInvalidCredentials
	}

	ok, err := e.passwords.Verify(ctx, pw, identity.PasswordHash)
	if err != nil {
		return storage.Identity{}, err
	}
	if !ok {
		return storage.Identity{}, ErrInvalidCredentials
	}

	if e.config.Password.UpgradeOnVerify {
		if upgrade, err := e.passwords.NeedsUpgrade(identity.PasswordHash); err == nil && upgrade {
			if newHash, err := e.passwords.Hash(ctx, pw); err == nil {
				identity.PasswordHash = newHash
				identity.UpdatedAt = e.now()
				_ = e.store.Write(ctx, func(tx storage.Tx) error {
					return tx.Identities().Update(ctx, identity)
				})
			}
		}
	}

	return identity, nil
}

// ChangePassword rotates the password after re-verifying the old one. The
// new password must differ from the old and satisfy the policy. All
// outstanding tokens are invalidated by the session-version bump.
func (e *Engine) ChangePassword(ctx context.Context, identityID, oldPassword, newPassword string) error {
	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return err
	}

	identity, err := e.GetIdentity(ctx, identityID)
	if err != nil {
		return err
	}

	ok, err := e.passwords.Verify(ctx, oldPassword, identity.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, "password_change", auditFields{IdentityID: identityID, Error: ErrInvalidCredentials})
		return ErrInvalidCredentials
	}

	if reused, err := e.passwords.Verify(ctx, newPassword, identity.PasswordHash); err != nil {
		return err
	} else if reused {
		e.metricInc(MetricPasswordChangeFailure)
		return ErrPasswordReuse
	}

	if err := e.setPassword(ctx, identityID, newPassword); err != nil {
		return err
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, "password_change", auditFields{IdentityID: identityID})
	return nil
}

// UpdatePassword sets a new password without old-password verification.
// It backs the reset flow and administrative resets; interactive changes
// go through [Engine.ChangePassword].
func (e *Engine) UpdatePassword(ctx context.Context, identityID, newPassword string) error {
	if err := e.checkPasswordPolicy(newPassword); err != nil {
		return err
	}
	if err := e.setPassword(ctx, identityID, newPassword); err != nil {
		return err
	}
	e.emitAudit(ctx, "password_update", auditFields{IdentityID: identityID})
	return nil
}

// setPassword hashes outside the transaction, then persists the hash and
// bumps the session version in one write.
func (e *Engine) setPassword(ctx context.Context, identityID, newPassword string) error {
	hash, err := e.passwords.Hash(ctx, newPassword)
	if err != nil {
		return err
	}

	now := e.now()
	err = e.store.Write(ctx, func(tx storage.Tx) error {
		identity, err := tx.Identities().Get(ctx, identityID)
		if err != nil {
			return err
		}
		identity.PasswordHash = hash
		identity.UpdatedAt = now
		if err := tx.Identities().Update(ctx, identity); err != nil {
			return err
		}
		_, err = tx.Identities().BumpSessionVersion(ctx, identityID, now)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrIdentityNotFound
	}
	if err == nil {
		e.metricInc(MetricSessionInvalidated)
	}
	return err
}

// BumpSessionVersion invalidates every outstanding token for the identity
// (logout everywhere). The new version is returned.
func (e *Engine) BumpSessionVersion(ctx context.Context, identityID string) (int64, error) {
	var version int64
	err := e.store.Write(ctx, func(tx storage.Tx) error {
		var err error
		version, err = tx.Identities().BumpSessionVersion(ctx, identityID, e.now())
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return 0, ErrIdentityNotFound
	}
	if err != nil {
		return 0, err
	}
	e.metricInc(MetricSessionInvalidated)
	e.emitAudit(ctx, "session_invalidate_all", auditFields{IdentityID: identityID})
	return version, nil
}
