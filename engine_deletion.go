package goIdentity

import (
	"context"
	"errors"

	"github.com/MrEthical07/goIdentity/storage"
)

// RequestDeletion opens the account-removal state machine. The caller must
// present a reauthorization token covering [OperationDeleteAccount]; see
// [Engine.IssueReauthorization]. Nothing is deleted yet; the request must
// be confirmed, and the actual removal waits out the grace period after
// that.
func (e *Engine) RequestDeletion(ctx context.Context, identityID, reauthToken, reason string) error {
	if err := e.requireReauthorization(ctx, identityID, reauthToken, OperationDeleteAccount); err != nil {
		e.emitAudit(ctx, "deletion_request", auditFields{IdentityID: identityID, Error: err})
		return err
	}

	now := e.now()
	err := e.store.Write(ctx, func(tx storage.Tx) error {
		if _, err := tx.Identities().Get(ctx, identityID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrIdentityNotFound
			}
			return err
		}

		existing, err := tx.Deletions().Get(ctx, identityID)
		if err == nil && existing.Status(now) != storage.DeletionCancelled {
			return ErrDeletionAlreadyPending
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		return tx.Deletions().Upsert(ctx, storage.Deletion{
			IdentityID:   identityID,
			RequestedAt:  now,
			Reason:       reason,
			ScheduledFor: now.Add(e.config.Lifecycle.DeletionGracePeriod),
		})
	})
	if err != nil {
		return err
	}

	e.metricInc(MetricDeletionRequested)
	e.emitAudit(ctx, "deletion_request", auditFields{IdentityID: identityID, Metadata: map[string]string{"reason": reason}})
	return nil
}

// ConfirmDeletion advances the state machine. The first confirm starts the
// grace period; a confirm during the grace period returns
// [ErrGracePeriodNotExpired]; a confirm after it performs the hard delete,
// cascading to every dependent record.
func (e *Engine) ConfirmDeletion(ctx context.Context, identityID string) error {
	now := e.now()
	var executed bool
	var email string

	err := e.store.Write(ctx, func(tx storage.Tx) error {
		deletion, err := tx.Deletions().Get(ctx, identityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrDeletionNotPending
			}
			return err
		}

		switch deletion.Status(now) {
		case storage.DeletionCancelled:
			return ErrDeletionNotPending
		case storage.DeletionPending:
			confirmedAt := now
			deletion.ConfirmedAt = &confirmedAt
			deletion.ScheduledFor = now.Add(e.config.Lifecycle.DeletionGracePeriod)
			return tx.Deletions().Upsert(ctx, deletion)
		case storage.DeletionAwaitingGrace:
			return ErrGracePeriodNotExpired
		case storage.DeletionReady:
			identity, err := tx.Identities().Get(ctx, identityID)
			if err == nil {
				email = identity.Email
			}
			executed = true
			return tx.Identities().Delete(ctx, identityID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if executed {
		e.metricInc(MetricDeletionExecuted)
		e.emitAudit(ctx, "deletion_execute", auditFields{IdentityID: identityID, Email: email})
		if hook := e.notifications.DeletionCompleted; hook != nil && email != "" {
			e.notify("deletion_completed", email, func(ctx context.Context) error {
				return hook(ctx, email)
			})
		}
		return nil
	}

	e.metricInc(MetricDeletionConfirmed)
	e.emitAudit(ctx, "deletion_confirm", auditFields{IdentityID: identityID})
	if hook := e.notifications.DeletionScheduled; hook != nil {
		identity, err := e.GetIdentity(ctx, identityID)
		if err == nil {
			scheduledFor := now.Add(e.config.Lifecycle.DeletionGracePeriod)
			e.notify("deletion_scheduled", identity.Email, func(ctx context.Context) error {
				return hook(ctx, identity.Email, scheduledFor)
			})
		}
	}
	return nil
}

// CancelDeletion aborts a live request at any point before the hard
// delete ran.
func (e *Engine) CancelDeletion(ctx context.Context, identityID string) error {
	now := e.now()
	err := e.store.Write(ctx, func(tx storage.Tx) error {
		deletion, err := tx.Deletions().Get(ctx, identityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrDeletionNotPending
			}
			return err
		}
		if deletion.Status(now) == storage.DeletionCancelled {
			return ErrDeletionNotPending
		}
		cancelledAt := now
		deletion.CancelledAt = &cancelledAt
		return tx.Deletions().Upsert(ctx, deletion)
	})
	if err != nil {
		return err
	}

	e.metricInc(MetricDeletionCancelled)
	e.emitAudit(ctx, "deletion_cancel", auditFields{IdentityID: identityID})
	return nil
}

// DeletionStatus reports where the identity sits in the removal state
// machine. [ErrDeletionNotPending] means no live or cancelled request
// exists.
func (e *Engine) DeletionStatus(ctx context.Context, identityID string) (DeletionInfo, error) {
	var deletion storage.Deletion
	err := e.store.Read(ctx, func(tx storage.Tx) error {
		var err error
		deletion, err = tx.Deletions().Get(ctx, identityID)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return DeletionInfo{}, ErrDeletionNotPending
		}
		return DeletionInfo{}, err
	}

	return DeletionInfo{
		Status:       deletion.Status(e.now()),
		RequestedAt:  deletion.RequestedAt,
		ScheduledFor: deletion.ScheduledFor,
		Reason:       deletion.Reason,
	}, nil
}
