package goIdentity

import (
	"context"
	"time"
)

// Notifications carries the outbound delivery hooks the engine calls when a
// flow produces something the user must receive out of band: verification
// and reset tokens, email-change confirmations, deletion schedules. All
// fields are optional; a nil hook means the flow proceeds silently and the
// caller is expected to deliver the returned token itself.
//
// Hooks run on background goroutines after the owning transaction commits,
// so a slow mail gateway never holds a database lock. Failures surface as
// audit events, not as operation errors.
type Notifications struct {
	EmailVerification func(ctx context.Context, email, tokenValue string) error
	PasswordReset     func(ctx context.Context, email, tokenValue string) error
	EmailChange       func(ctx context.Context, newEmail, tokenValue string) error
	DeletionScheduled func(ctx context.Context, email string, scheduledFor time.Time) error
	DeletionCompleted func(ctx context.Context, email string) error
}

const notifyTimeout = 30 * time.Second

// notify runs fn asynchronously, detached from the request context. Close
// waits for in-flight deliveries.
func (e *Engine) notify(kind, email string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	e.notifyWG.Add(1)
	go func() {
		defer e.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			e.emitAudit(ctx, "notification_failure", auditFields{
				Email: email,
				Error: err,
				Metadata: map[string]string{
					"notification": kind,
				},
			})
		}
	}()
}
