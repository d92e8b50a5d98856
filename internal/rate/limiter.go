package rate

import (
	"context"
	"time"
)

// Config holds the attempt budgets and window lengths.
type Config struct {
	EnableIPThrottle bool
	MaxLoginAttempts int
	LoginWindow      time.Duration
	MaxMFAAttempts   int
	MFAWindow        time.Duration
}

// Limiter applies the login and MFA budgets over a Counter backend.
type Limiter struct {
	counter Counter
	config  Config
}

// New builds a limiter over counter.
func New(counter Counter, cfg Config) *Limiter {
	return &Limiter{counter: counter, config: cfg}
}

// CheckLogin reports whether the email+IP pair still has login budget.
func (l *Limiter) CheckLogin(ctx context.Context, email, ip string) error {
	if err := l.check(ctx, loginUserKey(email), l.config.MaxLoginAttempts); err != nil {
		return err
	}
	if l.config.EnableIPThrottle && ip != "" {
		return l.check(ctx, loginIPKey(ip), l.config.MaxLoginAttempts)
	}
	return nil
}

// RecordLoginFailure charges one failed login to the email+IP pair. Both
// keys are charged before the verdict, so the shared IP counter keeps
// climbing while the per-user counter is already over budget.
func (l *Limiter) RecordLoginFailure(ctx context.Context, email, ip string) error {
	userCount, err := l.counter.Increment(ctx, loginUserKey(email), l.config.LoginWindow)
	if err != nil {
		return err
	}
	var ipCount int64
	if l.config.EnableIPThrottle && ip != "" {
		ipCount, err = l.counter.Increment(ctx, loginIPKey(ip), l.config.LoginWindow)
		if err != nil {
			return err
		}
	}
	if userCount > int64(l.config.MaxLoginAttempts) || ipCount > int64(l.config.MaxLoginAttempts) {
		return ErrRateLimited
	}
	return nil
}

// ResetLogin clears the failed-login counters after a successful login or a
// password change.
func (l *Limiter) ResetLogin(ctx context.Context, email, ip string) error {
	keys := []string{loginUserKey(email)}
	if l.config.EnableIPThrottle && ip != "" {
		keys = append(keys, loginIPKey(ip))
	}
	return l.counter.Reset(ctx, keys...)
}

// CheckMFA reports whether the identity still has MFA verification budget.
func (l *Limiter) CheckMFA(ctx context.Context, identityID string) error {
	return l.check(ctx, mfaKey(identityID), l.config.MaxMFAAttempts)
}

// RecordMFAFailure charges one failed code verification to the identity.
func (l *Limiter) RecordMFAFailure(ctx context.Context, identityID string) error {
	count, err := l.counter.Increment(ctx, mfaKey(identityID), l.config.MFAWindow)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxMFAAttempts) {
		return ErrRateLimited
	}
	return nil
}

// ResetMFA clears the MFA counter after a successful verification.
func (l *Limiter) ResetMFA(ctx context.Context, identityID string) error {
	return l.counter.Reset(ctx, mfaKey(identityID))
}

// LoginAttempts returns the current failed-login count for an email.
// Missing keys return zero and do not reveal account existence.
func (l *Limiter) LoginAttempts(ctx context.Context, email string) (int, error) {
	count, err := l.counter.Get(ctx, loginUserKey(email))
	if err != nil {
		return 0, err
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) check(ctx context.Context, key string, maxAttempts int) error {
	count, err := l.counter.Get(ctx, key)
	if err != nil {
		return err
	}
	if count > int64(maxAttempts) {
		return ErrRateLimited
	}
	return nil
}

func loginUserKey(email string) string { return "lu:" + email }
func loginIPKey(ip string) string      { return "li:" + ip }
func mfaKey(identityID string) string  { return "mf:" + identityID }
