package goIdentity

import (
	"context"
	"errors"

	"github.com/MrEthical07/goIdentity/internal/rate"
	"github.com/MrEthical07/goIdentity/storage"
)

// Login authenticates an email/password pair. Accounts with confirmed MFA
// get a LoginResult with MFARequired set and a challenge token instead of
// an access/refresh pair; needing a second factor is a signal, not an
// error. The ip parameter feeds the per-IP throttle and the audit trail;
// pass empty when unknown.
func (e *Engine) Login(ctx context.Context, email, pw, ip string) (LoginResult, error) {
	email = normalizeEmail(email)
	if ip == "" {
		ip = clientIPFromContext(ctx)
	}

	if e.limiter != nil {
		if err := e.limiter.CheckLogin(ctx, email, ip); err != nil {
			return LoginResult{}, e.mapLoginLimit(ctx, email, ip, err)
		}
	}

	identity, err := e.VerifyPassword(ctx, email, pw)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			e.metricInc(MetricLoginFailure)
			e.emitAudit(ctx, "login", auditFields{Email: email, IP: ip, Error: err})
			if e.limiter != nil {
				if recErr := e.limiter.RecordLoginFailure(ctx, email, ip); errors.Is(recErr, rate.ErrRateLimited) {
					return LoginResult{}, ErrLoginRateLimited
				}
			}
		}
		return LoginResult{}, err
	}

	if identity.EmailStatus != storage.EmailVerified {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, "login", auditFields{IdentityID: identity.ID, Email: email, IP: ip, Error: ErrEmailNotVerified})
		return LoginResult{}, ErrEmailNotVerified
	}

	if e.limiter != nil {
		_ = e.limiter.ResetLogin(ctx, email, ip)
	}

	methods, err := e.mfaMethods(ctx, identity.ID)
	if err != nil {
		return LoginResult{}, err
	}
	if len(methods) > 0 {
		challenge, err := e.tokens.IssueChallenge(identity.ID, identity.SessionVersion, e.config.MFA.ChallengeAttempts, methods)
		if err != nil {
			return LoginResult{}, err
		}
		e.metricInc(MetricMFAChallengeIssued)
		e.emitAudit(ctx, "login", auditFields{IdentityID: identity.ID, Email: email, IP: ip, Metadata: map[string]string{"mfa": "required"}})
		return LoginResult{
			Identity:         identity,
			MFARequired:      true,
			ChallengeToken:   challenge,
			AvailableMethods: methods,
		}, nil
	}

	pair, err := e.issueTokenPair(ctx, identity)
	if err != nil {
		return LoginResult{}, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, "login", auditFields{IdentityID: identity.ID, Email: email, IP: ip})
	return LoginResult{
		Identity:     identity,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, nil
}

// mfaMethods reports which second factors the identity can present:
// "totp" when a confirmed enrollment exists, plus "backup_code" when
// unused codes remain.
func (e *Engine) mfaMethods(ctx context.Context, identityID string) ([]string, error) {
	var methods []string
	err := e.store.Read(ctx, func(tx storage.Tx) error {
		record, err := tx.TOTP().Get(ctx, identityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		if !record.Confirmed {
			return nil
		}
		methods = append(methods, MFAMethodTOTP)

		codes, err := tx.BackupCodes().ListUnused(ctx, identityID)
		if err != nil {
			return err
		}
		if len(codes) > 0 {
			methods = append(methods, MFAMethodBackupCode)
		}
		return nil
	})
	return methods, err
}

func (e *Engine) mapLoginLimit(ctx context.Context, email, ip string, err error) error {
	if errors.Is(err, rate.ErrRateLimited) {
		e.metricInc(MetricLoginRateLimited)
		e.emitAudit(ctx, "login", auditFields{Email: email, IP: ip, Error: ErrLoginRateLimited})
		return ErrLoginRateLimited
	}
	// Counter backend failures fail closed.
	return err
}
