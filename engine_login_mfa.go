package goIdentity

import (
	"context"
	"errors"

	"github.com/MrEthical07/goIdentity/internal/rate"
	"github.com/MrEthical07/goIdentity/storage"
	"github.com/MrEthical07/goIdentity/token"
)

// ConfirmLoginMFA completes an MFA-gated login. The challenge token from
// [Engine.Login] is presented with a code and the method it belongs to
// ([MFAMethodTOTP] or [MFAMethodBackupCode]).
//
// A wrong code returns [ErrMFAInvalidCode] together with a LoginResult
// carrying a re-issued challenge token whose attempt budget is one lower;
// the old token is dead weight the moment the new one exists. When the
// budget hits zero the flow ends with [ErrMFAAttemptsExhausted] and the
// user starts over at Login.
func (e *Engine) ConfirmLoginMFA(ctx context.Context, challengeToken, code, method, ip string) (LoginResult, error) {
	if ip == "" {
		ip = clientIPFromContext(ctx)
	}
	claims, err := e.tokens.ParseChallenge(challengeToken)
	if err != nil {
		return LoginResult{}, mapTokenError(err)
	}
	identityID := claims.Subject

	identity, err := e.GetIdentity(ctx, identityID)
	if err != nil {
		return LoginResult{}, err
	}
	if identity.SessionVersion != claims.SessionVersion {
		return LoginResult{}, ErrSessionInvalidated
	}

	if claims.AttemptsRemaining <= 0 {
		e.metricInc(MetricMFALoginFailure)
		return LoginResult{}, ErrMFAAttemptsExhausted
	}

	if e.limiter != nil {
		if err := e.limiter.CheckMFA(ctx, identityID); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				e.emitAudit(ctx, "mfa_login", auditFields{IdentityID: identityID, IP: ip, Error: ErrMFARateLimited})
				return LoginResult{}, ErrMFARateLimited
			}
			return LoginResult{}, err
		}
	}

	if !containsString(claims.AvailableMethods, method) {
		return e.failMFAAttempt(ctx, identity, claims, ip, ErrMFAInvalidCode)
	}

	switch method {
	case MFAMethodTOTP:
		err = e.verifyConfirmedTOTP(ctx, identityID, code)
	case MFAMethodBackupCode:
		err = e.consumeBackupCode(ctx, identityID, code)
		if errors.Is(err, ErrBackupCodeInvalid) {
			err = ErrMFAInvalidCode
		}
	default:
		err = ErrMFAInvalidCode
	}
	if err != nil {
		if errors.Is(err, ErrMFAInvalidCode) {
			return e.failMFAAttempt(ctx, identity, claims, ip, err)
		}
		return LoginResult{}, err
	}

	if e.limiter != nil {
		_ = e.limiter.ResetMFA(ctx, identityID)
	}

	pair, err := e.issueTokenPair(ctx, identity)
	if err != nil {
		return LoginResult{}, err
	}

	e.metricInc(MetricMFALoginSuccess)
	e.emitAudit(ctx, "mfa_login", auditFields{IdentityID: identityID, IP: ip, Metadata: map[string]string{"method": method}})
	return LoginResult{
		Identity:     identity,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, nil
}

// failMFAAttempt charges one attempt and re-issues the challenge with the
// decremented budget, so the challenge state lives entirely inside the
// token.
func (e *Engine) failMFAAttempt(ctx context.Context, identity storage.Identity, claims *token.ChallengeClaims, ip string, cause error) (LoginResult, error) {
	e.metricInc(MetricMFALoginFailure)
	e.emitAudit(ctx, "mfa_login", auditFields{IdentityID: identity.ID, IP: ip, Error: cause})

	if e.limiter != nil {
		if err := e.limiter.RecordMFAFailure(ctx, identity.ID); errors.Is(err, rate.ErrRateLimited) {
			return LoginResult{}, ErrMFARateLimited
		}
	}

	remaining := claims.AttemptsRemaining - 1
	if remaining <= 0 {
		return LoginResult{}, ErrMFAAttemptsExhausted
	}

	challenge, err := e.tokens.IssueChallenge(identity.ID, identity.SessionVersion, remaining, claims.AvailableMethods)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		Identity:         identity,
		MFARequired:      true,
		ChallengeToken:   challenge,
		AvailableMethods: claims.AvailableMethods,
	}, cause
}
