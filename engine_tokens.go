package goIdentity

import (
	"context"
	"errors"

	"github.com/MrEthical07/goIdentity/storage"
	"github.com/MrEthical07/goIdentity/token"
)

func mapTokenError(err error) error {
	if errors.Is(err, token.ErrExpired) {
		return ErrTokenExpired
	}
	return ErrTokenInvalid
}

// issueTokenPair mints an access+refresh pair bound to the identity's
// current session version and records the login time.
func (e *Engine) issueTokenPair(ctx context.Context, identity storage.Identity) (TokenPair, error) {
	access, err := e.tokens.IssueAccess(identity.ID, identity.Email, identity.SessionVersion)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := e.tokens.IssueRefresh(identity.ID, e.newID(), identity.SessionVersion)
	if err != nil {
		return TokenPair{}, err
	}

	now := e.now()
	err = e.store.Write(ctx, func(tx storage.Tx) error {
		return tx.Identities().SetLastLogin(ctx, identity.ID, now)
	})
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// VerifyAccess authenticates an access token against both its signature
// and the live identity record: the embedded session version must equal
// the stored one ([ErrSessionInvalidated]), and after that the embedded
// email must still match ([ErrIdentityChanged]). The version check runs
// first because the bump is the universal revocation mechanism; a token
// stale on both counts reports [ErrSessionInvalidated]. The identity's
// last-login time is refreshed in the same transaction.
func (e *Engine) VerifyAccess(ctx context.Context, accessToken string) (storage.Identity, error) {
	start := e.now()

	claims, err := e.tokens.ParseAccess(accessToken)
	if err != nil {
		e.metricInc(MetricAccessRejected)
		return storage.Identity{}, mapTokenError(err)
	}
	identityID, email, err := token.SplitSubject(claims.Subject)
	if err != nil {
		e.metricInc(MetricAccessRejected)
		return storage.Identity{}, ErrTokenInvalid
	}

	var identity storage.Identity
	now := e.now()
	err = e.store.Write(ctx, func(tx storage.Tx) error {
		var err error
		identity, err = tx.Identities().Get(ctx, identityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrIdentityNotFound
			}
			return err
		}
		if identity.SessionVersion != claims.SessionVersion {
			return ErrSessionInvalidated
		}
		if identity.Email != email {
			return ErrIdentityChanged
		}
		return tx.Identities().SetLastLogin(ctx, identityID, now)
	})
	if err != nil {
		e.metricInc(MetricAccessRejected)
		return storage.Identity{}, err
	}

	e.metricInc(MetricAccessVerified)
	e.metrics.Observe(MetricVerifyLatency, e.now().Sub(start))
	return identity, nil
}

// Refresh rotates a refresh token: the presented token is verified against
// the live identity, then a fresh access+refresh pair is issued. The old
// refresh token keeps its own expiry; revocation is by session-version
// bump, not per-grant tracking.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := e.tokens.ParseRefresh(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, mapTokenError(err)
	}
	identityID := claims.Subject

	var identity storage.Identity
	err = e.store.Read(ctx, func(tx storage.Tx) error {
		var err error
		identity, err = tx.Identities().Get(ctx, identityID)
		return err
	})
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, storage.ErrNotFound) {
			return TokenPair{}, ErrIdentityNotFound
		}
		return TokenPair{}, err
	}
	if identity.SessionVersion != claims.SessionVersion {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, ErrSessionInvalidated
	}

	pair, err := e.issueTokenPair(ctx, identity)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, err
	}

	e.metricInc(MetricRefreshSuccess)
	return pair, nil
}

// IssueReauthorization gates a sensitive operation behind fresh password
// entry. The returned short-lived token names its purpose and the
// operations it unlocks.
func (e *Engine) IssueReauthorization(ctx context.Context, identityID, pw, purpose string, operations []string) (string, error) {
	identity, err := e.GetIdentity(ctx, identityID)
	if err != nil {
		return "", err
	}

	ok, err := e.passwords.Verify(ctx, pw, identity.PasswordHash)
	if err != nil {
		return "", err
	}
	if !ok {
		e.emitAudit(ctx, "reauthorization_issue", auditFields{IdentityID: identityID, Error: ErrInvalidCredentials})
		return "", ErrInvalidCredentials
	}

	tok, err := e.tokens.IssueReauthorization(identity.ID, purpose, operations, identity.SessionVersion)
	if err != nil {
		return "", err
	}

	e.metricInc(MetricReauthorizationIssued)
	e.emitAudit(ctx, "reauthorization_issue", auditFields{IdentityID: identityID, Metadata: map[string]string{"purpose": purpose}})
	return tok, nil
}

// VerifyReauthorization checks a reauthorization token for the given
// purpose and operation. Expired tokens, purpose mismatches, and
// operations outside the allowed set all return
// [ErrReauthorizationRequired], so callers have only one recovery path:
// ask for the password again.
func (e *Engine) VerifyReauthorization(ctx context.Context, tokenStr, purpose, operation string) (ReauthorizationInfo, error) {
	claims, err := e.tokens.ParseReauthorization(tokenStr)
	if err != nil {
		return ReauthorizationInfo{}, ErrReauthorizationRequired
	}
	identityID := claims.Subject
	if claims.Purpose != purpose {
		return ReauthorizationInfo{}, ErrReauthorizationRequired
	}
	if !containsString(claims.AllowedOperations, operation) {
		return ReauthorizationInfo{}, ErrReauthorizationRequired
	}

	identity, err := e.GetIdentity(ctx, identityID)
	if err != nil {
		return ReauthorizationInfo{}, ErrReauthorizationRequired
	}
	if identity.SessionVersion != claims.SessionVersion {
		return ReauthorizationInfo{}, ErrReauthorizationRequired
	}

	return ReauthorizationInfo{
		IdentityID: identityID,
		Email:      identity.Email,
		Purpose:    claims.Purpose,
		Operations: claims.AllowedOperations,
	}, nil
}

// Operations the lifecycle request flows demand a reauthorization token
// for. Tokens issued via [Engine.IssueReauthorization] must list the
// matching operation to pass the gate.
const (
	OperationDeleteAccount = "delete_account"
	OperationChangeEmail   = "change_email"
)

// requireReauthorization admits a sensitive operation only when the token
// proves a recent password re-entry by the same identity at its current
// session version, with the operation in the allowed set. The purpose is
// the issuer's own taxonomy and is not re-checked here.
func (e *Engine) requireReauthorization(ctx context.Context, identityID, tokenStr, operation string) error {
	claims, err := e.tokens.ParseReauthorization(tokenStr)
	if err != nil {
		return ErrReauthorizationRequired
	}
	if claims.Subject != identityID {
		return ErrReauthorizationRequired
	}
	if !containsString(claims.AllowedOperations, operation) {
		return ErrReauthorizationRequired
	}

	identity, err := e.GetIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if identity.SessionVersion != claims.SessionVersion {
		return ErrReauthorizationRequired
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
