package goIdentity

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goIdentity/internal"
	"github.com/MrEthical07/goIdentity/oauth"
	"github.com/MrEthical07/goIdentity/storage"
)

const oauthStateBytes = 24

// StartOAuth begins a provider login. It stores a single-use state row and
// returns the authorization URL to redirect the user to.
func (e *Engine) StartOAuth(ctx context.Context, providerName, redirectURI string) (string, error) {
	return e.startOAuth(ctx, providerName, redirectURI, "")
}

// StartOAuthLink begins an account-linking flow: the callback will attach
// the provider account to identityID instead of resolving by email.
func (e *Engine) StartOAuthLink(ctx context.Context, identityID, providerName, redirectURI string) (string, error) {
	if _, err := e.GetIdentity(ctx, identityID); err != nil {
		return "", err
	}
	return e.startOAuth(ctx, providerName, redirectURI, identityID)
}

func (e *Engine) startOAuth(ctx context.Context, providerName, redirectURI, linkIdentityID string) (string, error) {
	provider, err := e.providers.Get(providerName)
	if err != nil {
		return "", ErrOAuthProviderNotFound
	}

	state, err := internal.RandomToken(oauthStateBytes)
	if err != nil {
		return "", err
	}

	now := e.now()
	err = e.store.Write(ctx, func(tx storage.Tx) error {
		return tx.OAuthStates().Insert(ctx, storage.OAuthState{
			State:          state,
			Provider:       providerName,
			RedirectURI:    redirectURI,
			LinkIdentityID: linkIdentityID,
			ExpiresAt:      now.Add(e.config.OAuth.StateTTL),
			CreatedAt:      now,
		})
	})
	if err != nil {
		return "", err
	}

	url, err := provider.AuthorizationURL(state, redirectURI)
	if err != nil {
		return "", err
	}

	e.metricInc(MetricOAuthLoginStarted)
	e.emitAudit(ctx, "oauth_start", auditFields{Provider: providerName, IdentityID: linkIdentityID})
	return url, nil
}

// HandleOAuthCallback completes a provider flow. The state is consumed
// first and fails closed; provider network calls happen outside any
// storage transaction. Identity resolution order: existing connection,
// then explicit link target, then verified email match, then a fresh
// passwordless identity.
func (e *Engine) HandleOAuthCallback(ctx context.Context, providerName, state, code string) (OAuthCallbackResult, error) {
	st, err := e.consumeOAuthState(ctx, providerName, state)
	if err != nil {
		e.metricInc(MetricOAuthStateRejected)
		e.emitAudit(ctx, "oauth_callback", auditFields{Provider: providerName, Error: err})
		return OAuthCallbackResult{}, err
	}

	provider, err := e.providers.Get(providerName)
	if err != nil {
		return OAuthCallbackResult{}, ErrOAuthProviderNotFound
	}

	tok, err := provider.ExchangeCode(ctx, code, st.RedirectURI)
	if err != nil {
		e.metricInc(MetricOAuthLoginFailure)
		e.emitAudit(ctx, "oauth_callback", auditFields{Provider: providerName, Error: err})
		return OAuthCallbackResult{}, err
	}
	info, err := provider.FetchUserInfo(ctx, tok.AccessToken)
	if err != nil {
		e.metricInc(MetricOAuthLoginFailure)
		e.emitAudit(ctx, "oauth_callback", auditFields{Provider: providerName, Error: err})
		return OAuthCallbackResult{}, err
	}

	conn, err := e.connectionRecord(providerName, info, tok)
	if err != nil {
		return OAuthCallbackResult{}, err
	}

	result := OAuthCallbackResult{Provider: providerName}
	now := e.now()
	email := normalizeEmail(info.Email)

	err = e.store.Write(ctx, func(tx storage.Tx) error {
		var identity storage.Identity

		existing, err := tx.OAuthConnections().GetByProviderUser(ctx, providerName, info.ProviderUserID)
		switch {
		case err == nil:
			identity, err = tx.Identities().Get(ctx, existing.IdentityID)
			if err != nil {
				return err
			}
		case errors.Is(err, storage.ErrNotFound):
			identity, err = e.resolveCallbackIdentity(ctx, tx, st, info, email, now, &result)
			if err != nil {
				return err
			}
		default:
			return err
		}

		conn.IdentityID = identity.ID
		conn.CreatedAt = now
		conn.UpdatedAt = now
		if err := tx.OAuthConnections().Upsert(ctx, conn); err != nil {
			return err
		}

		result.Identity = identity
		return nil
	})
	if err != nil {
		e.metricInc(MetricOAuthLoginFailure)
		e.emitAudit(ctx, "oauth_callback", auditFields{Provider: providerName, Error: err})
		return OAuthCallbackResult{}, err
	}

	pair, err := e.issueTokenPair(ctx, result.Identity)
	if err != nil {
		return OAuthCallbackResult{}, err
	}
	result.AccessToken = pair.AccessToken
	result.RefreshToken = pair.RefreshToken

	e.metricInc(MetricOAuthLoginSuccess)
	e.emitAudit(ctx, "oauth_callback", auditFields{
		IdentityID: result.Identity.ID,
		Email:      result.Identity.Email,
		Provider:   providerName,
	})
	return result, nil
}

// resolveCallbackIdentity handles the no-existing-connection cases: link
// target, verified email match, or a new passwordless account.
func (e *Engine) resolveCallbackIdentity(ctx context.Context, tx storage.Tx, st storage.OAuthState, info *oauth.UserInfo, email string, now time.Time, result *OAuthCallbackResult) (storage.Identity, error) {
	if st.LinkIdentityID != "" {
		identity, err := tx.Identities().Get(ctx, st.LinkIdentityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return storage.Identity{}, ErrIdentityNotFound
			}
			return storage.Identity{}, err
		}
		result.Linked = true
		return identity, nil
	}

	if email != "" {
		identity, err := tx.Identities().GetByEmail(ctx, email)
		if err == nil {
			// An address the provider has not verified never links
			// implicitly to the account that owns it.
			if !info.EmailVerified {
				return storage.Identity{}, ErrEmailAlreadyInUse
			}
			result.Linked = true
			return identity, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.Identity{}, err
		}
	}

	// Fresh passwordless identity. It starts verified only when the
	// provider asserted the address.
	status := storage.EmailUnverified
	if info.EmailVerified {
		status = storage.EmailVerified
	}
	identity := storage.Identity{
		ID:             e.newID(),
		Email:          email,
		EmailStatus:    status,
		SessionVersion: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.Identities().Insert(ctx, identity); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return storage.Identity{}, ErrEmailAlreadyInUse
		}
		return storage.Identity{}, err
	}
	result.Created = true
	return identity, nil
}

func (e *Engine) consumeOAuthState(ctx context.Context, providerName, state string) (storage.OAuthState, error) {
	var st storage.OAuthState
	err := e.store.Write(ctx, func(tx storage.Tx) error {
		var err error
		st, err = tx.OAuthStates().Consume(ctx, state)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.OAuthState{}, ErrOAuthInvalidState
		}
		return storage.OAuthState{}, err
	}
	if st.Provider != providerName || e.now().After(st.ExpiresAt) {
		return storage.OAuthState{}, ErrOAuthInvalidState
	}
	return st, nil
}

// connectionRecord builds the connection row, sealing provider tokens when
// the provider needs them stored.
func (e *Engine) connectionRecord(providerName string, info *oauth.UserInfo, tok *oauth.Token) (storage.OAuthConnection, error) {
	conn := storage.OAuthConnection{
		ID:             e.newID(),
		Provider:       providerName,
		ProviderUserID: info.ProviderUserID,
		TokenType:      tok.TokenType,
		Scopes:         tok.Scopes,
		UserInfo:       info.Raw,
	}
	if !tok.ExpiresAt.IsZero() {
		expires := tok.ExpiresAt
		conn.ExpiresAt = &expires
	}

	provider, err := e.providers.Get(providerName)
	if err != nil {
		return storage.OAuthConnection{}, ErrOAuthProviderNotFound
	}
	if !provider.RequiresTokenStorage() {
		return conn, nil
	}
	if e.oauthSealer == nil {
		return storage.OAuthConnection{}, ErrOAuthEncryptionRequired
	}

	conn.SealedAccessToken, err = e.oauthSealer.Seal(tok.AccessToken)
	if err != nil {
		return storage.OAuthConnection{}, err
	}
	if tok.RefreshToken != "" {
		conn.SealedRefreshToken, err = e.oauthSealer.Seal(tok.RefreshToken)
		if err != nil {
			return storage.OAuthConnection{}, err
		}
	}
	return conn, nil
}

// OAuthAccessToken returns a usable provider access token for the
// identity's connection: the stored one while it lives, a refreshed one
// when the provider supports refresh, and [ErrOAuthTokenExpired] when
// neither works.
func (e *Engine) OAuthAccessToken(ctx context.Context, identityID, providerName string) (string, error) {
	var conn storage.OAuthConnection
	err := e.store.Read(ctx, func(tx storage.Tx) error {
		var err error
		conn, err = tx.OAuthConnections().GetForIdentity(ctx, identityID, providerName)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrOAuthConnectionNotFound
		}
		return "", err
	}
	if conn.SealedAccessToken == "" {
		return "", ErrOAuthConnectionNotFound
	}
	if e.oauthSealer == nil {
		return "", ErrOAuthEncryptionRequired
	}

	if conn.ExpiresAt == nil || e.now().Before(*conn.ExpiresAt) {
		return e.oauthSealer.Open(conn.SealedAccessToken)
	}

	provider, err := e.providers.Get(providerName)
	if err != nil {
		return "", ErrOAuthProviderNotFound
	}
	if !provider.SupportsRefresh() || conn.SealedRefreshToken == "" {
		return "", ErrOAuthTokenExpired
	}

	refreshToken, err := e.oauthSealer.Open(conn.SealedRefreshToken)
	if err != nil {
		return "", err
	}
	tok, err := provider.Refresh(ctx, refreshToken)
	if err != nil {
		return "", ErrOAuthTokenExpired
	}

	now := e.now()
	conn.SealedAccessToken, err = e.oauthSealer.Seal(tok.AccessToken)
	if err != nil {
		return "", err
	}
	if tok.RefreshToken != "" {
		conn.SealedRefreshToken, err = e.oauthSealer.Seal(tok.RefreshToken)
		if err != nil {
			return "", err
		}
	}
	if tok.ExpiresAt.IsZero() {
		conn.ExpiresAt = nil
	} else {
		expires := tok.ExpiresAt
		conn.ExpiresAt = &expires
	}
	conn.UpdatedAt = now

	err = e.store.Write(ctx, func(tx storage.Tx) error {
		return tx.OAuthConnections().Upsert(ctx, conn)
	})
	if err != nil {
		return "", err
	}

	e.metricInc(MetricOAuthTokenRefreshed)
	return tok.AccessToken, nil
}

// OAuthConnections lists the identity's provider links.
func (e *Engine) OAuthConnections(ctx context.Context, identityID string) ([]storage.OAuthConnection, error) {
	var conns []storage.OAuthConnection
	err := e.store.Read(ctx, func(tx storage.Tx) error {
		var err error
		conns, err = tx.OAuthConnections().ListForIdentity(ctx, identityID)
		return err
	})
	return conns, err
}

// UnlinkOAuth removes a provider connection. The last sign-in method is
// protected: a passwordless identity keeps its final connection.
func (e *Engine) UnlinkOAuth(ctx context.Context, identityID, providerName string) error {
	err := e.store.Write(ctx, func(tx storage.Tx) error {
		identity, err := tx.Identities().Get(ctx, identityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrIdentityNotFound
			}
			return err
		}

		if _, err := tx.OAuthConnections().GetForIdentity(ctx, identityID, providerName); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrOAuthConnectionNotFound
			}
			return err
		}

		if identity.PasswordHash == "" {
			conns, err := tx.OAuthConnections().ListForIdentity(ctx, identityID)
			if err != nil {
				return err
			}
			if len(conns) <= 1 {
				return errors.New("goIdentity: cannot remove the only sign-in method")
			}
		}

		return tx.OAuthConnections().Delete(ctx, identityID, providerName)
	})
	if err != nil {
		return err
	}

	e.emitAudit(ctx, "oauth_unlink", auditFields{IdentityID: identityID, Provider: providerName})
	return nil
}
