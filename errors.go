package goIdentity

import "errors"

// Sentinel errors returned by the engine. Callers match with errors.Is;
// values may be wrapped with additional context.
var (
	// ErrInvalidCredentials covers unknown email and wrong password alike,
	// so login failures never reveal whether an account exists.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailNotVerified blocks flows that require a confirmed address.
	ErrEmailNotVerified = errors.New("email not verified")
	// ErrLoginRateLimited means the login attempt budget is spent.
	ErrLoginRateLimited = errors.New("login rate limited")
	// ErrPasswordPolicy marks a password rejected by the configured policy.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse rejects changing a password to itself.
	ErrPasswordReuse = errors.New("new password must be different from current password")
	// ErrEmailAlreadyInUse marks an address held by another identity.
	ErrEmailAlreadyInUse = errors.New("email already in use")
	// ErrIdentityNotFound marks a lookup by id that matched nothing. Flows
	// keyed by email deliberately return ErrInvalidCredentials instead.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrTokenInvalid marks a malformed, forged or already-consumed token.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenExpired marks a structurally valid token past its lifetime.
	ErrTokenExpired = errors.New("token expired")
	// ErrSessionInvalidated means the token's sessionVersion is stale: the
	// identity revoked all sessions after it was issued.
	ErrSessionInvalidated = errors.New("session invalidated")
	// ErrIdentityChanged means the token's embedded email no longer matches
	// the identity, e.g. after a confirmed email change.
	ErrIdentityChanged = errors.New("identity changed since token issuance")
	// ErrReauthorizationRequired gates sensitive operations on a fresh
	// reauthorization token.
	ErrReauthorizationRequired = errors.New("reauthorization required")

	// ErrInvalidAPIKey marks an unknown or deactivated API key.
	ErrInvalidAPIKey = errors.New("invalid api key")
	// ErrAPIKeyExpired marks a key past its expiry; verification
	// deactivates it as a side effect.
	ErrAPIKeyExpired = errors.New("api key expired")

	// ErrMFAInvalidCode marks a wrong TOTP or backup code.
	ErrMFAInvalidCode = errors.New("invalid mfa code")
	// ErrMFAAttemptsExhausted ends a challenge whose attempt budget is spent.
	ErrMFAAttemptsExhausted = errors.New("mfa attempts exhausted")
	// ErrMFARateLimited means the MFA verification budget is spent.
	ErrMFARateLimited = errors.New("mfa rate limited")
	// ErrTOTPNotEnabled marks a TOTP operation on an identity with no
	// confirmed enrollment.
	ErrTOTPNotEnabled = errors.New("totp not enabled")
	// ErrTOTPSetupNotConfirmed marks verification against an enrollment
	// that was started but never confirmed.
	ErrTOTPSetupNotConfirmed = errors.New("totp setup not confirmed")
	// ErrTOTPAlreadyEnabled rejects re-enrollment over a confirmed setup.
	ErrTOTPAlreadyEnabled = errors.New("totp already enabled")
	// ErrBackupCodeInvalid marks a wrong or already-spent backup code.
	ErrBackupCodeInvalid = errors.New("invalid backup code")

	// ErrOAuthInvalidState marks an unknown, expired or replayed state.
	ErrOAuthInvalidState = errors.New("invalid oauth state")
	// ErrOAuthProviderNotFound marks a flow naming an unregistered provider.
	ErrOAuthProviderNotFound = errors.New("oauth provider not found")
	// ErrOAuthTokenExpired means the stored provider token is expired and
	// cannot be refreshed.
	ErrOAuthTokenExpired = errors.New("oauth token expired")
	// ErrOAuthEncryptionRequired is a configuration error: the provider
	// requires token storage but no sealer key is configured.
	ErrOAuthEncryptionRequired = errors.New("oauth token storage requires an encryption key")
	// ErrOAuthConnectionNotFound marks a lookup for a provider link that
	// does not exist.
	ErrOAuthConnectionNotFound = errors.New("oauth connection not found")

	// ErrDeletionAlreadyPending rejects a second deletion request while one
	// is live.
	ErrDeletionAlreadyPending = errors.New("deletion already pending")
	// ErrDeletionNotPending marks confirm/cancel with no live request.
	ErrDeletionNotPending = errors.New("no deletion pending")
	// ErrGracePeriodNotExpired rejects the final delete before scheduledFor.
	ErrGracePeriodNotExpired = errors.New("deletion grace period not expired")
	// ErrEmailMismatch marks an email-change confirmation whose token does
	// not belong to the live request.
	ErrEmailMismatch = errors.New("email mismatch")
	// ErrEmailChangeNotPending marks confirm/cancel with no live request.
	ErrEmailChangeNotPending = errors.New("no email change pending")
)
