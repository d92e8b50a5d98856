package goIdentity

import (
	"time"

	"github.com/MrEthical07/goIdentity/storage"
)

// MFA method names accepted by [Engine.ConfirmLoginMFA] and carried in
// challenge tokens.
const (
	MFAMethodTOTP       = "totp"
	MFAMethodBackupCode = "backup_code"
)

// TokenPair carries a freshly issued access + refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// LoginResult is returned by [Engine.Login] and [Engine.ConfirmLoginMFA].
// When the account has MFA enabled, MFARequired is true and ChallengeToken
// must be presented to ConfirmLoginMFA; AccessToken and RefreshToken are
// empty in that case. MFA being required is a signal, never an error.
type LoginResult struct {
	Identity storage.Identity

	AccessToken  string
	RefreshToken string

	MFARequired      bool
	ChallengeToken   string
	AvailableMethods []string
}

// CreateAccountInput is the input for [Engine.CreateAccount].
type CreateAccountInput struct {
	Email    string
	Password string
	// IP is recorded in the audit trail when set.
	IP string
}

// TOTPSetup is returned by [Engine.BeginTOTPSetup]. Secret is the base32
// shared secret and URI the otpauth:// provisioning string; both are shown
// to the user once and never retrievable afterwards.
type TOTPSetup struct {
	Secret string
	URI    string
}

// APIKeyResult is returned by [Engine.CreateAPIKey]. Key is the raw
// credential, available only here; the store keeps its hash.
type APIKeyResult struct {
	ID        string
	Name      string
	Key       string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// OAuthCallbackResult is returned by [Engine.HandleOAuthCallback].
type OAuthCallbackResult struct {
	Identity storage.Identity

	AccessToken  string
	RefreshToken string

	// Created reports that a new identity was provisioned from the
	// provider profile.
	Created bool
	// Linked reports that the callback attached the provider to an
	// existing identity (a linking flow or an email match).
	Linked   bool
	Provider string
}

// DeletionInfo is returned by [Engine.DeletionStatus].
type DeletionInfo struct {
	Status       storage.DeletionStatus
	RequestedAt  time.Time
	ScheduledFor time.Time
	Reason       string
}

// ReauthorizationInfo is returned by [Engine.VerifyReauthorization].
type ReauthorizationInfo struct {
	IdentityID string
	Email      string
	Purpose    string
	Operations []string
}
