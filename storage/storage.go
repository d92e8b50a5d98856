package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("storage: record not found")
	// ErrConflict indicates an insert or update violated a uniqueness
	// constraint (duplicate email, duplicate provider link, and so on).
	ErrConflict = errors.New("storage: uniqueness conflict")
)

// Store supplies transaction-scoped access to the identity data model.
// Write closures run inside a single read/write transaction; the closure
// returning an error rolls the transaction back.
type Store interface {
	Read(ctx context.Context, fn func(Tx) error) error
	Write(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx exposes the per-entity tables available inside a transaction.
type Tx interface {
	Identities() IdentityTable
	Tokens() TokenTable
	TOTP() TOTPTable
	BackupCodes() BackupCodeTable
	OAuthConnections() OAuthConnectionTable
	OAuthStates() OAuthStateTable
	Deletions() DeletionTable
	EmailChanges() EmailChangeTable
	APIKeys() APIKeyTable
}

// EmailStatus tracks how far an identity's email address has progressed
// through verification.
type EmailStatus string

const (
	// EmailUnverified is the initial status of a password-created account.
	EmailUnverified EmailStatus = "unverified"
	// EmailPending means a verification token has been issued.
	EmailPending EmailStatus = "pending"
	// EmailVerified means the address was confirmed by token or asserted by
	// an OAuth provider.
	EmailVerified EmailStatus = "verified"
	// EmailFailed means verification was attempted and rejected.
	EmailFailed EmailStatus = "failed"
)

// Identity is the persisted account record. SessionVersion is the sole
// revocation mechanism: it is embedded in every signed token and bumped to
// invalidate all of them at once.
type Identity struct {
	ID             string
	Email          string
	PasswordHash   string
	EmailStatus    EmailStatus
	SessionVersion int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastLoginAt    *time.Time
}

// NewIdentity is the draft shape of an account before the engine assigns
// its id and timestamps. Keeping the draft as a distinct type makes it
// impossible to persist a record that skipped server-side assignment.
type NewIdentity struct {
	Email        string
	PasswordHash string
	EmailStatus  EmailStatus
}

// IdentityTable persists account records.
type IdentityTable interface {
	Insert(ctx context.Context, identity Identity) error
	Get(ctx context.Context, id string) (Identity, error)
	GetByEmail(ctx context.Context, email string) (Identity, error)
	// EmailsInUse reports which of the given addresses already belong to an
	// identity, using a single set-membership query.
	EmailsInUse(ctx context.Context, emails []string) (map[string]bool, error)
	Update(ctx context.Context, identity Identity) error
	// BumpSessionVersion atomically increments the counter and returns the
	// new value.
	BumpSessionVersion(ctx context.Context, id string, now time.Time) (int64, error)
	SetLastLogin(ctx context.Context, id string, at time.Time) error
	// Delete removes the identity row and cascades to every dependent
	// record (tokens, TOTP, backup codes, connections, lifecycle rows).
	Delete(ctx context.Context, id string) error
}

// TokenKind enumerates the single-use opaque token flows that persist a
// row. Access, refresh, reauthorization, and MFA-challenge tokens are
// stateless signed claims and never appear here.
type TokenKind string

const (
	// TokenEmailVerification confirms ownership of a new account's address.
	TokenEmailVerification TokenKind = "email_verification"
	// TokenPasswordReset authorizes a forgotten-password reset.
	TokenPasswordReset TokenKind = "password_reset"
	// TokenEmailChange confirms ownership of a replacement address.
	TokenEmailChange TokenKind = "email_change"
)

// Token is a persisted single-use bearer value. Rows are deleted on use or
// by the periodic expiry sweep.
type Token struct {
	ID         string
	Value      string
	Kind       TokenKind
	IdentityID string
	ValidUntil time.Time
	CreatedAt  time.Time
}

// TokenTable persists single-use tokens.
type TokenTable interface {
	Insert(ctx context.Context, token Token) error
	GetByValue(ctx context.Context, kind TokenKind, value string) (Token, error)
	Delete(ctx context.Context, id string) error
	DeleteForIdentity(ctx context.Context, identityID string, kind TokenKind) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// TOTPRecord is the single authenticator enrollment for an identity. The
// shared secret is stored sealed (AES-GCM), never in plaintext.
type TOTPRecord struct {
	IdentityID   string
	SealedSecret string
	Algorithm    string
	Digits       int
	Period       int
	Confirmed    bool
	ConfirmedAt  *time.Time
	UsageCount   int64
	LastUsedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TOTPTable persists authenticator enrollments, unique per identity.
type TOTPTable interface {
	// Upsert replaces any existing record in place, which resets an
	// unconfirmed setup attempt.
	Upsert(ctx context.Context, record TOTPRecord) error
	Get(ctx context.Context, identityID string) (TOTPRecord, error)
	Confirm(ctx context.Context, identityID string, at time.Time) error
	// RecordUsage bumps the usage counter and last-used timestamp in the
	// same transaction as the verification read.
	RecordUsage(ctx context.Context, identityID string, at time.Time) error
	Delete(ctx context.Context, identityID string) error
}

// BackupCode is a single-use recovery credential. Only the one-way hash is
// stored; the raw code is shown to the user exactly once.
type BackupCode struct {
	ID         string
	IdentityID string
	CodeHash   string
	Used       bool
	UsedAt     *time.Time
	CreatedAt  time.Time
}

// BackupCodeTable persists backup code sets.
type BackupCodeTable interface {
	// Replace atomically swaps the identity's full code set
	// (delete-then-insert), invalidating all previously issued codes.
	Replace(ctx context.Context, identityID string, codes []BackupCode) error
	ListUnused(ctx context.Context, identityID string) ([]BackupCode, error)
	// MarkUsed flips a code to used; it reports false when the code was
	// already consumed, which closes the double-spend race.
	MarkUsed(ctx context.Context, id string, at time.Time) (bool, error)
}

// OAuthConnection links an identity to an external provider account.
// Unique on (identityID, provider) and on (provider, providerUserID).
type OAuthConnection struct {
	ID                 string
	IdentityID         string
	Provider           string
	ProviderUserID     string
	SealedAccessToken  string
	SealedRefreshToken string
	TokenType          string
	ExpiresAt          *time.Time
	Scopes             []string
	UserInfo           []byte
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OAuthConnectionTable persists provider links.
type OAuthConnectionTable interface {
	// Upsert inserts, or updates on conflict of (identityID, provider).
	Upsert(ctx context.Context, conn OAuthConnection) error
	GetByProviderUser(ctx context.Context, provider, providerUserID string) (OAuthConnection, error)
	GetForIdentity(ctx context.Context, identityID, provider string) (OAuthConnection, error)
	ListForIdentity(ctx context.Context, identityID string) ([]OAuthConnection, error)
	Delete(ctx context.Context, identityID, provider string) error
}

// OAuthState is a single-use CSRF token binding an authorization redirect
// to its callback. LinkIdentityID, when set, marks an account-linking flow.
type OAuthState struct {
	State          string
	Provider       string
	RedirectURI    string
	LinkIdentityID string
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// OAuthStateTable persists CSRF states.
type OAuthStateTable interface {
	Insert(ctx context.Context, state OAuthState) error
	// Consume deletes the row and returns it; a second call with the same
	// value reports ErrNotFound. Expiry is checked by the caller.
	Consume(ctx context.Context, state string) (OAuthState, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// DeletionStatus is derived from the timestamp pair, never stored.
type DeletionStatus string

const (
	// DeletionPending means requested but not yet confirmed.
	DeletionPending DeletionStatus = "pending"
	// DeletionAwaitingGrace means confirmed, inside the grace period.
	DeletionAwaitingGrace DeletionStatus = "awaiting_grace_period"
	// DeletionReady means confirmed and past the grace period.
	DeletionReady DeletionStatus = "ready_for_deletion"
	// DeletionCancelled is terminal.
	DeletionCancelled DeletionStatus = "cancelled"
)

// Deletion tracks the account-removal state machine, unique per identity.
type Deletion struct {
	IdentityID   string
	RequestedAt  time.Time
	Reason       string
	ConfirmedAt  *time.Time
	CancelledAt  *time.Time
	ScheduledFor time.Time
}

// Status derives the lifecycle state from the timestamps. Keeping this a
// pure function avoids a second source of truth next to the columns.
func (d Deletion) Status(now time.Time) DeletionStatus {
	if d.CancelledAt != nil {
		return DeletionCancelled
	}
	if d.ConfirmedAt != nil {
		if now.Before(d.ScheduledFor) {
			return DeletionAwaitingGrace
		}
		return DeletionReady
	}
	return DeletionPending
}

// DeletionTable persists deletion requests, unique per identity.
type DeletionTable interface {
	Get(ctx context.Context, identityID string) (Deletion, error)
	Upsert(ctx context.Context, deletion Deletion) error
	Delete(ctx context.Context, identityID string) error
}

// EmailChangeRequest tracks a pending address change. A request is live
// while both ConfirmedAt and CancelledAt are nil; at most one live request
// exists per identity.
type EmailChangeRequest struct {
	ID          string
	IdentityID  string
	NewEmail    string
	TokenValue  string
	RequestedAt time.Time
	ExpiresAt   time.Time
	ConfirmedAt *time.Time
	CancelledAt *time.Time
}

// Live reports whether the request is still actionable.
func (r EmailChangeRequest) Live() bool {
	return r.ConfirmedAt == nil && r.CancelledAt == nil
}

// EmailChangeTable persists email-change requests.
type EmailChangeTable interface {
	// Insert creates the request; the single-live-request invariant is
	// upheld by CancelLive being called first in the same transaction plus
	// a partial unique constraint underneath.
	Insert(ctx context.Context, req EmailChangeRequest) error
	GetByToken(ctx context.Context, tokenValue string) (EmailChangeRequest, error)
	GetLive(ctx context.Context, identityID string) (EmailChangeRequest, error)
	// CancelLive marks any live request for the identity cancelled and
	// reports how many rows it touched.
	CancelLive(ctx context.Context, identityID string, at time.Time) (int64, error)
	Confirm(ctx context.Context, id string, at time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// APIKey is a long-lived credential for programmatic access. The raw value
// is returned once at creation; only its hash is stored.
type APIKey struct {
	ID         string
	IdentityID string
	Name       string
	KeyHash    string
	Active     bool
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// APIKeyTable persists API keys.
type APIKeyTable interface {
	Insert(ctx context.Context, key APIKey) error
	GetByHash(ctx context.Context, keyHash string) (APIKey, error)
	// Deactivate flips Active off; used when an expired key is discovered.
	Deactivate(ctx context.Context, id string) error
	Touch(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}
