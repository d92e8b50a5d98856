// Package sqlite implements the storage contract over a single SQLite
// database file (or an in-memory database for tests).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrEthical07/goIdentity/storage"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	id              TEXT PRIMARY KEY,
	email           TEXT NOT NULL UNIQUE,
	password_hash   TEXT NOT NULL,
	email_status    TEXT NOT NULL,
	session_version INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	last_login_at   INTEGER
);

CREATE TABLE IF NOT EXISTS tokens (
	id          TEXT PRIMARY KEY,
	value       TEXT NOT NULL,
	kind        TEXT NOT NULL,
	identity_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	valid_until INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	UNIQUE (kind, value)
);

CREATE TABLE IF NOT EXISTS totp_records (
	identity_id   TEXT PRIMARY KEY REFERENCES identities(id) ON DELETE CASCADE,
	sealed_secret TEXT NOT NULL,
	algorithm     TEXT NOT NULL,
	digits        INTEGER NOT NULL,
	period        INTEGER NOT NULL,
	confirmed     INTEGER NOT NULL DEFAULT 0,
	confirmed_at  INTEGER,
	usage_count   INTEGER NOT NULL DEFAULT 0,
	last_used_at  INTEGER,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS backup_codes (
	id          TEXT PRIMARY KEY,
	identity_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	code_hash   TEXT NOT NULL,
	used        INTEGER NOT NULL DEFAULT 0,
	used_at     INTEGER,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backup_codes_identity ON backup_codes(identity_id);

CREATE TABLE IF NOT EXISTS oauth_connections (
	id                   TEXT PRIMARY KEY,
	identity_id          TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	provider             TEXT NOT NULL,
	provider_user_id     TEXT NOT NULL,
	sealed_access_token  TEXT NOT NULL DEFAULT '',
	sealed_refresh_token TEXT NOT NULL DEFAULT '',
	token_type           TEXT NOT NULL DEFAULT '',
	expires_at           INTEGER,
	scopes               TEXT NOT NULL DEFAULT '',
	user_info            BLOB,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL,
	UNIQUE (identity_id, provider),
	UNIQUE (provider, provider_user_id)
);

CREATE TABLE IF NOT EXISTS oauth_states (
	state            TEXT PRIMARY KEY,
	provider         TEXT NOT NULL,
	redirect_uri     TEXT NOT NULL DEFAULT '',
	link_identity_id TEXT NOT NULL DEFAULT '',
	expires_at       INTEGER NOT NULL,
	created_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS deletions (
	identity_id   TEXT PRIMARY KEY REFERENCES identities(id) ON DELETE CASCADE,
	requested_at  INTEGER NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	confirmed_at  INTEGER,
	cancelled_at  INTEGER,
	scheduled_for INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS email_change_requests (
	id           TEXT PRIMARY KEY,
	identity_id  TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	new_email    TEXT NOT NULL,
	token_value  TEXT NOT NULL UNIQUE,
	requested_at INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL,
	confirmed_at INTEGER,
	cancelled_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_email_change_live
	ON email_change_requests(identity_id)
	WHERE confirmed_at IS NULL AND cancelled_at IS NULL;

CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	identity_id  TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
	name         TEXT NOT NULL DEFAULT '',
	key_hash     TEXT NOT NULL UNIQUE,
	active       INTEGER NOT NULL DEFAULT 1,
	expires_at   INTEGER,
	last_used_at INTEGER,
	created_at   INTEGER NOT NULL
);
`

// Store implements storage.Store over SQLite. A single file backs the whole
// identity model so every flow shares one transaction boundary.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and bootstraps the schema.
// Use ":memory:" for an ephemeral test database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: storage path is required")
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// modernc.org/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: bootstrap schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Read runs fn inside a read-only transaction.
func (s *Store) Read(ctx context.Context, fn func(storage.Tx) error) error {
	return s.run(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

// Write runs fn inside a read/write transaction, committing on nil error.
func (s *Store) Write(ctx context.Context, fn func(storage.Tx) error) error {
	return s.run(ctx, nil, fn)
}

func (s *Store) run(ctx context.Context, opts *sql.TxOptions, fn func(storage.Tx) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlite: store is not configured")
	}
	sqlTx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(&tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) Identities() storage.IdentityTable             { return identityTable{t.tx} }
func (t *tx) Tokens() storage.TokenTable                    { return tokenTable{t.tx} }
func (t *tx) TOTP() storage.TOTPTable                       { return totpTable{t.tx} }
func (t *tx) BackupCodes() storage.BackupCodeTable          { return backupCodeTable{t.tx} }
func (t *tx) OAuthConnections() storage.OAuthConnectionTable { return oauthConnectionTable{t.tx} }
func (t *tx) OAuthStates() storage.OAuthStateTable          { return oauthStateTable{t.tx} }
func (t *tx) Deletions() storage.DeletionTable              { return deletionTable{t.tx} }
func (t *tx) EmailChanges() storage.EmailChangeTable        { return emailChangeTable{t.tx} }
func (t *tx) APIKeys() storage.APIKeyTable                  { return apiKeyTable{t.tx} }

func toMillis(v time.Time) int64 {
	return v.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func toNullMillis(v *time.Time) any {
	if v == nil {
		return nil
	}
	return toMillis(*v)
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return storage.ErrNotFound
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return storage.ErrConflict
	default:
		return err
	}
}

type identityTable struct{ tx *sql.Tx }

func (t identityTable) Insert(ctx context.Context, identity storage.Identity) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO identities
			(id, email, password_hash, email_status, session_version, created_at, updated_at, last_login_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		identity.ID, identity.Email, identity.PasswordHash, string(identity.EmailStatus),
		identity.SessionVersion, toMillis(identity.CreatedAt), toMillis(identity.UpdatedAt),
		toNullMillis(identity.LastLoginAt),
	)
	return mapErr(err)
}

const identityColumns = `id, email, password_hash, email_status, session_version, created_at, updated_at, last_login_at`

func scanIdentity(row *sql.Row) (storage.Identity, error) {
	var (
		identity  storage.Identity
		status    string
		created   int64
		updated   int64
		lastLogin sql.NullInt64
	)
	err := row.Scan(&identity.ID, &identity.Email, &identity.PasswordHash, &status,
		&identity.SessionVersion, &created, &updated, &lastLogin)
	if err != nil {
		return storage.Identity{}, mapErr(err)
	}
	identity.EmailStatus = storage.EmailStatus(status)
	identity.CreatedAt = fromMillis(created)
	identity.UpdatedAt = fromMillis(updated)
	identity.LastLoginAt = fromNullMillis(lastLogin)
	return identity, nil
}

func (t identityTable) Get(ctx context.Context, id string) (storage.Identity, error) {
	return scanIdentity(t.tx.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = ?`, id))
}

func (t identityTable) GetByEmail(ctx context.Context, email string) (storage.Identity, error) {
	return scanIdentity(t.tx.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE email = ?`, email))
}

func (t identityTable) EmailsInUse(ctx context.Context, emails []string) (map[string]bool, error) {
	inUse := make(map[string]bool, len(emails))
	if len(emails) == 0 {
		return inUse, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(emails)), ",")
	args := make([]any, 0, len(emails))
	for _, email := range emails {
		args = append(args, email)
	}
	rows, err := t.tx.QueryContext(ctx,
		`SELECT email FROM identities WHERE email IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, err
		}
		inUse[email] = true
	}
	return inUse, rows.Err()
}

func (t identityTable) Update(ctx context.Context, identity storage.Identity) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE identities
		 SET email = ?, password_hash = ?, email_status = ?, session_version = ?,
		     updated_at = ?, last_login_at = ?
		 WHERE id = ?`,
		identity.Email, identity.PasswordHash, string(identity.EmailStatus),
		identity.SessionVersion, toMillis(identity.UpdatedAt),
		toNullMillis(identity.LastLoginAt), identity.ID,
	)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (t identityTable) BumpSessionVersion(ctx context.Context, id string, now time.Time) (int64, error) {
	var version int64
	err := t.tx.QueryRowContext(ctx,
		`UPDATE identities SET session_version = session_version + 1, updated_at = ?
		 WHERE id = ?
		 RETURNING session_version`,
		toMillis(now), id,
	).Scan(&version)
	if err != nil {
		return 0, mapErr(err)
	}
	return version, nil
}

func (t identityTable) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE identities SET last_login_at = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (t identityTable) Delete(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func noneUpdated(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type tokenTable struct{ tx *sql.Tx }

func (t tokenTable) Insert(ctx context.Context, token storage.Token) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO tokens (id, value, kind, identity_id, valid_until, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		token.ID, token.Value, string(token.Kind), token.IdentityID,
		toMillis(token.ValidUntil), toMillis(token.CreatedAt),
	)
	return mapErr(err)
}

func (t tokenTable) GetByValue(ctx context.Context, kind storage.TokenKind, value string) (storage.Token, error) {
	var (
		token      storage.Token
		kindCol    string
		validUntil int64
		created    int64
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, value, kind, identity_id, valid_until, created_at
		 FROM tokens WHERE kind = ? AND value = ?`,
		string(kind), value,
	).Scan(&token.ID, &token.Value, &kindCol, &token.IdentityID, &validUntil, &created)
	if err != nil {
		return storage.Token{}, mapErr(err)
	}
	token.Kind = storage.TokenKind(kindCol)
	token.ValidUntil = fromMillis(validUntil)
	token.CreatedAt = fromMillis(created)
	return token, nil
}

func (t tokenTable) Delete(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id)
	return mapErr(err)
}

func (t tokenTable) DeleteForIdentity(ctx context.Context, identityID string, kind storage.TokenKind) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM tokens WHERE identity_id = ? AND kind = ?`, identityID, string(kind))
	return mapErr(err)
}

func (t tokenTable) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM tokens WHERE valid_until < ?`, toMillis(now))
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

type totpTable struct{ tx *sql.Tx }

func (t totpTable) Upsert(ctx context.Context, record storage.TOTPRecord) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO totp_records
			(identity_id, sealed_secret, algorithm, digits, period, confirmed, confirmed_at,
			 usage_count, last_used_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity_id) DO UPDATE SET
			sealed_secret = excluded.sealed_secret,
			algorithm = excluded.algorithm,
			digits = excluded.digits,
			period = excluded.period,
			confirmed = excluded.confirmed,
			confirmed_at = excluded.confirmed_at,
			usage_count = excluded.usage_count,
			last_used_at = excluded.last_used_at,
			updated_at = excluded.updated_at`,
		record.IdentityID, record.SealedSecret, record.Algorithm, record.Digits, record.Period,
		boolToInt(record.Confirmed), toNullMillis(record.ConfirmedAt),
		record.UsageCount, toNullMillis(record.LastUsedAt),
		toMillis(record.CreatedAt), toMillis(record.UpdatedAt),
	)
	return mapErr(err)
}

func (t totpTable) Get(ctx context.Context, identityID string) (storage.TOTPRecord, error) {
	var (
		record    storage.TOTPRecord
		confirmed int
		confirmedAt, lastUsed sql.NullInt64
		created, updated      int64
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT identity_id, sealed_secret, algorithm, digits, period, confirmed, confirmed_at,
		        usage_count, last_used_at, created_at, updated_at
		 FROM totp_records WHERE identity_id = ?`, identityID,
	).Scan(&record.IdentityID, &record.SealedSecret, &record.Algorithm, &record.Digits,
		&record.Period, &confirmed, &confirmedAt, &record.UsageCount, &lastUsed,
		&created, &updated)
	if err != nil {
		return storage.TOTPRecord{}, mapErr(err)
	}
	record.Confirmed = confirmed != 0
	record.ConfirmedAt = fromNullMillis(confirmedAt)
	record.LastUsedAt = fromNullMillis(lastUsed)
	record.CreatedAt = fromMillis(created)
	record.UpdatedAt = fromMillis(updated)
	return record, nil
}

func (t totpTable) Confirm(ctx context.Context, identityID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE totp_records SET confirmed = 1, confirmed_at = ?, updated_at = ?
		 WHERE identity_id = ?`,
		toMillis(at), toMillis(at), identityID)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (t totpTable) RecordUsage(ctx context.Context, identityID string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE totp_records SET usage_count = usage_count + 1, last_used_at = ?, updated_at = ?
		 WHERE identity_id = ?`,
		toMillis(at), toMillis(at), identityID)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (t totpTable) Delete(ctx context.Context, identityID string) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM totp_records WHERE identity_id = ?`, identityID)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

type backupCodeTable struct{ tx *sql.Tx }

func (t backupCodeTable) Replace(ctx context.Context, identityID string, codes []storage.BackupCode) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM backup_codes WHERE identity_id = ?`, identityID); err != nil {
		return mapErr(err)
	}
	for _, code := range codes {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO backup_codes (id, identity_id, code_hash, used, used_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			code.ID, code.IdentityID, code.CodeHash, boolToInt(code.Used),
			toNullMillis(code.UsedAt), toMillis(code.CreatedAt),
		); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (t backupCodeTable) ListUnused(ctx context.Context, identityID string) ([]storage.BackupCode, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, identity_id, code_hash, used, used_at, created_at
		 FROM backup_codes WHERE identity_id = ? AND used = 0`, identityID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var codes []storage.BackupCode
	for rows.Next() {
		var (
			code    storage.BackupCode
			used    int
			usedAt  sql.NullInt64
			created int64
		)
		if err := rows.Scan(&code.ID, &code.IdentityID, &code.CodeHash, &used, &usedAt, &created); err != nil {
			return nil, err
		}
		code.Used = used != 0
		code.UsedAt = fromNullMillis(usedAt)
		code.CreatedAt = fromMillis(created)
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

func (t backupCodeTable) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	// The used = 0 guard makes consumption exactly-once even when two
	// verifications race on the same code.
	res, err := t.tx.ExecContext(ctx,
		`UPDATE backup_codes SET used = 1, used_at = ? WHERE id = ? AND used = 0`,
		toMillis(at), id)
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type oauthConnectionTable struct{ tx *sql.Tx }

func (t oauthConnectionTable) Upsert(ctx context.Context, conn storage.OAuthConnection) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO oauth_connections
			(id, identity_id, provider, provider_user_id, sealed_access_token,
			 sealed_refresh_token, token_type, expires_at, scopes, user_info,
			 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity_id, provider) DO UPDATE SET
			provider_user_id = excluded.provider_user_id,
			sealed_access_token = excluded.sealed_access_token,
			sealed_refresh_token = excluded.sealed_refresh_token,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at,
			scopes = excluded.scopes,
			user_info = excluded.user_info,
			updated_at = excluded.updated_at`,
		conn.ID, conn.IdentityID, conn.Provider, conn.ProviderUserID,
		conn.SealedAccessToken, conn.SealedRefreshToken, conn.TokenType,
		toNullMillis(conn.ExpiresAt), strings.Join(conn.Scopes, " "), conn.UserInfo,
		toMillis(conn.CreatedAt), toMillis(conn.UpdatedAt),
	)
	return mapErr(err)
}

const oauthConnectionColumns = `id, identity_id, provider, provider_user_id,
	sealed_access_token, sealed_refresh_token, token_type, expires_at, scopes,
	user_info, created_at, updated_at`

func scanOAuthConnection(scan func(dest ...any) error) (storage.OAuthConnection, error) {
	var (
		conn             storage.OAuthConnection
		expires          sql.NullInt64
		scopes           string
		created, updated int64
	)
	err := scan(&conn.ID, &conn.IdentityID, &conn.Provider, &conn.ProviderUserID,
		&conn.SealedAccessToken, &conn.SealedRefreshToken, &conn.TokenType,
		&expires, &scopes, &conn.UserInfo, &created, &updated)
	if err != nil {
		return storage.OAuthConnection{}, mapErr(err)
	}
	conn.ExpiresAt = fromNullMillis(expires)
	if scopes != "" {
		conn.Scopes = strings.Fields(scopes)
	}
	conn.CreatedAt = fromMillis(created)
	conn.UpdatedAt = fromMillis(updated)
	return conn, nil
}

func (t oauthConnectionTable) GetByProviderUser(ctx context.Context, provider, providerUserID string) (storage.OAuthConnection, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+oauthConnectionColumns+` FROM oauth_connections
		 WHERE provider = ? AND provider_user_id = ?`, provider, providerUserID)
	return scanOAuthConnection(row.Scan)
}

func (t oauthConnectionTable) GetForIdentity(ctx context.Context, identityID, provider string) (storage.OAuthConnection, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+oauthConnectionColumns+` FROM oauth_connections
		 WHERE identity_id = ? AND provider = ?`, identityID, provider)
	return scanOAuthConnection(row.Scan)
}

func (t oauthConnectionTable) ListForIdentity(ctx context.Context, identityID string) ([]storage.OAuthConnection, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+oauthConnectionColumns+` FROM oauth_connections
		 WHERE identity_id = ? ORDER BY provider`, identityID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var conns []storage.OAuthConnection
	for rows.Next() {
		conn, err := scanOAuthConnection(rows.Scan)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func (t oauthConnectionTable) Delete(ctx context.Context, identityID, provider string) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM oauth_connections WHERE identity_id = ? AND provider = ?`,
		identityID, provider)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

type oauthStateTable struct{ tx *sql.Tx }

func (t oauthStateTable) Insert(ctx context.Context, state storage.OAuthState) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO oauth_states (state, provider, redirect_uri, link_identity_id, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		state.State, state.Provider, state.RedirectURI, state.LinkIdentityID,
		toMillis(state.ExpiresAt), toMillis(state.CreatedAt))
	return mapErr(err)
}

func (t oauthStateTable) Consume(ctx context.Context, state string) (storage.OAuthState, error) {
	var (
		out              storage.OAuthState
		expires, created int64
	)
	err := t.tx.QueryRowContext(ctx,
		`DELETE FROM oauth_states WHERE state = ?
		 RETURNING state, provider, redirect_uri, link_identity_id, expires_at, created_at`,
		state,
	).Scan(&out.State, &out.Provider, &out.RedirectURI, &out.LinkIdentityID, &expires, &created)
	if err != nil {
		return storage.OAuthState{}, mapErr(err)
	}
	out.ExpiresAt = fromMillis(expires)
	out.CreatedAt = fromMillis(created)
	return out, nil
}

func (t oauthStateTable) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM oauth_states WHERE expires_at < ?`, toMillis(now))
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

type deletionTable struct{ tx *sql.Tx }

func (t deletionTable) Get(ctx context.Context, identityID string) (storage.Deletion, error) {
	var (
		deletion               storage.Deletion
		requested, scheduled   int64
		confirmed, cancelled   sql.NullInt64
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT identity_id, requested_at, reason, confirmed_at, cancelled_at, scheduled_for
		 FROM deletions WHERE identity_id = ?`, identityID,
	).Scan(&deletion.IdentityID, &requested, &deletion.Reason, &confirmed, &cancelled, &scheduled)
	if err != nil {
		return storage.Deletion{}, mapErr(err)
	}
	deletion.RequestedAt = fromMillis(requested)
	deletion.ConfirmedAt = fromNullMillis(confirmed)
	deletion.CancelledAt = fromNullMillis(cancelled)
	deletion.ScheduledFor = fromMillis(scheduled)
	return deletion, nil
}

func (t deletionTable) Upsert(ctx context.Context, deletion storage.Deletion) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO deletions (identity_id, requested_at, reason, confirmed_at, cancelled_at, scheduled_for)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity_id) DO UPDATE SET
			requested_at = excluded.requested_at,
			reason = excluded.reason,
			confirmed_at = excluded.confirmed_at,
			cancelled_at = excluded.cancelled_at,
			scheduled_for = excluded.scheduled_for`,
		deletion.IdentityID, toMillis(deletion.RequestedAt), deletion.Reason,
		toNullMillis(deletion.ConfirmedAt), toNullMillis(deletion.CancelledAt),
		toMillis(deletion.ScheduledFor))
	return mapErr(err)
}

func (t deletionTable) Delete(ctx context.Context, identityID string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM deletions WHERE identity_id = ?`, identityID)
	return mapErr(err)
}

type emailChangeTable struct{ tx *sql.Tx }

func (t emailChangeTable) Insert(ctx context.Context, req storage.EmailChangeRequest) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO email_change_requests
			(id, identity_id, new_email, token_value, requested_at, expires_at, confirmed_at, cancelled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.IdentityID, req.NewEmail, req.TokenValue,
		toMillis(req.RequestedAt), toMillis(req.ExpiresAt),
		toNullMillis(req.ConfirmedAt), toNullMillis(req.CancelledAt))
	return mapErr(err)
}

const emailChangeColumns = `id, identity_id, new_email, token_value, requested_at, expires_at, confirmed_at, cancelled_at`

func scanEmailChange(row *sql.Row) (storage.EmailChangeRequest, error) {
	var (
		req                  storage.EmailChangeRequest
		requested, expires   int64
		confirmed, cancelled sql.NullInt64
	)
	err := row.Scan(&req.ID, &req.IdentityID, &req.NewEmail, &req.TokenValue,
		&requested, &expires, &confirmed, &cancelled)
	if err != nil {
		return storage.EmailChangeRequest{}, mapErr(err)
	}
	req.RequestedAt = fromMillis(requested)
	req.ExpiresAt = fromMillis(expires)
	req.ConfirmedAt = fromNullMillis(confirmed)
	req.CancelledAt = fromNullMillis(cancelled)
	return req, nil
}

func (t emailChangeTable) GetByToken(ctx context.Context, tokenValue string) (storage.EmailChangeRequest, error) {
	return scanEmailChange(t.tx.QueryRowContext(ctx,
		`SELECT `+emailChangeColumns+` FROM email_change_requests WHERE token_value = ?`, tokenValue))
}

func (t emailChangeTable) GetLive(ctx context.Context, identityID string) (storage.EmailChangeRequest, error) {
	return scanEmailChange(t.tx.QueryRowContext(ctx,
		`SELECT `+emailChangeColumns+` FROM email_change_requests
		 WHERE identity_id = ? AND confirmed_at IS NULL AND cancelled_at IS NULL`, identityID))
}

func (t emailChangeTable) CancelLive(ctx context.Context, identityID string, at time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE email_change_requests SET cancelled_at = ?
		 WHERE identity_id = ? AND confirmed_at IS NULL AND cancelled_at IS NULL`,
		toMillis(at), identityID)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

func (t emailChangeTable) Confirm(ctx context.Context, id string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE email_change_requests SET confirmed_at = ?
		 WHERE id = ? AND confirmed_at IS NULL AND cancelled_at IS NULL`,
		toMillis(at), id)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (t emailChangeTable) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM email_change_requests
		 WHERE expires_at < ? AND confirmed_at IS NULL`, toMillis(now))
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

type apiKeyTable struct{ tx *sql.Tx }

func (t apiKeyTable) Insert(ctx context.Context, key storage.APIKey) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO api_keys (id, identity_id, name, key_hash, active, expires_at, last_used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.IdentityID, key.Name, key.KeyHash, boolToInt(key.Active),
		toNullMillis(key.ExpiresAt), toNullMillis(key.LastUsedAt), toMillis(key.CreatedAt))
	return mapErr(err)
}

func (t apiKeyTable) GetByHash(ctx context.Context, keyHash string) (storage.APIKey, error) {
	var (
		key               storage.APIKey
		active            int
		expires, lastUsed sql.NullInt64
		created           int64
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, identity_id, name, key_hash, active, expires_at, last_used_at, created_at
		 FROM api_keys WHERE key_hash = ?`, keyHash,
	).Scan(&key.ID, &key.IdentityID, &key.Name, &key.KeyHash, &active, &expires, &lastUsed, &created)
	if err != nil {
		return storage.APIKey{}, mapErr(err)
	}
	key.Active = active != 0
	key.ExpiresAt = fromNullMillis(expires)
	key.LastUsedAt = fromNullMillis(lastUsed)
	key.CreatedAt = fromMillis(created)
	return key, nil
}

func (t apiKeyTable) Deactivate(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE api_keys SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (t apiKeyTable) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (t apiKeyTable) Delete(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return mapErr(err)
}
