package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrEthical07/goIdentity/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertIdentity(t *testing.T, s *Store, id, email string) storage.Identity {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	identity := storage.Identity{
		ID:           id,
		Email:        email,
		PasswordHash: "$argon2id$stub",
		EmailStatus:  storage.EmailUnverified,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.Write(context.Background(), func(tx storage.Tx) error {
		return tx.Identities().Insert(context.Background(), identity)
	})
	if err != nil {
		t.Fatalf("insert identity: %v", err)
	}
	return identity
}

func TestIdentityRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	want := insertIdentity(t, s, "u1", "alice@example.com")

	var got storage.Identity
	err := s.Read(ctx, func(tx storage.Tx) error {
		var err error
		got, err = tx.Identities().Get(ctx, "u1")
		return err
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Email != want.Email || got.SessionVersion != 0 || got.LastLoginAt != nil {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("created_at mismatch: got %v want %v", got.CreatedAt, want.CreatedAt)
	}

	err = s.Read(ctx, func(tx storage.Tx) error {
		_, err := tx.Identities().GetByEmail(ctx, "alice@example.com")
		return err
	})
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}

	err = s.Read(ctx, func(tx storage.Tx) error {
		_, err := tx.Identities().Get(ctx, "missing")
		return err
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIdentityEmailUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertIdentity(t, s, "u1", "alice@example.com")

	err := s.Write(ctx, func(tx storage.Tx) error {
		return tx.Identities().Insert(ctx, storage.Identity{
			ID: "u2", Email: "alice@example.com", EmailStatus: storage.EmailUnverified,
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		})
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestBumpSessionVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertIdentity(t, s, "u1", "alice@example.com")

	for want := int64(1); want <= 3; want++ {
		var got int64
		err := s.Write(ctx, func(tx storage.Tx) error {
			var err error
			got, err = tx.Identities().BumpSessionVersion(ctx, "u1", time.Now())
			return err
		})
		if err != nil {
			t.Fatalf("bump: %v", err)
		}
		if got != want {
			t.Fatalf("session version = %d, want %d", got, want)
		}
	}

	err := s.Write(ctx, func(tx storage.Tx) error {
		_, err := tx.Identities().BumpSessionVersion(ctx, "missing", time.Now())
		return err
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEmailsInUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertIdentity(t, s, "u1", "alice@example.com")
	insertIdentity(t, s, "u2", "bob@example.com")

	var inUse map[string]bool
	err := s.Read(ctx, func(tx storage.Tx) error {
		var err error
		inUse, err = tx.Identities().EmailsInUse(ctx,
			[]string{"alice@example.com", "carol@example.com"})
		return err
	})
	if err != nil {
		t.Fatalf("emails in use: %v", err)
	}
	if !inUse["alice@example.com"] || inUse["carol@example.com"] {
		t.Fatalf("unexpected result: %v", inUse)
	}
}

func TestTokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertIdentity(t, s, "u1", "alice@example.com")
	now := time.Now().UTC()

	token := storage.Token{
		ID: "t1", Value: "abc", Kind: storage.TokenEmailVerification,
		IdentityID: "u1", ValidUntil: now.Add(time.Hour), CreatedAt: now,
	}
	err := s.Write(ctx, func(tx storage.Tx) error {
		return tx.Tokens().Insert(ctx, token)
	})
	if err != nil {
		t.Fatalf("insert token: %v", err)
	}

	err = s.Read(ctx, func(tx storage.Tx) error {
		got, err := tx.Tokens().GetByValue(ctx, storage.TokenEmailVerification, "abc")
		if err != nil {
			return err
		}
		if got.IdentityID != "u1" {
			t.Fatalf("unexpected token: %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("get token: %v", err)
	}

	// Same value under a different kind is not visible.
	err = s.Read(ctx, func(tx storage.Tx) error {
		_, err := tx.Tokens().GetByValue(ctx, storage.TokenPasswordReset, "abc")
		return err
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across kinds, got %v", err)
	}

	err = s.Write(ctx, func(tx storage.Tx) error {
		return tx.Tokens().Insert(ctx, storage.Token{
			ID: "t2", Value: "old", Kind: storage.TokenPasswordReset,
			IdentityID: "u1", ValidUntil: now.Add(-time.Minute), CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("insert expired token: %v", err)
	}
	err = s.Write(ctx, func(tx storage.Tx) error {
		n, err := tx.Tokens().DeleteExpired(ctx, now)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Fatalf("deleted %d expired tokens, want 1", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
}

func TestIdentityDeleteCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertIdentity(t, s, "u1", "alice@example.com")
	now := time.Now().UTC()

	err := s.Write(ctx, func(tx storage.Tx) error {
		if err := tx.Tokens().Insert(ctx, storage.Token{
			ID: "t1", Value: "abc", Kind: storage.TokenEmailVerification,
			IdentityID: "u1", ValidUntil: now.Add(time.Hour), CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.TOTP().Upsert(ctx, storage.TOTPRecord{
			IdentityID: "u1", SealedSecret: "sealed", Algorithm: "SHA1",
			Digits: 6, Period: 30, CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("seed child rows: %v", err)
	}

	err = s.Write(ctx, func(tx storage.Tx) error {
		return tx.Identities().Delete(ctx, "u1")
	})
	if err != nil {
		t.Fatalf("delete identity: %v", err)
	}

	err = s.Read(ctx, func(tx storage.Tx) error {
		if _, err := tx.Tokens().GetByValue(ctx, storage.TokenEmailVerification, "abc"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("token survived cascade: %v", err)
		}
		if _, err := tx.TOTP().Get(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("totp record survived cascade: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read after delete: %v", err)
	}
}

func TestTOTPConfirmAndUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertIdentity(t, s, "u1", "alice@example.com")
	now := time.Now().UTC().Truncate(time.Millisecond)

	err := s.Write(ctx, func(tx storage.Tx) error {
		return tx.TOTP().Upsert(ctx, storage.TOTPRecord{
			IdentityID: "u1", SealedSecret: "sealed", Algorithm: "SHA1",
			Digits: 6, Period: 30, CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	err = s.Write(ctx, func(tx storage.Tx) error {
		if err := tx.TOTP().Confirm(ctx, "u1", now); err != nil {
			return err
		}
		return tx.TOTP().RecordUsage(ctx, "u1", now.Add(time.Minute))
	})
	if err != nil {
		t.Fatalf("confirm+usage: %v", err)
	}

	err = s.Read(ctx, func(tx storage.Tx) error {
		got, err := tx.TOTP().Get(ctx, "u1")
		if err != nil {
			return err
		}
		if !got.Confirmed || got.ConfirmedAt == nil || got.UsageCount != 1 || got.LastUsedAt == nil {
			t.Fatalf("unexpected record: %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// Re-enrollment replaces the record and drops confirmation.
	err = s.Write(ctx, func(tx storage.Tx) error {
		return tx.TOTP().Upsert(ctx, storage.TOTPRecord{
			IdentityID: "u1", SealedSecret: "sealed2", Algorithm: "SHA1",
			Digits: 6, Period: 30, CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	err = s.Read(ctx, func(tx storage.Tx) error {
		got, err := tx.TOTP().Get(ctx, "u1")
		if err != nil {
			return err
		}
		if got.Confirmed || got.SealedSecret != "sealed2" {
			t.Fatalf("re-enrollment kept old state: %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("get after re-upsert: %v", err)
	}
}

func TestBackupCodeMarkUsedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertIdentity(t, s, "u1", "alice@example.com")
	now := time.Now().UTC()

	codes := []storage.BackupCode{
		{ID: "c1", IdentityID: "u1", CodeHash: "h1", CreatedAt: now},
		{ID: "c2", IdentityID: "u1", CodeHash: "h2", CreatedAt: now},
	}
	err := s.Write(ctx, func(tx storage.Tx) error {
		return tx.BackupCodes().Replace(ctx, "u1", codes)
	})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}

	err = s.Write(ctx, func(tx storage.Tx) error {
		ok, err := tx.BackupCodes().MarkUsed(ctx, "c1", now)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("first MarkUsed returned false")
		}
		ok, err = tx.BackupCodes().MarkUsed(ctx, "c1", now)
		if err != nil {
			return err
		}
		if ok {
			t.Fatal("second MarkUsed on same code returned true")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("mark used: %v", err)
	}

	err = s.Read(ctx, func(tx storage.Tx) error {
		unused, err := tx.BackupCodes().ListUnused(ctx, "u1")
		if err != nil {
			return err
		}
		if len(unused) != 1 || unused[0].ID != "c2" {
			t.Fatalf("unexpected unused codes: %+v", unused)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("list unused: %v", err)
	}

	// Replace wipes the old set, used or not.
	err = s.Write(ctx, func(tx storage.Tx) error {
		return tx.BackupCodes().Replace(ctx, "u1", []storage.BackupCode{
			{ID: "c3", IdentityID: "u1", CodeHash: "h3", CreatedAt: now},
		})
	})
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}
	err = s.Read(ctx, func(tx storage.Tx) error {
		unused, err := tx.BackupCodes().ListUnused(ctx, "u1")
		if err != nil {
			return err
		}
		if len(unused) != 1 || unused[0].ID != "c3" {
			t.Fatalf("replace kept the old set: %+v", unused)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("list after replace: %v", err)
	}
}

func TestOAuthConnectionUpsertAndUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertIdentity(t, s, "u1", "alice@example.com")
	insertIdentity(t, s, "u2", "bob@example.com")
	now := time.Now().UTC()

	conn := storage.OAuthConnection{
		ID: "o1", IdentityID: "u1", Provider: "github", ProviderUserID: "gh-1",
		SealedAccessToken: "sealed-a", Scopes: []string{"read:user", "user:email"},
		CreatedAt: now, UpdatedAt: now,
	}
	err := s.Write(ctx, func(tx storage.Tx) error {
		return tx.OAuthConnections().Upsert(ctx, conn)
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Relink the same provider for the same identity updates in place.
	conn.SealedAccessToken = "sealed-b"
	err = s.Write(ctx, func(tx storage.Tx) error {
		return tx.OAuthConnections().Upsert(ctx, conn)
	})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	err = s.Read(ctx, func(tx storage.Tx) error {
		got, err := tx.OAuthConnections().GetForIdentity(ctx, "u1", "github")
		if err != nil {
			return err
		}
		if got.SealedAccessToken != "sealed-b" {
			t.Fatalf("upsert did not update: %+v", got)
		}
		if len(got.Scopes) != 2 || got.Scopes[0] != "read:user" {
			t.Fatalf("scopes did not round-trip: %v", got.Scopes)
		}
		if _, err := tx.OAuthConnections().GetByProviderUser(ctx, "github", "gh-1"); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read connection: %v", err)
	}

	// The same provider account cannot link to a second identity.
	err = s.Write(ctx, func(tx storage.Tx) error {
		return tx.OAuthConnections().Upsert(ctx, storage.OAuthConnection{
			ID: "o2", IdentityID: "u2", Provider: "github", ProviderUserID: "gh-1",
			CreatedAt: now, UpdatedAt: now,
		})
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestOAuthStateSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	err := s.Write(ctx, func(tx storage.Tx) error {
		return tx.OAuthStates().Insert(ctx, storage.OAuthState{
			State: "st1", Provider: "github",
			ExpiresAt: now.Add(10 * time.Minute), CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("insert state: %v", err)
	}

	err = s.Write(ctx, func(tx storage.Tx) error {
		got, err := tx.OAuthStates().Consume(ctx, "st1")
		if err != nil {
			return err
		}
		if got.Provider != "github" {
			t.Fatalf("unexpected state: %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	err = s.Write(ctx, func(tx storage.Tx) error {
		_, err := tx.OAuthStates().Consume(ctx, "st1")
		return err
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second consume: expected ErrNotFound, got %v", err)
	}
}

func TestDeletionUpsertAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertIdentity(t, s, "u1", "alice@example.com")
	now := time.Now().UTC().Truncate(time.Millisecond)

	deletion := storage.Deletion{
		IdentityID: "u1", RequestedAt: now, Reason: "leaving",
		ScheduledFor: now.Add(14 * 24 * time.Hour),
	}
	err := s.Write(ctx, func(tx storage.Tx) error {
		return tx.Deletions().Upsert(ctx, deletion)
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	err = s.Read(ctx, func(tx storage.Tx) error {
		got, err := tx.Deletions().Get(ctx, "u1")
		if err != nil {
			return err
		}
		if got.Status(now) != storage.DeletionPending {
			t.Fatalf("status = %s, want pending", got.Status(now))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	confirmedAt := now.Add(time.Minute)
	deletion.ConfirmedAt = &confirmedAt
	err = s.Write(ctx, func(tx storage.Tx) error {
		return tx.Deletions().Upsert(ctx, deletion)
	})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	err = s.Read(ctx, func(tx storage.Tx) error {
		got, err := tx.Deletions().Get(ctx, "u1")
		if err != nil {
			return err
		}
		if got.Status(now.Add(time.Hour)) != storage.DeletionAwaitingGrace {
			t.Fatalf("status = %s, want awaiting_grace_period", got.Status(now.Add(time.Hour)))
		}
		if got.Status(got.ScheduledFor.Add(time.Second)) != storage.DeletionReady {
			t.Fatal("expected ready_for_deletion after the grace window")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("get confirmed: %v", err)
	}
}

func TestEmailChangeLiveUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertIdentity(t, s, "u1", "alice@example.com")
	now := time.Now().UTC()

	first := storage.EmailChangeRequest{
		ID: "e1", IdentityID: "u1", NewEmail: "new@example.com", TokenValue: "tok1",
		RequestedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	err := s.Write(ctx, func(tx storage.Tx) error {
		return tx.EmailChanges().Insert(ctx, first)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	// A second live request for the same identity hits the partial index.
	err = s.Write(ctx, func(tx storage.Tx) error {
		return tx.EmailChanges().Insert(ctx, storage.EmailChangeRequest{
			ID: "e2", IdentityID: "u1", NewEmail: "other@example.com", TokenValue: "tok2",
			RequestedAt: now, ExpiresAt: now.Add(time.Hour),
		})
	})
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// Cancelling frees the slot.
	err = s.Write(ctx, func(tx storage.Tx) error {
		n, err := tx.EmailChanges().CancelLive(ctx, "u1", now)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Fatalf("cancelled %d requests, want 1", n)
		}
		return tx.EmailChanges().Insert(ctx, storage.EmailChangeRequest{
			ID: "e2", IdentityID: "u1", NewEmail: "other@example.com", TokenValue: "tok2",
			RequestedAt: now, ExpiresAt: now.Add(time.Hour),
		})
	})
	if err != nil {
		t.Fatalf("cancel+insert: %v", err)
	}

	err = s.Write(ctx, func(tx storage.Tx) error {
		req, err := tx.EmailChanges().GetLive(ctx, "u1")
		if err != nil {
			return err
		}
		if req.ID != "e2" {
			t.Fatalf("live request = %s, want e2", req.ID)
		}
		if err := tx.EmailChanges().Confirm(ctx, req.ID, now); err != nil {
			return err
		}
		// Confirming again is a no-op target.
		if err := tx.EmailChanges().Confirm(ctx, req.ID, now); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("second confirm: expected ErrNotFound, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertIdentity(t, s, "u1", "alice@example.com")
	now := time.Now().UTC()

	key := storage.APIKey{
		ID: "k1", IdentityID: "u1", Name: "ci", KeyHash: "hash1",
		Active: true, CreatedAt: now,
	}
	err := s.Write(ctx, func(tx storage.Tx) error {
		return tx.APIKeys().Insert(ctx, key)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	err = s.Write(ctx, func(tx storage.Tx) error {
		got, err := tx.APIKeys().GetByHash(ctx, "hash1")
		if err != nil {
			return err
		}
		if !got.Active || got.Name != "ci" {
			t.Fatalf("unexpected key: %+v", got)
		}
		if err := tx.APIKeys().Touch(ctx, got.ID, now); err != nil {
			return err
		}
		return tx.APIKeys().Deactivate(ctx, got.ID)
	})
	if err != nil {
		t.Fatalf("touch+deactivate: %v", err)
	}

	err = s.Read(ctx, func(tx storage.Tx) error {
		got, err := tx.APIKeys().GetByHash(ctx, "hash1")
		if err != nil {
			return err
		}
		if got.Active || got.LastUsedAt == nil {
			t.Fatalf("unexpected key after deactivate: %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
}
