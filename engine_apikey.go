package goIdentity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/MrEthical07/goIdentity/internal"
	"github.com/MrEthical07/goIdentity/storage"
)

// apiKeyPrefix makes keys recognizable in logs and secret scanners.
const apiKeyPrefix = "gik_"

const apiKeyBytes = 32

func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey mints a programmatic credential for the identity. The raw
// key appears only in the result; the store keeps its hash. A zero ttl
// falls back to [APIKeyConfig.DefaultTTL]; when that is also zero the key
// never expires.
func (e *Engine) CreateAPIKey(ctx context.Context, identityID, name string, ttl time.Duration) (APIKeyResult, error) {
	if _, err := e.GetIdentity(ctx, identityID); err != nil {
		return APIKeyResult{}, err
	}

	random, err := internal.RandomToken(apiKeyBytes)
	if err != nil {
		return APIKeyResult{}, err
	}
	raw := apiKeyPrefix + random

	now := e.now()
	key := storage.APIKey{
		ID:         e.newID(),
		IdentityID: identityID,
		Name:       name,
		KeyHash:    hashAPIKey(raw),
		Active:     true,
		CreatedAt:  now,
	}
	if ttl <= 0 {
		ttl = e.config.APIKey.DefaultTTL
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		key.ExpiresAt = &expires
	}

	err = e.store.Write(ctx, func(tx storage.Tx) error {
		return tx.APIKeys().Insert(ctx, key)
	})
	if err != nil {
		return APIKeyResult{}, err
	}

	e.metricInc(MetricAPIKeyCreated)
	e.emitAudit(ctx, "api_key_create", auditFields{IdentityID: identityID, Metadata: map[string]string{"name": name}})
	return APIKeyResult{
		ID:        key.ID,
		Name:      name,
		Key:       raw,
		ExpiresAt: key.ExpiresAt,
		CreatedAt: now,
	}, nil
}

// VerifyAPIKey authenticates a raw key and returns its identity. Unknown
// and deactivated keys are indistinguishable ([ErrInvalidAPIKey]). An
// expired key is deactivated in the same transaction that discovered it
// and reports [ErrAPIKeyExpired] exactly once; afterwards it is just
// invalid.
func (e *Engine) VerifyAPIKey(ctx context.Context, rawKey string) (storage.Identity, error) {
	now := e.now()
	var identity storage.Identity
	var expired bool

	err := e.store.Write(ctx, func(tx storage.Tx) error {
		expired = false
		key, err := tx.APIKeys().GetByHash(ctx, hashAPIKey(rawKey))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrInvalidAPIKey
			}
			return err
		}
		if !key.Active {
			return ErrInvalidAPIKey
		}
		if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
			// Returning nil lets the deactivation commit; the sentinel is
			// surfaced after the transaction.
			expired = true
			return tx.APIKeys().Deactivate(ctx, key.ID)
		}

		identity, err = tx.Identities().Get(ctx, key.IdentityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return ErrInvalidAPIKey
			}
			return err
		}
		return tx.APIKeys().Touch(ctx, key.ID, now)
	})
	if err == nil && expired {
		err = ErrAPIKeyExpired
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrAPIKeyExpired):
			e.metricInc(MetricAPIKeyExpired)
		case errors.Is(err, ErrInvalidAPIKey):
			e.metricInc(MetricAPIKeyRejected)
		}
		return storage.Identity{}, err
	}

	e.metricInc(MetricAPIKeyVerified)
	return identity, nil
}

// DeleteAPIKey removes a key. Callers authorize the operation; identityID
// is recorded in the audit trail.
func (e *Engine) DeleteAPIKey(ctx context.Context, identityID, keyID string) error {
	err := e.store.Write(ctx, func(tx storage.Tx) error {
		return tx.APIKeys().Delete(ctx, keyID)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return ErrInvalidAPIKey
	}
	if err != nil {
		return err
	}
	e.emitAudit(ctx, "api_key_delete", auditFields{IdentityID: identityID, Metadata: map[string]string{"key_id": keyID}})
	return nil
}
