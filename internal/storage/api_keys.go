package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// APIKey is a tenant-scoped credential for the read API. Only the SHA-256
// hash of the secret is stored.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   string     `json:"tenant_id"`
	KeyHash    string     `json:"-"`
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// HashAPIKey returns the hex SHA-256 digest of a raw key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey inserts a new key for a tenant.
func (db *DB) CreateAPIKey(ctx context.Context, key APIKey) (APIKey, error) {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, key_hash, label, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		key.ID, key.TenantID, key.KeyHash, key.Label, key.CreatedAt,
	)
	if err != nil {
		return APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return key, nil
}

// GetAPIKeyByHash looks up an active key by its hash and stamps last_used_at.
// Returns ErrNotFound for unknown or revoked keys.
func (db *DB) GetAPIKeyByHash(ctx context.Context, keyHash string) (APIKey, error) {
	var k APIKey
	err := db.pool.QueryRow(ctx,
		`UPDATE api_keys SET last_used_at = now()
		 WHERE key_hash = $1 AND revoked_at IS NULL
		 RETURNING id, tenant_id, key_hash, label, created_at, last_used_at, revoked_at`,
		keyHash,
	).Scan(&k.ID, &k.TenantID, &k.KeyHash, &k.Label, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	if err != nil {
		if isNoRows(err) {
			return APIKey{}, ErrNotFound
		}
		return APIKey{}, fmt.Errorf("storage: get api key: %w", err)
	}
	return k, nil
}

// RevokeAPIKey marks a key revoked; subsequent lookups miss it.
func (db *DB) RevokeAPIKey(ctx context.Context, tenantID string, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = now()
		 WHERE tenant_id = $1 AND id = $2 AND revoked_at IS NULL`,
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
