package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/resolvd-ai/resolvd/internal/model"
)

// GetActivePack loads the currently active domain pack and tenant policy
// pack for one (tenant, domain). Packs are written by the external pack
// management subsystem; the pipeline only ever reads them.
func (db *DB) GetActivePack(ctx context.Context, tenantID, domain string) (model.ConfigSnapshot, error) {
	var (
		version    int
		packJSON   []byte
		policyJSON []byte
	)
	err := db.pool.QueryRow(ctx,
		`SELECT version, domain_pack, tenant_policy
		 FROM active_packs
		 WHERE tenant_id = $1 AND domain = $2`,
		tenantID, domain,
	).Scan(&version, &packJSON, &policyJSON)
	if err != nil {
		if isNoRows(err) {
			return model.ConfigSnapshot{}, ErrNotFound
		}
		return model.ConfigSnapshot{}, fmt.Errorf("storage: get active pack: %w", err)
	}

	snap := model.ConfigSnapshot{TenantID: tenantID, Domain: domain, Version: version}
	if err := json.Unmarshal(packJSON, &snap.Pack); err != nil {
		return model.ConfigSnapshot{}, fmt.Errorf("storage: decode domain pack: %w", err)
	}
	if err := json.Unmarshal(policyJSON, &snap.Policy); err != nil {
		return model.ConfigSnapshot{}, fmt.Errorf("storage: decode tenant policy: %w", err)
	}
	return snap, nil
}

// GetActivePackVersion returns only the active version for cheap cache
// validation.
func (db *DB) GetActivePackVersion(ctx context.Context, tenantID, domain string) (int, error) {
	var version int
	err := db.pool.QueryRow(ctx,
		`SELECT version FROM active_packs WHERE tenant_id = $1 AND domain = $2`,
		tenantID, domain,
	).Scan(&version)
	if err != nil {
		if isNoRows(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("storage: get active pack version: %w", err)
	}
	return version, nil
}
