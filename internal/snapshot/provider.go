// Package snapshot resolves the active config snapshot (domain pack +
// tenant policy pack) for a tenant and domain.
//
// Snapshots are immutable once resolved and safely shared read-only across
// all workers. The caching provider keeps them keyed by (tenant, domain)
// and drops entries on pack activation, so a worker never processes a
// message against a stale policy.
package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/resolvd-ai/resolvd/internal/model"
	"github.com/resolvd-ai/resolvd/internal/storage"
)

// ErrSnapshotMissing is returned when no active pack exists for a tenant
// and domain. Callers must dead-letter the triggering message with an
// explicit reason, never drop it.
var ErrSnapshotMissing = errors.New("snapshot: no active pack for tenant")

// Provider resolves the active config snapshot for a tenant and domain.
type Provider interface {
	Active(ctx context.Context, tenantID, domain string) (*model.ConfigSnapshot, error)
}

// StoreProvider reads snapshots straight from the active_packs table.
type StoreProvider struct {
	db *storage.DB
}

// NewStoreProvider creates a provider backed by the storage layer.
func NewStoreProvider(db *storage.DB) *StoreProvider {
	return &StoreProvider{db: db}
}

// Active implements Provider.
func (p *StoreProvider) Active(ctx context.Context, tenantID, domain string) (*model.ConfigSnapshot, error) {
	snap, err := p.db.GetActivePack(ctx, tenantID, domain)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSnapshotMissing
		}
		return nil, fmt.Errorf("snapshot: load active pack: %w", err)
	}
	return &snap, nil
}

// StaticProvider serves fixed snapshots from memory. Used in tests and by
// deployments that mount pack files instead of a pack database.
type StaticProvider struct {
	snaps map[string]*model.ConfigSnapshot
}

// NewStaticProvider creates a provider over a fixed snapshot set.
func NewStaticProvider(snaps ...*model.ConfigSnapshot) *StaticProvider {
	m := make(map[string]*model.ConfigSnapshot, len(snaps))
	for _, s := range snaps {
		m[s.TenantID+"/"+s.Domain] = s
	}
	return &StaticProvider{snaps: m}
}

// Active implements Provider.
func (p *StaticProvider) Active(_ context.Context, tenantID, domain string) (*model.ConfigSnapshot, error) {
	s, ok := p.snaps[tenantID+"/"+domain]
	if !ok {
		return nil, ErrSnapshotMissing
	}
	return s, nil
}
