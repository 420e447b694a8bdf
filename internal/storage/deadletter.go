package storage

import (
	"context"
	"fmt"

	"github.com/resolvd-ai/resolvd/internal/model"
)

// ParkDeadLetter records a message the pipeline refused to process.
// Parking is idempotent per (tenant, message): a redelivered poison
// message does not produce a second row.
func (db *DB) ParkDeadLetter(ctx context.Context, d model.DeadLetter) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO dead_letters (tenant_id, message_id, reason, reason_code, envelope)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, message_id) DO NOTHING`,
		d.TenantID, d.MessageID, d.Reason, d.ReasonCode, d.Envelope,
	)
	if err != nil {
		return fmt.Errorf("storage: park dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns a tenant's parked messages, newest first.
func (db *DB) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]model.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, message_id, reason, reason_code, envelope, parked_at
		 FROM dead_letters
		 WHERE tenant_id = $1
		 ORDER BY parked_at DESC
		 LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []model.DeadLetter
	for rows.Next() {
		var d model.DeadLetter
		if err := rows.Scan(&d.ID, &d.TenantID, &d.MessageID, &d.Reason, &d.ReasonCode, &d.Envelope, &d.ParkedAt); err != nil {
			return nil, fmt.Errorf("storage: scan dead letter: %w", err)
		}
		letters = append(letters, d)
	}
	return letters, rows.Err()
}
