package storage

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult summarizes one retention sweep for a tenant.
type RetentionResult struct {
	Exceptions     int64
	Events         int64
	ToolExecutions int64
	Tickets        int64
}

// TenantRetention pairs a tenant with its effective retention window,
// derived from the tenant policy pack (or the deployment default).
type TenantRetention struct {
	TenantID      string
	RetentionDays int
}

// ListTenantRetention returns every tenant with an active pack and its
// configured retention window; zero means the deployment default applies.
func (db *DB) ListTenantRetention(ctx context.Context) ([]TenantRetention, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT tenant_id, coalesce(max((tenant_policy->>'retention_days')::int), 0)
		 FROM active_packs
		 GROUP BY tenant_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tenant retention: %w", err)
	}
	defer rows.Close()

	var out []TenantRetention
	for rows.Next() {
		var tr TenantRetention
		if err := rows.Scan(&tr.TenantID, &tr.RetentionDays); err != nil {
			return nil, fmt.Errorf("storage: scan tenant retention: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// PurgeClosedExceptions deletes the event history, tool records, approval
// tickets, and idempotency rows of exceptions that reached a terminal state
// before cutoff. Open exceptions are never touched. The purge transaction
// contends with live appends, so deadlocks are retried.
func (db *DB) PurgeClosedExceptions(ctx context.Context, tenantID string, cutoff time.Time) (RetentionResult, error) {
	var res RetentionResult
	err := WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		res, err = db.purgeClosedExceptions(ctx, tenantID, cutoff)
		return err
	})
	return res, err
}

func (db *DB) purgeClosedExceptions(ctx context.Context, tenantID string, cutoff time.Time) (RetentionResult, error) {
	var res RetentionResult

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("storage: begin retention tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Closed = history contains a terminal event, and nothing has been
	// appended since cutoff.
	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE _purge_exceptions ON COMMIT DROP AS
		 SELECT exception_id FROM domain_events
		 WHERE tenant_id = $1
		 GROUP BY exception_id
		 HAVING bool_or(event_type IN ('FeedbackCaptured', 'ExceptionEscalated', 'ApprovalRejected')
		                OR (event_type = 'PolicyEvaluationCompleted' AND (payload->>'actionable')::boolean = false))
		    AND max(created_at) < $2`,
		tenantID, cutoff,
	); err != nil {
		return res, fmt.Errorf("storage: select purge candidates: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM tool_executions WHERE tenant_id = $1 AND exception_id IN (SELECT exception_id FROM _purge_exceptions)`, tenantID)
	if err != nil {
		return res, fmt.Errorf("storage: purge tool executions: %w", err)
	}
	res.ToolExecutions = tag.RowsAffected()

	tag, err = tx.Exec(ctx,
		`DELETE FROM approval_tickets WHERE tenant_id = $1 AND exception_id IN (SELECT exception_id FROM _purge_exceptions)`, tenantID)
	if err != nil {
		return res, fmt.Errorf("storage: purge approval tickets: %w", err)
	}
	res.Tickets = tag.RowsAffected()

	tag, err = tx.Exec(ctx,
		`DELETE FROM processed_messages WHERE tenant_id = $1 AND exception_id IN (SELECT exception_id FROM _purge_exceptions)`, tenantID)
	if err != nil {
		return res, fmt.Errorf("storage: purge processed messages: %w", err)
	}

	tag, err = tx.Exec(ctx,
		`DELETE FROM domain_events WHERE tenant_id = $1 AND exception_id IN (SELECT exception_id FROM _purge_exceptions)`, tenantID)
	if err != nil {
		return res, fmt.Errorf("storage: purge domain events: %w", err)
	}
	res.Events = tag.RowsAffected()

	if err := tx.QueryRow(ctx, `SELECT count(*) FROM _purge_exceptions`).Scan(&res.Exceptions); err != nil {
		return res, fmt.Errorf("storage: count purged exceptions: %w", err)
	}

	if res.Exceptions > 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO deletion_log (tenant_id, cutoff, exceptions, events)
			 VALUES ($1, $2, $3, $4)`,
			tenantID, cutoff, res.Exceptions, res.Events,
		); err != nil {
			return res, fmt.Errorf("storage: record deletion log: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("storage: commit retention: %w", err)
	}
	if res.Exceptions > 0 {
		db.folds.invalidateTenant(tenantID)
	}
	return res, nil
}
