package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/resolvd-ai/resolvd/internal/model"
)

// CreateApprovalTicket persists a new ticket in the CREATED state.
func (db *DB) CreateApprovalTicket(ctx context.Context, t model.ApprovalTicket) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO approval_tickets
		   (id, tenant_id, exception_id, state, reason, severity, playbook_id, step_index, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.TenantID, t.ExceptionID, string(t.State), t.Reason, t.Severity,
		t.PlaybookID, t.StepIndex, t.CreatedAt, t.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create approval ticket: %w", err)
	}
	return nil
}

// GetApprovalTicket fetches one ticket, tenant-scoped.
func (db *DB) GetApprovalTicket(ctx context.Context, tenantID string, id uuid.UUID) (model.ApprovalTicket, error) {
	var t model.ApprovalTicket
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, exception_id, state, reason, severity, playbook_id, step_index,
		        coalesce(decided_by, ''), coalesce(comment, ''), created_at, expires_at, decided_at
		 FROM approval_tickets
		 WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&t.ID, &t.TenantID, &t.ExceptionID, &t.State, &t.Reason, &t.Severity,
		&t.PlaybookID, &t.StepIndex, &t.DecidedBy, &t.Comment, &t.CreatedAt, &t.ExpiresAt, &t.DecidedAt)
	if err != nil {
		if isNoRows(err) {
			return model.ApprovalTicket{}, ErrNotFound
		}
		return model.ApprovalTicket{}, fmt.Errorf("storage: get approval ticket: %w", err)
	}
	return t, nil
}

// ResolveApprovalTicket moves a CREATED ticket to APPROVED or REJECTED.
// The state guard in the WHERE clause makes resolution race-safe: a second
// decision, or a decision on an expired ticket, returns
// ErrTicketAlreadyDecided.
func (db *DB) ResolveApprovalTicket(
	ctx context.Context,
	tenantID string,
	id uuid.UUID,
	state model.TicketState,
	decidedBy, comment string,
) (model.ApprovalTicket, error) {
	var t model.ApprovalTicket
	err := db.pool.QueryRow(ctx,
		`UPDATE approval_tickets
		 SET state = $3, decided_by = $4, comment = $5, decided_at = now()
		 WHERE tenant_id = $1 AND id = $2 AND state = 'CREATED'
		 RETURNING id, tenant_id, exception_id, state, reason, severity, playbook_id, step_index,
		           coalesce(decided_by, ''), coalesce(comment, ''), created_at, expires_at, decided_at`,
		tenantID, id, string(state), decidedBy, comment,
	).Scan(&t.ID, &t.TenantID, &t.ExceptionID, &t.State, &t.Reason, &t.Severity,
		&t.PlaybookID, &t.StepIndex, &t.DecidedBy, &t.Comment, &t.CreatedAt, &t.ExpiresAt, &t.DecidedAt)
	if err != nil {
		if isNoRows(err) {
			// Distinguish missing from already-decided for the caller.
			if _, getErr := db.GetApprovalTicket(ctx, tenantID, id); getErr == nil {
				return model.ApprovalTicket{}, ErrTicketAlreadyDecided
			}
			return model.ApprovalTicket{}, ErrNotFound
		}
		return model.ApprovalTicket{}, fmt.Errorf("storage: resolve approval ticket: %w", err)
	}
	return t, nil
}

// ExpireApprovalTickets times out CREATED tickets whose deadline has passed
// and returns them so the gate can log the timeouts. The resumption
// publish is driven separately by ListUnresumedTickets.
func (db *DB) ExpireApprovalTickets(ctx context.Context, now time.Time) ([]model.ApprovalTicket, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE approval_tickets
		 SET state = 'TIMED_OUT', decided_at = $1, comment = 'approval window expired'
		 WHERE state = 'CREATED' AND expires_at <= $1
		 RETURNING id, tenant_id, exception_id, state, reason, severity, playbook_id, step_index,
		           coalesce(decided_by, ''), coalesce(comment, ''), created_at, expires_at, decided_at`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: expire approval tickets: %w", err)
	}
	defer rows.Close()

	var tickets []model.ApprovalTicket
	for rows.Next() {
		var t model.ApprovalTicket
		if err := rows.Scan(&t.ID, &t.TenantID, &t.ExceptionID, &t.State, &t.Reason, &t.Severity,
			&t.PlaybookID, &t.StepIndex, &t.DecidedBy, &t.Comment, &t.CreatedAt, &t.ExpiresAt, &t.DecidedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan expired ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// ListUnresumedTickets returns decided or timed-out tickets whose resumption
// message has not been confirmed on the broker, oldest decision first.
func (db *DB) ListUnresumedTickets(ctx context.Context, limit int) ([]model.ApprovalTicket, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, exception_id, state, reason, severity, playbook_id, step_index,
		        coalesce(decided_by, ''), coalesce(comment, ''), created_at, expires_at, decided_at
		 FROM approval_tickets
		 WHERE state <> 'CREATED' AND resumed_at IS NULL
		 ORDER BY decided_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unresumed tickets: %w", err)
	}
	defer rows.Close()

	var tickets []model.ApprovalTicket
	for rows.Next() {
		var t model.ApprovalTicket
		if err := rows.Scan(&t.ID, &t.TenantID, &t.ExceptionID, &t.State, &t.Reason, &t.Severity,
			&t.PlaybookID, &t.StepIndex, &t.DecidedBy, &t.Comment, &t.CreatedAt, &t.ExpiresAt, &t.DecidedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan unresumed ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

// MarkTicketResumed records that the ticket's resumption message was
// accepted by the broker.
func (db *DB) MarkTicketResumed(ctx context.Context, tenantID string, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE approval_tickets SET resumed_at = now()
		 WHERE tenant_id = $1 AND id = $2 AND resumed_at IS NULL`,
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark ticket resumed: %w", err)
	}
	return nil
}

// ListPendingTickets returns CREATED tickets for a tenant, oldest first.
func (db *DB) ListPendingTickets(ctx context.Context, tenantID string, limit int) ([]model.ApprovalTicket, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, exception_id, state, reason, severity, playbook_id, step_index,
		        coalesce(decided_by, ''), coalesce(comment, ''), created_at, expires_at, decided_at
		 FROM approval_tickets
		 WHERE tenant_id = $1 AND state = 'CREATED'
		 ORDER BY created_at ASC
		 LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending tickets: %w", err)
	}
	defer rows.Close()

	var tickets []model.ApprovalTicket
	for rows.Next() {
		var t model.ApprovalTicket
		if err := rows.Scan(&t.ID, &t.TenantID, &t.ExceptionID, &t.State, &t.Reason, &t.Severity,
			&t.PlaybookID, &t.StepIndex, &t.DecidedBy, &t.Comment, &t.CreatedAt, &t.ExpiresAt, &t.DecidedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan pending ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}
