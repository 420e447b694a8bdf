package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/resolvd-ai/resolvd/internal/model"
)

// AppendEvents appends events to an exception's log in a single transaction.
//
// Sequence numbers are assigned server-side, continuing from expectedVersion.
// If the log has moved past expectedVersion since the caller folded it, the
// unique constraint on (tenant_id, exception_id, sequence_no) fires and
// ErrVersionConflict is returned — the caller must re-fold and retry.
//
// The first statement records messageID in processed_messages; a redelivery
// of the same message hits that table's primary key and returns
// ErrDuplicateMessage before any event is written.
//
// Serialization failures and deadlocks are retried here; conflict and
// duplicate sentinels pass through to the caller untouched.
func (db *DB) AppendEvents(
	ctx context.Context,
	tenantID, exceptionID string,
	expectedVersion int64,
	messageID string,
	events []model.PendingEvent,
) (int64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}
	var version int64
	err := WithRetry(ctx, 3, 25*time.Millisecond, func() error {
		var err error
		version, err = db.appendEvents(ctx, tenantID, exceptionID, expectedVersion, messageID, events)
		return err
	})
	return version, err
}

func (db *DB) appendEvents(
	ctx context.Context,
	tenantID, exceptionID string,
	expectedVersion int64,
	messageID string,
	events []model.PendingEvent,
) (int64, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin append tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO processed_messages (tenant_id, exception_id, message_id, first_sequence_no)
		 VALUES ($1, $2, $3, $4)`,
		tenantID, exceptionID, messageID, expectedVersion+1,
	); err != nil {
		if isUniqueViolation(err, "processed_messages_pkey") {
			return 0, ErrDuplicateMessage
		}
		return 0, fmt.Errorf("storage: record processed message: %w", err)
	}

	now := time.Now().UTC()
	for i, e := range events {
		seq := expectedVersion + int64(i) + 1
		if _, err := tx.Exec(ctx,
			`INSERT INTO domain_events (id, tenant_id, exception_id, sequence_no, event_type, payload, caused_by_message_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			uuid.New(), tenantID, exceptionID, seq, string(e.EventType), e.Payload, messageID, now,
		); err != nil {
			if isUniqueViolation(err, "domain_events_seq_key") {
				return 0, ErrVersionConflict
			}
			return 0, fmt.Errorf("storage: insert event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit append: %w", err)
	}
	return expectedVersion + int64(len(events)), nil
}

// LoadEvents retrieves all events for one exception in sequence order.
func (db *DB) LoadEvents(ctx context.Context, tenantID, exceptionID string) ([]model.DomainEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, exception_id, sequence_no, event_type, payload, caused_by_message_id, created_at
		 FROM domain_events
		 WHERE tenant_id = $1 AND exception_id = $2
		 ORDER BY sequence_no ASC`,
		tenantID, exceptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LoadAggregate folds the event history into an aggregate projection.
// Folds are memoized per exception; a repeat load only folds the events
// appended since the cached version.
func (db *DB) LoadAggregate(ctx context.Context, tenantID, exceptionID string) (model.ExceptionAggregate, error) {
	cached, ok := db.folds.get(tenantID, exceptionID)
	if !ok {
		events, err := db.LoadEvents(ctx, tenantID, exceptionID)
		if err != nil {
			return model.ExceptionAggregate{}, err
		}
		agg := model.Fold(tenantID, exceptionID, events)
		db.folds.put(agg)
		return agg, nil
	}

	newer, err := db.loadEventsAfter(ctx, tenantID, exceptionID, cached.Version)
	if err != nil {
		return model.ExceptionAggregate{}, err
	}
	if len(newer) == 0 {
		return cached, nil
	}
	agg := model.FoldFrom(cached, newer)
	db.folds.put(agg)
	return agg, nil
}

// loadEventsAfter retrieves the events with sequence numbers beyond after,
// in order.
func (db *DB) loadEventsAfter(ctx context.Context, tenantID, exceptionID string, after int64) ([]model.DomainEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, tenant_id, exception_id, sequence_no, event_type, payload, caused_by_message_id, created_at
		 FROM domain_events
		 WHERE tenant_id = $1 AND exception_id = $2 AND sequence_no > $3
		 ORDER BY sequence_no ASC`,
		tenantID, exceptionID, after,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load events after %d: %w", after, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// HasProcessed reports whether messageID already produced events for this
// exception.
func (db *DB) HasProcessed(ctx context.Context, tenantID, exceptionID, messageID string) (bool, error) {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM processed_messages
		   WHERE tenant_id = $1 AND exception_id = $2 AND message_id = $3
		 )`,
		tenantID, exceptionID, messageID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: has processed: %w", err)
	}
	return exists, nil
}

// ListOpenExceptions returns exception ids for a tenant whose latest state
// is not terminal. Used by the read API's list endpoint.
func (db *DB) ListOpenExceptions(ctx context.Context, tenantID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT exception_id FROM domain_events
		 WHERE tenant_id = $1
		 GROUP BY exception_id
		 HAVING NOT bool_or(event_type IN ('FeedbackCaptured', 'ExceptionEscalated', 'ApprovalRejected')
		                    OR (event_type = 'PolicyEvaluationCompleted' AND (payload->>'actionable')::boolean = false))
		 ORDER BY max(created_at) DESC
		 LIMIT $2`,
		tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list open exceptions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan exception id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanEvents(rows pgx.Rows) ([]model.DomainEvent, error) {
	var events []model.DomainEvent
	for rows.Next() {
		var e model.DomainEvent
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.ExceptionID, &e.SequenceNo, &e.EventType,
			&e.Payload, &e.CausedByMessageID, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
