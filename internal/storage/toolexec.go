package storage

import (
	"context"
	"fmt"

	"github.com/resolvd-ai/resolvd/internal/model"
)

// InsertToolExecution persists the final record of one tool invocation
// attempt set. Bodies must already be redacted by the caller.
func (db *DB) InsertToolExecution(ctx context.Context, rec model.ToolExecutionRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tool_executions
		   (execution_id, tool_id, tenant_id, exception_id, attempt_count, final_status,
		    failure_reason, redacted_request, redacted_response, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ExecutionID, rec.ToolID, rec.TenantID, rec.ExceptionID, rec.AttemptCount,
		string(rec.FinalStatus), rec.FailureReason, rec.RedactedRequest, rec.RedactedResponse,
		rec.StartedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert tool execution: %w", err)
	}
	return nil
}

// ListToolExecutions returns an exception's tool invocation records,
// oldest first, for the audit timeline.
func (db *DB) ListToolExecutions(ctx context.Context, tenantID, exceptionID string) ([]model.ToolExecutionRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT execution_id, tool_id, tenant_id, exception_id, attempt_count, final_status,
		        coalesce(failure_reason, ''), redacted_request, redacted_response, started_at, completed_at
		 FROM tool_executions
		 WHERE tenant_id = $1 AND exception_id = $2
		 ORDER BY started_at ASC`,
		tenantID, exceptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool executions: %w", err)
	}
	defer rows.Close()

	var recs []model.ToolExecutionRecord
	for rows.Next() {
		var r model.ToolExecutionRecord
		if err := rows.Scan(&r.ExecutionID, &r.ToolID, &r.TenantID, &r.ExceptionID, &r.AttemptCount,
			&r.FinalStatus, &r.FailureReason, &r.RedactedRequest, &r.RedactedResponse,
			&r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan tool execution: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
