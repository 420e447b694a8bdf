// Package toolexec invokes external HTTP tools on behalf of the
// resolution stage, under per-attempt timeouts, bounded retries with
// backoff, and per-(tenant, tool) circuit breakers. Every attempt is
// audited as a domain event and every invocation leaves a redacted
// execution record.
package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/resolvd-ai/resolvd/internal/model"
	"github.com/resolvd-ai/resolvd/internal/telemetry"
)

// Response bodies are capped so a misbehaving endpoint cannot balloon
// the audit tables.
const maxResponseBytes = 1 << 20

const maxJitter = 250 * time.Millisecond

// Recorder persists final execution records. Satisfied by *storage.DB.
type Recorder interface {
	InsertToolExecution(ctx context.Context, rec model.ToolExecutionRecord) error
}

// ExecRequest identifies one tool invocation on behalf of an exception.
type ExecRequest struct {
	TenantID    string
	ExceptionID string
	ToolID      string
	Args        map[string]any
}

// Config tunes the engine's reliability machinery.
type Config struct {
	Breaker BreakerConfig

	// TenantRatePerSecond and TenantRateBurst bound outbound calls per
	// tenant across all of that tenant's exceptions.
	TenantRatePerSecond float64
	TenantRateBurst     int
}

// Engine executes tools. Safe for concurrent use by multiple workers;
// breaker and limiter state is shared across them in-process.
type Engine struct {
	recorder Recorder
	client   *http.Client
	breakers *breakerRegistry
	limiters *limiterRegistry
	logger   *slog.Logger

	execCounter metric.Int64Counter
}

// New builds an Engine. A nil client gets a default with no overall
// timeout; per-attempt deadlines come from each ToolDefinition.
func New(recorder Recorder, cfg Config, logger *slog.Logger, client *http.Client) *Engine {
	if client == nil {
		client = &http.Client{}
	}

	m := telemetry.Meter("resolvd/toolexec")
	execCounter, err := m.Int64Counter("resolvd.tool_executions",
		metric.WithDescription("Tool invocation attempt sets by final status"),
	)
	if err != nil {
		logger.Warn("toolexec: create counter failed", "error", err)
	}

	return &Engine{
		recorder:    recorder,
		client:      client,
		breakers:    newBreakerRegistry(cfg.Breaker, logger),
		limiters:    newLimiterRegistry(cfg.TenantRatePerSecond, cfg.TenantRateBurst),
		logger:      logger,
		execCounter: execCounter,
	}
}

// Execute runs one invocation attempt set and returns the persisted
// record plus the audit events the caller must append to the exception's
// log. A non-nil error classifies the failure (ErrNotAllowed,
// ErrSchemaInvalid, ErrCircuitOpen, ErrToolTimeout, ErrToolUnavailable);
// the record and audit events are still valid in that case.
func (e *Engine) Execute(ctx context.Context, req ExecRequest, def model.ToolDefinition) (model.ToolExecutionRecord, []model.PendingEvent, error) {
	rec := model.ToolExecutionRecord{
		ExecutionID: uuid.New(),
		ToolID:      req.ToolID,
		TenantID:    req.TenantID,
		ExceptionID: req.ExceptionID,
		StartedAt:   time.Now().UTC(),
	}

	reqBody, err := json.Marshal(req.Args)
	if err != nil {
		return rec, nil, fmt.Errorf("toolexec: marshal args: %w", err)
	}
	rec.RedactedRequest = RedactJSON(reqBody)

	var audit []model.PendingEvent

	// Pre-checks reject before any attempt is made.
	if !def.AllowListed {
		audit = append(audit, e.auditEvent(model.EventToolExecutionFailed, rec.ExecutionID, req.ToolID, 0, "", "NOT_ALLOWED", 0))
		return e.finish(ctx, rec, audit, model.ExecFailed, "NOT_ALLOWED", ErrNotAllowed)
	}
	if def.InputSchema != nil {
		if err := validateSchema(def.InputSchema, req.Args); err != nil {
			e.logger.Debug("toolexec: input schema rejected args",
				"tool_id", req.ToolID, "tenant_id", req.TenantID, "error", err)
			audit = append(audit, e.auditEvent(model.EventToolExecutionFailed, rec.ExecutionID, req.ToolID, 0, "", "SCHEMA_INVALID", 0))
			return e.finish(ctx, rec, audit, model.ExecFailed, "SCHEMA_INVALID", ErrSchemaInvalid)
		}
	}

	if err := e.limiters.get(req.TenantID).Wait(ctx); err != nil {
		return rec, nil, fmt.Errorf("toolexec: rate limit wait: %w", err)
	}

	attempts := uint(1)
	if def.MaxRetries > 0 {
		attempts = uint(def.MaxRetries) + 1
	}

	var (
		attempt  int
		respBody []byte
	)

	cb := e.breakers.get(req.TenantID, req.ToolID)

	// The breaker wraps the whole retried attempt set: only an exhausted
	// set counts as one breaker failure.
	_, execErr := cb.Execute(func() (any, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool { return !isPermanent(err) }),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return retry.BackOffDelay(n, err, config) + time.Duration(rand.Int63n(int64(maxJitter)))
			}),
		)

		return nil, r.Do(func() error {
			attempt++
			started := time.Now()
			audit = append(audit,
				e.auditEvent(model.EventToolExecutionRequested, rec.ExecutionID, req.ToolID, attempt, "", "", 0),
				e.auditEvent(model.EventToolExecutionRunning, rec.ExecutionID, req.ToolID, attempt, "", "", 0),
			)

			body, status, attemptErr := e.attempt(ctx, def, reqBody)
			elapsed := time.Since(started).Milliseconds()

			if attemptErr != nil {
				audit = append(audit,
					e.auditEvent(model.EventToolExecutionFailed, rec.ExecutionID, req.ToolID, attempt, fmt.Sprintf("%d", status), attemptErr.Error(), elapsed))
				return attemptErr
			}

			if def.OutputSchema != nil {
				var decoded any
				if err := json.Unmarshal(body, &decoded); err != nil {
					audit = append(audit,
						e.auditEvent(model.EventToolExecutionFailed, rec.ExecutionID, req.ToolID, attempt, fmt.Sprintf("%d", status), "SCHEMA_INVALID", elapsed))
					return permanent(fmt.Errorf("toolexec: decode response: %w: %w", ErrSchemaInvalid, err))
				}
				if err := validateSchema(def.OutputSchema, decoded); err != nil {
					audit = append(audit,
						e.auditEvent(model.EventToolExecutionFailed, rec.ExecutionID, req.ToolID, attempt, fmt.Sprintf("%d", status), "SCHEMA_INVALID", elapsed))
					return permanent(fmt.Errorf("toolexec: output schema: %w: %w", ErrSchemaInvalid, err))
				}
			}

			respBody = body
			audit = append(audit,
				e.auditEvent(model.EventToolExecutionSucceeded, rec.ExecutionID, req.ToolID, attempt, fmt.Sprintf("%d", status), "", elapsed))
			return nil
		})
	})

	rec.AttemptCount = attempt

	switch {
	case execErr == nil:
		rec.RedactedResponse = RedactJSON(respBody)
		return e.finish(ctx, rec, audit, model.ExecSucceeded, "", nil)

	case errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests):
		audit = append(audit, e.auditEvent(model.EventToolExecutionFailed, rec.ExecutionID, req.ToolID, 0, "", "CIRCUIT_OPEN", 0))
		return e.finish(ctx, rec, audit, model.ExecCircuitOpen, "CIRCUIT_OPEN", ErrCircuitOpen)

	case errors.Is(execErr, ErrSchemaInvalid):
		return e.finish(ctx, rec, audit, model.ExecFailed, "SCHEMA_INVALID", ErrSchemaInvalid)

	case errors.Is(execErr, context.DeadlineExceeded):
		return e.finish(ctx, rec, audit, model.ExecTimedOut, "TIMED_OUT", ErrToolTimeout)

	default:
		rec.FailureReason = execErr.Error()
		return e.finish(ctx, rec, audit, model.ExecFailed, execErr.Error(), fmt.Errorf("%w: %w", ErrToolUnavailable, execErr))
	}
}

// finish stamps the record, persists it, and bumps the metric. The
// record table is secondary audit: a persistence failure is logged but
// does not mask the invocation outcome.
func (e *Engine) finish(ctx context.Context, rec model.ToolExecutionRecord, audit []model.PendingEvent, status model.ExecStatus, reason string, outcome error) (model.ToolExecutionRecord, []model.PendingEvent, error) {
	rec.FinalStatus = status
	if reason != "" {
		rec.FailureReason = reason
	}
	rec.CompletedAt = time.Now().UTC()

	if e.recorder != nil {
		if err := e.recorder.InsertToolExecution(ctx, rec); err != nil {
			e.logger.Error("toolexec: persist execution record failed",
				"execution_id", rec.ExecutionID, "tool_id", rec.ToolID, "error", err)
		}
	}

	if e.execCounter != nil {
		e.execCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool_id", rec.ToolID),
			attribute.String("status", string(status)),
		))
	}

	e.logger.Info("toolexec: execution finished",
		"execution_id", rec.ExecutionID,
		"tool_id", rec.ToolID,
		"tenant_id", rec.TenantID,
		"exception_id", rec.ExceptionID,
		"status", string(status),
		"attempts", rec.AttemptCount,
	)
	return rec, audit, outcome
}

// attempt performs one HTTP call under the tool's deadline. A nil error
// means a 2xx response; 4xx failures come back permanent so the retry
// loop stops.
func (e *Engine) attempt(ctx context.Context, def model.ToolDefinition, body []byte) ([]byte, int, error) {
	tCtx, cancel := context.WithTimeout(ctx, def.Timeout())
	defer cancel()

	method := def.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(tCtx, method, def.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, permanent(fmt.Errorf("toolexec: build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range def.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		if tCtx.Err() != nil {
			return nil, 0, fmt.Errorf("toolexec: attempt: %w", context.DeadlineExceeded)
		}
		return nil, 0, fmt.Errorf("toolexec: attempt: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("toolexec: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, resp.StatusCode, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return respBody, resp.StatusCode, permanent(fmt.Errorf("toolexec: endpoint returned %d", resp.StatusCode))
	default:
		return respBody, resp.StatusCode, fmt.Errorf("toolexec: endpoint returned %d", resp.StatusCode)
	}
}

func (e *Engine) auditEvent(et model.EventType, execID uuid.UUID, toolID string, attempt int, status, reason string, durMs int64) model.PendingEvent {
	payload := map[string]any{
		"execution_id": execID.String(),
		"tool_id":      toolID,
	}
	if attempt > 0 {
		payload["attempt"] = attempt
	}
	if status != "" {
		payload["status"] = status
	}
	if reason != "" {
		payload["reason"] = reason
	}
	if durMs > 0 {
		payload["duration_ms"] = durMs
	}
	return model.PendingEvent{EventType: et, Payload: payload}
}
