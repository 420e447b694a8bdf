// Package orchestrator drives the exception pipeline. Each inbound
// message is validated against the state machine, dispatched to its
// target stage agent, and the agent's decision is appended atomically
// before any follow-up message leaves the process.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/resolvd-ai/resolvd/internal/broker"
	"github.com/resolvd-ai/resolvd/internal/model"
	"github.com/resolvd-ai/resolvd/internal/snapshot"
	"github.com/resolvd-ai/resolvd/internal/stage"
	"github.com/resolvd-ai/resolvd/internal/storage"
	"github.com/resolvd-ai/resolvd/internal/telemetry"
)

// In-process retries on a version conflict before the message goes back
// to the broker.
const maxConflictRetries = 3

// Outcome classifies what Handle did with a message.
type Outcome string

const (
	OutcomeApplied      Outcome = "APPLIED"
	OutcomeDuplicate    Outcome = "DUPLICATE"
	OutcomeRejected     Outcome = "REJECTED"
	OutcomeDeadLettered Outcome = "DEAD_LETTERED"
)

// EventStore is the persistence surface Handle needs. Satisfied by
// *storage.DB.
type EventStore interface {
	AppendEvents(ctx context.Context, tenantID, exceptionID string, expectedVersion int64, messageID string, events []model.PendingEvent) (int64, error)
	LoadAggregate(ctx context.Context, tenantID, exceptionID string) (model.ExceptionAggregate, error)
	HasProcessed(ctx context.Context, tenantID, exceptionID, messageID string) (bool, error)
	ParkDeadLetter(ctx context.Context, d model.DeadLetter) error
}

// SnapshotProvider resolves active config snapshots.
type SnapshotProvider interface {
	Active(ctx context.Context, tenantID, domain string) (*model.ConfigSnapshot, error)
}

// Gate opens approval tickets for suspension decisions.
type Gate interface {
	Open(ctx context.Context, tenantID, exceptionID string, req model.ApprovalRequest) (model.ApprovalTicket, error)
}

// Orchestrator handles pipeline messages for one business domain.
type Orchestrator struct {
	store     EventStore
	snapshots SnapshotProvider
	registry  *stage.Registry
	publisher broker.Publisher
	notifier  broker.Notifier
	gate      Gate
	domain    string
	logger    *slog.Logger

	processed metric.Int64Counter
	latency   metric.Float64Histogram
}

func New(store EventStore, snapshots SnapshotProvider, registry *stage.Registry, publisher broker.Publisher, notifier broker.Notifier, gate Gate, domain string, logger *slog.Logger) *Orchestrator {
	m := telemetry.Meter("resolvd/orchestrator")
	processed, err := m.Int64Counter("resolvd.messages_processed",
		metric.WithDescription("Pipeline messages by handling outcome"),
	)
	if err != nil {
		logger.Warn("orchestrator: create counter failed", "error", err)
	}
	latency, err := m.Float64Histogram("resolvd.stage_latency",
		metric.WithDescription("Message handling duration per target stage"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("orchestrator: create histogram failed", "error", err)
	}

	return &Orchestrator{
		store:     store,
		snapshots: snapshots,
		registry:  registry,
		publisher: publisher,
		notifier:  notifier,
		gate:      gate,
		domain:    domain,
		logger:    logger,
		processed: processed,
		latency:   latency,
	}
}

// Handler adapts Handle for a broker consumer.
func (o *Orchestrator) Handler() broker.Handler {
	return func(ctx context.Context, env model.Envelope) error {
		_, err := o.Handle(ctx, env)
		return err
	}
}

// Handle processes one message end to end. A nil error means the
// message is settled (applied, duplicate, rejected, or parked); any
// error asks the broker for redelivery.
func (o *Orchestrator) Handle(ctx context.Context, env model.Envelope) (Outcome, error) {
	target, ok := model.TargetStage(env.EventType)
	if !ok {
		return o.deadLetter(ctx, env, "UNKNOWN_EVENT_TYPE",
			fmt.Sprintf("event type %q never triggers a stage dispatch", env.EventType))
	}

	start := time.Now()
	defer func() {
		if o.latency != nil {
			o.latency.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("stage", string(target))))
		}
	}()

	done, err := o.store.HasProcessed(ctx, env.TenantID, env.ExceptionID, env.MessageID)
	if err != nil {
		return "", fmt.Errorf("orchestrator: idempotency check: %w", err)
	}
	if done {
		o.logger.Debug("orchestrator: duplicate message",
			"tenant_id", env.TenantID,
			"exception_id", env.ExceptionID,
			"message_id", env.MessageID,
		)
		return o.record(ctx, OutcomeDuplicate), nil
	}

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		outcome, err := o.handleOnce(ctx, env, target)
		if errors.Is(err, storage.ErrVersionConflict) {
			// A concurrent writer advanced the log; re-fold and retry.
			lastErr = err
			continue
		}
		if errors.Is(err, storage.ErrDuplicateMessage) {
			return o.record(ctx, OutcomeDuplicate), nil
		}
		if err != nil {
			return "", err
		}
		return o.record(ctx, outcome), nil
	}
	return "", fmt.Errorf("orchestrator: version conflicts exhausted for message %s: %w", env.MessageID, lastErr)
}

func (o *Orchestrator) handleOnce(ctx context.Context, env model.Envelope, target model.Stage) (Outcome, error) {
	agg, err := o.store.LoadAggregate(ctx, env.TenantID, env.ExceptionID)
	if err != nil {
		return "", fmt.Errorf("orchestrator: load aggregate: %w", err)
	}

	if !model.LegalTransition(agg.CurrentStage, env.EventType) {
		return o.rejectTransition(ctx, env, agg)
	}
	if stale, why := o.staleTicket(env, agg); stale {
		o.logger.Warn("orchestrator: stale approval decision", "message_id", env.MessageID, "detail", why)
		return o.rejectTransition(ctx, env, agg)
	}

	snap, err := o.snapshots.Active(ctx, env.TenantID, o.domain)
	if err != nil {
		if errors.Is(err, snapshot.ErrSnapshotMissing) {
			return o.deadLetter(ctx, env, "CONFIG_SNAPSHOT_MISSING",
				fmt.Sprintf("no active pack for tenant %q in domain %q", env.TenantID, o.domain))
		}
		return "", fmt.Errorf("orchestrator: resolve snapshot: %w", err)
	}

	agent, ok := o.registry.For(target)
	if !ok {
		return "", fmt.Errorf("orchestrator: no agent registered for stage %s", target)
	}

	dec, err := agent.Process(ctx, agg, snap, stage.Input{EventType: env.EventType, Payload: env.Payload})
	if err != nil {
		return "", fmt.Errorf("orchestrator: %s agent: %w", target, err)
	}

	events := dec.EmitEvents
	switch dec.Action {
	case model.ActionSuspend:
		if dec.Approval == nil {
			return "", fmt.Errorf("orchestrator: suspend decision without approval request from stage %s", target)
		}
		ticket, err := o.gate.Open(ctx, env.TenantID, env.ExceptionID, *dec.Approval)
		if err != nil {
			return "", fmt.Errorf("orchestrator: open approval ticket: %w", err)
		}
		events = append(events, model.PendingEvent{
			EventType: model.EventApprovalRequested,
			Payload: map[string]any{
				"ticket_id":   ticket.ID.String(),
				"reason":      ticket.Reason,
				"severity":    ticket.Severity,
				"playbook_id": ticket.PlaybookID,
				"step_index":  ticket.StepIndex,
			},
		})
	case model.ActionEscalate:
		events = append(events, model.PendingEvent{
			EventType: model.EventExceptionEscalated,
			Payload: map[string]any{
				"reason":      dec.Reason,
				"reason_code": dec.ReasonCode,
				"from_stage":  string(target),
			},
		})
	}

	if _, err := o.store.AppendEvents(ctx, env.TenantID, env.ExceptionID, agg.Version, env.MessageID, events); err != nil {
		return "", err
	}

	o.sideEffects(ctx, env, target, dec, events)
	return OutcomeApplied, nil
}

// staleTicket rejects approval decisions that name a ticket other than
// the one the exception is currently suspended on. Expiry sweeps and
// retried suspensions can both leave decided tickets behind.
func (o *Orchestrator) staleTicket(env model.Envelope, agg model.ExceptionAggregate) (bool, string) {
	if env.EventType != model.EventApprovalGranted && env.EventType != model.EventApprovalRejected {
		return false, ""
	}
	ticketID, _ := env.Payload["ticket_id"].(string)
	if agg.PendingTicketID != "" && ticketID != agg.PendingTicketID {
		return true, fmt.Sprintf("message ticket %s, pending ticket %s", ticketID, agg.PendingTicketID)
	}
	return false, ""
}

// rejectTransition records the illegal message as a TransitionRejected
// audit event without advancing the state machine. The append is keyed
// by the message id, so redelivering the same illegal message is a
// no-op instead of a growing pile of rejections.
func (o *Orchestrator) rejectTransition(ctx context.Context, env model.Envelope, agg model.ExceptionAggregate) (Outcome, error) {
	o.logger.Warn("orchestrator: out-of-order message",
		"tenant_id", env.TenantID,
		"exception_id", env.ExceptionID,
		"message_id", env.MessageID,
		"event_type", string(env.EventType),
		"current_stage", string(agg.CurrentStage),
	)

	rejected := model.PendingEvent{
		EventType: model.EventTransitionRejected,
		Payload: map[string]any{
			"message_event_type": string(env.EventType),
			"current_stage":      string(agg.CurrentStage),
			"reason_code":        "OUT_OF_ORDER_EVENT",
		},
	}
	_, err := o.store.AppendEvents(ctx, env.TenantID, env.ExceptionID, agg.Version, env.MessageID, []model.PendingEvent{rejected})
	if err != nil {
		return "", err
	}
	return OutcomeRejected, nil
}

func (o *Orchestrator) deadLetter(ctx context.Context, env model.Envelope, code, reason string) (Outcome, error) {
	raw, err := broker.Encode(env)
	if err != nil {
		raw = []byte("{}")
	}
	if err := o.store.ParkDeadLetter(ctx, model.DeadLetter{
		TenantID:   env.TenantID,
		MessageID:  env.MessageID,
		Reason:     reason,
		ReasonCode: code,
		Envelope:   raw,
		ParkedAt:   time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("orchestrator: park dead letter: %w", err)
	}

	o.logger.Error("orchestrator: message dead-lettered",
		"tenant_id", env.TenantID,
		"exception_id", env.ExceptionID,
		"message_id", env.MessageID,
		"reason_code", code,
		"reason", reason,
	)
	return o.record(ctx, OutcomeDeadLettered), nil
}

// sideEffects runs after a successful append. Publishing is best effort
// here: a crash between append and publish is recovered by broker
// redelivery of the inbound message, which dedups on the event store.
func (o *Orchestrator) sideEffects(ctx context.Context, env model.Envelope, target model.Stage, dec model.StageDecision, events []model.PendingEvent) {
	switch dec.Action {
	case model.ActionAdvance:
		next, ok := nextMessage(events)
		if !ok {
			o.logger.Error("orchestrator: advance decision emitted no dispatchable event",
				"exception_id", env.ExceptionID, "stage", string(target))
			return
		}
		out := model.Envelope{
			TenantID:    env.TenantID,
			ExceptionID: env.ExceptionID,
			MessageID:   uuid.NewString(),
			EventType:   next.EventType,
			Payload:     next.Payload,
			CausedBy:    env.MessageID,
			ProducedAt:  time.Now().UTC(),
		}
		if err := o.publisher.Publish(ctx, out); err != nil {
			o.logger.Error("orchestrator: publish next-stage message failed",
				"exception_id", env.ExceptionID,
				"event_type", string(next.EventType),
				"error", err,
			)
		}

	case model.ActionTerminate:
		o.notify(ctx, env, model.MessageExceptionClosed, map[string]any{
			"status":     string(dec.TerminalStatus),
			"resolution": dec.Resolution,
			"reason":     dec.Reason,
		})
		o.logger.Info("orchestrator: exception closed",
			"tenant_id", env.TenantID,
			"exception_id", env.ExceptionID,
			"status", string(dec.TerminalStatus),
			"resolution", dec.Resolution,
		)

	case model.ActionEscalate:
		o.notify(ctx, env, model.EventExceptionEscalated, map[string]any{
			"reason_code": dec.ReasonCode,
			"reason":      dec.Reason,
		})
		o.logger.Warn("orchestrator: exception escalated",
			"tenant_id", env.TenantID,
			"exception_id", env.ExceptionID,
			"reason_code", dec.ReasonCode,
			"reason", dec.Reason,
		)

	case model.ActionSuspend:
		// Nothing to publish; the approval gate resumes the exception.
	}
}

// notify publishes a terminal notification for delivery collaborators.
// The notification is best-effort: the terminal event is already durable
// in the log, so a failed publish is logged and not retried here.
func (o *Orchestrator) notify(ctx context.Context, env model.Envelope, et model.EventType, payload map[string]any) {
	if o.notifier == nil {
		return
	}
	note := model.Envelope{
		TenantID:    env.TenantID,
		ExceptionID: env.ExceptionID,
		MessageID:   uuid.NewString(),
		EventType:   et,
		Payload:     payload,
		CausedBy:    env.MessageID,
		ProducedAt:  time.Now().UTC(),
	}
	if err := o.notifier.PublishNotification(ctx, note); err != nil {
		o.logger.Error("orchestrator: publish terminal notification failed",
			"tenant_id", env.TenantID,
			"exception_id", env.ExceptionID,
			"event_type", string(et),
			"error", err,
		)
	}
}

// nextMessage picks the event the follow-up message re-enters the
// pipeline with: the last emitted event that names a target stage.
func nextMessage(events []model.PendingEvent) (model.PendingEvent, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if _, ok := model.TargetStage(events[i].EventType); ok {
			return events[i], true
		}
	}
	return model.PendingEvent{}, false
}

func (o *Orchestrator) record(ctx context.Context, out Outcome) Outcome {
	if o.processed != nil {
		o.processed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(out))))
	}
	return out
}
