// Package approval implements the durable human-approval gate. A
// suspended exception holds no worker; it resumes when a decision
// message re-enters the broker keyed by the ticket id.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/resolvd-ai/resolvd/internal/model"
)

// Store is the ticket persistence the gate needs. Satisfied by *storage.DB.
type Store interface {
	CreateApprovalTicket(ctx context.Context, t model.ApprovalTicket) error
	ResolveApprovalTicket(ctx context.Context, tenantID string, id uuid.UUID, state model.TicketState, decidedBy, comment string) (model.ApprovalTicket, error)
	ExpireApprovalTickets(ctx context.Context, now time.Time) ([]model.ApprovalTicket, error)
	ListUnresumedTickets(ctx context.Context, limit int) ([]model.ApprovalTicket, error)
	MarkTicketResumed(ctx context.Context, tenantID string, id uuid.UUID) error
}

// Publisher sends resumption messages back into the pipeline.
type Publisher interface {
	Publish(ctx context.Context, env model.Envelope) error
}

// Gate creates tickets for suspended exceptions and turns decisions into
// ApprovalGranted or ApprovalRejected messages.
type Gate struct {
	store     Store
	publisher Publisher
	ttl       time.Duration
	logger    *slog.Logger
}

func New(store Store, publisher Publisher, ttl time.Duration, logger *slog.Logger) *Gate {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Gate{store: store, publisher: publisher, ttl: ttl, logger: logger}
}

// Open creates a CREATED ticket for a suspension decision and returns it
// so the caller can record the ticket id in the exception's log.
func (g *Gate) Open(ctx context.Context, tenantID, exceptionID string, req model.ApprovalRequest) (model.ApprovalTicket, error) {
	now := time.Now().UTC()
	t := model.ApprovalTicket{
		ID:          uuid.New(),
		TenantID:    tenantID,
		ExceptionID: exceptionID,
		State:       model.TicketCreated,
		Reason:      req.Reason,
		Severity:    req.Severity,
		PlaybookID:  req.PlaybookID,
		StepIndex:   req.StepIndex,
		CreatedAt:   now,
		ExpiresAt:   now.Add(g.ttl),
	}
	if err := g.store.CreateApprovalTicket(ctx, t); err != nil {
		return model.ApprovalTicket{}, fmt.Errorf("approval: open ticket: %w", err)
	}

	g.logger.Info("approval: ticket opened",
		"ticket_id", t.ID,
		"tenant_id", tenantID,
		"exception_id", exceptionID,
		"expires_at", t.ExpiresAt,
	)
	return t, nil
}

// Resolve records a human decision and publishes the resumption message.
// Storage errors pass through unchanged so callers can distinguish a
// missing ticket from one already decided. A failed publish does not fail
// the decision: the ticket stays unresumed and the expiry sweep
// republishes it.
func (g *Gate) Resolve(ctx context.Context, tenantID string, ticketID uuid.UUID, approve bool, decidedBy, comment string) (model.ApprovalTicket, error) {
	state := model.TicketRejected
	if approve {
		state = model.TicketApproved
	}

	t, err := g.store.ResolveApprovalTicket(ctx, tenantID, ticketID, state, decidedBy, comment)
	if err != nil {
		return model.ApprovalTicket{}, err
	}

	if err := g.publishDecision(ctx, t); err != nil {
		g.logger.Error("approval: publish decision failed, sweep will resume",
			"ticket_id", t.ID, "error", err)
		return t, nil
	}
	g.markResumed(ctx, t)

	g.logger.Info("approval: ticket resolved",
		"ticket_id", t.ID,
		"tenant_id", tenantID,
		"exception_id", t.ExceptionID,
		"state", string(t.State),
		"decided_by", decidedBy,
	)
	return t, nil
}

// RunExpiry times out overdue tickets on an interval until ctx ends.
// A timed-out ticket resumes its exception as a rejection so nothing
// stays suspended forever.
func (g *Gate) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.expireOnce(ctx)
		}
	}
}

// expiryBatch bounds how many unresumed tickets one sweep republishes.
const expiryBatch = 256

// expireOnce times out overdue tickets, then publishes the resumption
// message for every decided ticket the broker has not confirmed yet. A
// publish that fails leaves the ticket unresumed for the next sweep, so
// resumption is at-least-once: a duplicate decision message is rejected
// by the pipeline's transition check, a lost one is retried forever.
func (g *Gate) expireOnce(ctx context.Context) {
	expired, err := g.store.ExpireApprovalTickets(ctx, time.Now().UTC())
	if err != nil {
		g.logger.Error("approval: expiry sweep failed", "error", err)
		return
	}
	for _, t := range expired {
		g.logger.Warn("approval: ticket timed out",
			"ticket_id", t.ID,
			"tenant_id", t.TenantID,
			"exception_id", t.ExceptionID,
		)
	}

	unresumed, err := g.store.ListUnresumedTickets(ctx, expiryBatch)
	if err != nil {
		g.logger.Error("approval: list unresumed tickets failed", "error", err)
		return
	}
	for _, t := range unresumed {
		if err := g.publishDecision(ctx, t); err != nil {
			g.logger.Error("approval: publish resumption failed",
				"ticket_id", t.ID, "error", err)
			continue
		}
		g.markResumed(ctx, t)
	}
}

// publishDecision turns a decided ticket into its resumption message.
// APPROVED resumes execution; REJECTED and TIMED_OUT both resume as a
// rejection, the timeout carrying the expiry comment the store wrote.
func (g *Gate) publishDecision(ctx context.Context, t model.ApprovalTicket) error {
	et := model.EventApprovalRejected
	if t.State == model.TicketApproved {
		et = model.EventApprovalGranted
	}
	return g.publisher.Publish(ctx, model.Envelope{
		TenantID:    t.TenantID,
		ExceptionID: t.ExceptionID,
		MessageID:   uuid.NewString(),
		EventType:   et,
		Payload: map[string]any{
			"ticket_id":  t.ID.String(),
			"decided_by": t.DecidedBy,
			"comment":    t.Comment,
		},
		ProducedAt: time.Now().UTC(),
	})
}

func (g *Gate) markResumed(ctx context.Context, t model.ApprovalTicket) {
	if err := g.store.MarkTicketResumed(ctx, t.TenantID, t.ID); err != nil {
		// The next sweep republishes; the duplicate is rejected downstream.
		g.logger.Error("approval: mark ticket resumed failed",
			"ticket_id", t.ID, "error", err)
	}
}
