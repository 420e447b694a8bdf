package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/resolvd-ai/resolvd/internal/broker"
	"github.com/resolvd-ai/resolvd/internal/model"
	"github.com/resolvd-ai/resolvd/internal/storage"
)

// Store is the read surface handlers project from. Satisfied by
// *storage.DB.
type Store interface {
	LoadAggregate(ctx context.Context, tenantID, exceptionID string) (model.ExceptionAggregate, error)
	LoadEvents(ctx context.Context, tenantID, exceptionID string) ([]model.DomainEvent, error)
	ListOpenExceptions(ctx context.Context, tenantID string, limit int) ([]string, error)
	ListToolExecutions(ctx context.Context, tenantID, exceptionID string) ([]model.ToolExecutionRecord, error)
	ListPendingTickets(ctx context.Context, tenantID string, limit int) ([]model.ApprovalTicket, error)
	ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]model.DeadLetter, error)
}

// ApprovalResolver records human decisions on tickets.
type ApprovalResolver interface {
	Resolve(ctx context.Context, tenantID string, ticketID uuid.UUID, approve bool, decidedBy, comment string) (model.ApprovalTicket, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	store     Store
	approvals ApprovalResolver
	publisher broker.Publisher
	version   string
}

func tenantFrom(r *http.Request) string {
	if key := KeyFromContext(r.Context()); key != nil {
		return key.TenantID
	}
	return ""
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// HandleGetException returns the folded aggregate of one exception.
func (h *Handlers) HandleGetException(w http.ResponseWriter, r *http.Request) {
	exceptionID := r.PathValue("exception_id")
	agg, err := h.store.LoadAggregate(r.Context(), tenantFrom(r), exceptionID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "load exception failed")
		return
	}
	if agg.Version == 0 {
		writeError(w, r, http.StatusNotFound, errCodeNotFound, "exception not found")
		return
	}
	writeJSON(w, r, http.StatusOK, agg)
}

// HandleListExceptions returns the tenant's open exception ids.
func (h *Handlers) HandleListExceptions(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.ListOpenExceptions(r.Context(), tenantFrom(r), 200)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "list exceptions failed")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"exception_ids": ids})
}

// HandleGetEvents returns an exception's full event timeline.
func (h *Handlers) HandleGetEvents(w http.ResponseWriter, r *http.Request) {
	exceptionID := r.PathValue("exception_id")
	events, err := h.store.LoadEvents(r.Context(), tenantFrom(r), exceptionID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "load events failed")
		return
	}
	if len(events) == 0 {
		writeError(w, r, http.StatusNotFound, errCodeNotFound, "exception not found")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"events": events})
}

// stepStatus is the per-step projection of the playbook timeline.
type stepStatus struct {
	StepIndex   int    `json:"step_index"`
	ToolID      string `json:"tool_id,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Status      string `json:"status"`
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// HandleGetSteps projects playbook step status from the event timeline.
func (h *Handlers) HandleGetSteps(w http.ResponseWriter, r *http.Request) {
	exceptionID := r.PathValue("exception_id")
	events, err := h.store.LoadEvents(r.Context(), tenantFrom(r), exceptionID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "load events failed")
		return
	}
	if len(events) == 0 {
		writeError(w, r, http.StatusNotFound, errCodeNotFound, "exception not found")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"steps": projectSteps(events)})
}

func projectSteps(events []model.DomainEvent) []stepStatus {
	byIndex := make(map[int]*stepStatus)
	var order []int

	idx := func(p map[string]any) (int, bool) {
		switch n := p["step_index"].(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		}
		return 0, false
	}

	for _, e := range events {
		switch e.EventType {
		case model.EventStepExecutionRequested:
			i, ok := idx(e.Payload)
			if !ok {
				continue
			}
			if _, seen := byIndex[i]; !seen {
				order = append(order, i)
				byIndex[i] = &stepStatus{StepIndex: i, Status: "requested"}
			}
			toolID, _ := e.Payload["tool_id"].(string)
			mode, _ := e.Payload["mode"].(string)
			byIndex[i].ToolID = toolID
			byIndex[i].Mode = mode
		case model.EventPlaybookStepCompleted:
			i, ok := idx(e.Payload)
			if !ok {
				continue
			}
			if _, seen := byIndex[i]; !seen {
				order = append(order, i)
				byIndex[i] = &stepStatus{StepIndex: i}
			}
			outcome, _ := e.Payload["outcome"].(string)
			byIndex[i].Status = outcome
			byIndex[i].ExecutionID, _ = e.Payload["execution_id"].(string)
			byIndex[i].Error, _ = e.Payload["error"].(string)
		}
	}

	steps := make([]stepStatus, 0, len(order))
	for _, i := range order {
		steps = append(steps, *byIndex[i])
	}
	return steps
}

// HandleGetToolExecutions returns the redacted tool invocation records.
func (h *Handlers) HandleGetToolExecutions(w http.ResponseWriter, r *http.Request) {
	exceptionID := r.PathValue("exception_id")
	recs, err := h.store.ListToolExecutions(r.Context(), tenantFrom(r), exceptionID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "list tool executions failed")
		return
	}
	if recs == nil {
		recs = []model.ToolExecutionRecord{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"executions": recs})
}

// HandleListApprovals returns the tenant's pending tickets.
func (h *Handlers) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.store.ListPendingTickets(r.Context(), tenantFrom(r), 100)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "list approvals failed")
		return
	}
	if tickets == nil {
		tickets = []model.ApprovalTicket{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"tickets": tickets})
}

type resolveApprovalRequest struct {
	Approve   bool   `json:"approve"`
	DecidedBy string `json:"decided_by"`
	Comment   string `json:"comment,omitempty"`
}

// HandleResolveApproval records a human decision on a pending ticket and
// re-enters the pipeline with the decision message.
func (h *Handlers) HandleResolveApproval(w http.ResponseWriter, r *http.Request) {
	ticketID, err := uuid.Parse(r.PathValue("ticket_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeBadRequest, "invalid ticket id")
		return
	}

	var req resolveApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeBadRequest, "invalid request body")
		return
	}
	if req.DecidedBy == "" {
		writeError(w, r, http.StatusBadRequest, errCodeBadRequest, "decided_by is required")
		return
	}

	ticket, err := h.approvals.Resolve(r.Context(), tenantFrom(r), ticketID, req.Approve, req.DecidedBy, req.Comment)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, errCodeNotFound, "ticket not found")
		case errors.Is(err, storage.ErrTicketAlreadyDecided):
			writeError(w, r, http.StatusConflict, errCodeConflict, "ticket already decided")
		default:
			writeError(w, r, http.StatusInternalServerError, errCodeInternal, "resolve approval failed")
		}
		return
	}
	writeJSON(w, r, http.StatusOK, ticket)
}

// HandleListDeadLetters returns parked messages for operator review.
func (h *Handlers) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := h.store.ListDeadLetters(r.Context(), tenantFrom(r), 100)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "list dead letters failed")
		return
	}
	if letters == nil {
		letters = []model.DeadLetter{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"dead_letters": letters})
}

type raiseExceptionRequest struct {
	ExceptionID   string         `json:"exception_id"`
	ExceptionType string         `json:"exception_type"`
	Source        string         `json:"source,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// HandleRaiseException accepts a webhook-style exception report and
// publishes the opening pipeline message. The event log itself is only
// written by the orchestrator.
func (h *Handlers) HandleRaiseException(w http.ResponseWriter, r *http.Request) {
	var req raiseExceptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, errCodeBadRequest, "invalid request body")
		return
	}
	if req.ExceptionID == "" || req.ExceptionType == "" {
		writeError(w, r, http.StatusBadRequest, errCodeBadRequest, "exception_id and exception_type are required")
		return
	}

	env := model.Envelope{
		TenantID:    tenantFrom(r),
		ExceptionID: req.ExceptionID,
		MessageID:   uuid.NewString(),
		EventType:   model.MessageExceptionRaised,
		Payload: map[string]any{
			"exception_type": req.ExceptionType,
			"source":         req.Source,
			"summary":        req.Summary,
			"attributes":     req.Attributes,
		},
		ProducedAt: time.Now().UTC(),
	}
	if err := h.publisher.Publish(r.Context(), env); err != nil {
		writeError(w, r, http.StatusInternalServerError, errCodeInternal, "publish failed")
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{
		"exception_id": req.ExceptionID,
		"message_id":   env.MessageID,
	})
}
