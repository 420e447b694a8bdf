package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvd-ai/resolvd/internal/model"
)

func evt(seq int64, et model.EventType, payload map[string]any) model.DomainEvent {
	return model.DomainEvent{
		TenantID:    "acme",
		ExceptionID: "EXC-1",
		SequenceNo:  seq,
		EventType:   et,
		Payload:     payload,
		CreatedAt:   time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
	}
}

func TestFold_EmptyHistory(t *testing.T) {
	agg := model.Fold("acme", "EXC-1", nil)
	assert.Equal(t, model.StageIntake, agg.CurrentStage)
	assert.Equal(t, model.StatusOpen, agg.Status)
	assert.Zero(t, agg.Version)
}

func TestFold_HappyPathThroughFeedback(t *testing.T) {
	events := []model.DomainEvent{
		evt(1, model.EventExceptionNormalized, map[string]any{"exception_type": "FIN_SETTLEMENT_FAIL"}),
		evt(2, model.EventTriageCompleted, map[string]any{"classification": "settlement", "confidence": 0.92}),
		evt(3, model.EventPolicyEvaluationCompleted, map[string]any{"severity": "HIGH", "actionable": true, "confidence": 0.92}),
		evt(4, model.EventPlaybookMatched, map[string]any{"playbook_id": float64(7), "step_count": float64(2)}),
		evt(5, model.EventStepExecutionRequested, map[string]any{"playbook_id": float64(7), "step_index": float64(0)}),
		evt(6, model.EventPlaybookStepCompleted, map[string]any{"playbook_id": float64(7), "step_index": float64(0), "outcome": "succeeded"}),
		evt(7, model.EventStepExecutionRequested, map[string]any{"playbook_id": float64(7), "step_index": float64(1)}),
		evt(8, model.EventPlaybookStepCompleted, map[string]any{"playbook_id": float64(7), "step_index": float64(1), "outcome": "succeeded"}),
		evt(9, model.EventPlaybookCompleted, map[string]any{"playbook_id": float64(7)}),
		evt(10, model.EventFeedbackCaptured, map[string]any{"outcome": "resolved"}),
	}

	agg := model.Fold("acme", "EXC-1", events)

	assert.Equal(t, int64(10), agg.Version)
	assert.Equal(t, model.StageCompleted, agg.CurrentStage)
	assert.Equal(t, model.StatusResolved, agg.Status)
	assert.Equal(t, model.ResolutionCompleted, agg.Resolution)
	assert.Equal(t, "FIN_SETTLEMENT_FAIL", agg.ExceptionType)
	assert.Equal(t, "HIGH", agg.Severity)
	require.NotNil(t, agg.CurrentPlaybook)
	assert.Equal(t, 7, *agg.CurrentPlaybook)
	assert.Equal(t, 2, agg.StepsExecuted)
}

func TestFold_VersionCountsEveryEvent(t *testing.T) {
	// Audit-only events advance the version but not the state machine.
	events := []model.DomainEvent{
		evt(1, model.EventExceptionNormalized, map[string]any{"exception_type": "X"}),
		evt(2, model.EventToolExecutionRequested, map[string]any{"tool_id": "t"}),
		evt(3, model.EventTransitionRejected, map[string]any{"reason_code": "OUT_OF_ORDER_EVENT"}),
	}
	agg := model.Fold("acme", "EXC-1", events)
	assert.Equal(t, int64(3), agg.Version)
	assert.Equal(t, model.StageTriage, agg.CurrentStage)
}

func TestFold_NonActionableTerminates(t *testing.T) {
	events := []model.DomainEvent{
		evt(1, model.EventExceptionNormalized, map[string]any{"exception_type": "NOISE"}),
		evt(2, model.EventTriageCompleted, map[string]any{"confidence": 0.4}),
		evt(3, model.EventPolicyEvaluationCompleted, map[string]any{
			"severity": "LOW", "actionable": false, "reason": "below action threshold",
		}),
	}
	agg := model.Fold("acme", "EXC-1", events)
	assert.Equal(t, model.StageCompleted, agg.CurrentStage)
	assert.Equal(t, model.StatusResolved, agg.Status)
	assert.Equal(t, model.ResolutionNonActionable, agg.Resolution)
}

func TestFold_ApprovalRejectedIsResolvedNotEscalated(t *testing.T) {
	events := []model.DomainEvent{
		evt(1, model.EventExceptionNormalized, map[string]any{"exception_type": "X"}),
		evt(2, model.EventTriageCompleted, nil),
		evt(3, model.EventPolicyEvaluationCompleted, map[string]any{"severity": "CRITICAL", "actionable": true}),
		evt(4, model.EventApprovalRequested, map[string]any{"reason": "severity CRITICAL requires approval"}),
		evt(5, model.EventApprovalRejected, map[string]any{"decided_by": "ops@acme"}),
	}
	agg := model.Fold("acme", "EXC-1", events)
	assert.Equal(t, model.StageCompleted, agg.CurrentStage)
	assert.Equal(t, model.StatusResolved, agg.Status)
	assert.Equal(t, model.ResolutionRejected, agg.Resolution)
	assert.Equal(t, "approval rejected", agg.Reason)
}

func TestFold_ApprovalRejectionCarriesComment(t *testing.T) {
	events := []model.DomainEvent{
		evt(1, model.EventExceptionNormalized, map[string]any{"exception_type": "X"}),
		evt(2, model.EventTriageCompleted, nil),
		evt(3, model.EventPolicyEvaluationCompleted, map[string]any{"severity": "CRITICAL", "actionable": true}),
		evt(4, model.EventApprovalRequested, map[string]any{"reason": "severity CRITICAL requires approval"}),
		evt(5, model.EventApprovalRejected, map[string]any{"decided_by": "", "comment": "approval window expired"}),
	}
	agg := model.Fold("acme", "EXC-1", events)
	assert.Equal(t, model.ResolutionRejected, agg.Resolution)
	assert.Equal(t, "approval window expired", agg.Reason)
}

func TestFold_EscalationIsTerminal(t *testing.T) {
	events := []model.DomainEvent{
		evt(1, model.EventExceptionNormalized, map[string]any{"exception_type": "X"}),
		evt(2, model.EventExceptionEscalated, map[string]any{"reason": "tool retries exhausted", "reason_code": "TOOL_UNAVAILABLE"}),
	}
	agg := model.Fold("acme", "EXC-1", events)
	assert.Equal(t, model.StageEscalated, agg.CurrentStage)
	assert.Equal(t, model.StatusEscalated, agg.Status)
	assert.Equal(t, "tool retries exhausted", agg.Reason)
	assert.True(t, agg.CurrentStage.Terminal())
}
