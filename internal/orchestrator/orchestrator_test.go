package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvd-ai/resolvd/internal/model"
	"github.com/resolvd-ai/resolvd/internal/orchestrator"
	"github.com/resolvd-ai/resolvd/internal/snapshot"
	"github.com/resolvd-ai/resolvd/internal/stage"
	"github.com/resolvd-ai/resolvd/internal/storage"
	"github.com/resolvd-ai/resolvd/internal/testutil"
	"github.com/resolvd-ai/resolvd/internal/toolexec"
)

// memStore is an in-memory event store with the same concurrency and
// idempotency contract as the Postgres one.
type memStore struct {
	mu          sync.Mutex
	events      map[string][]model.DomainEvent
	processed   map[string]bool
	deadLetters []model.DeadLetter

	// conflictsToInject makes the next appends fail with a version
	// conflict, exercising the in-process retry.
	conflictsToInject int
}

func newMemStore() *memStore {
	return &memStore{
		events:    make(map[string][]model.DomainEvent),
		processed: make(map[string]bool),
	}
}

func excKey(tenantID, exceptionID string) string { return tenantID + "/" + exceptionID }

func (s *memStore) AppendEvents(_ context.Context, tenantID, exceptionID string, expectedVersion int64, messageID string, events []model.PendingEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.processed[excKey(tenantID, exceptionID)+"/"+messageID] {
		return 0, storage.ErrDuplicateMessage
	}
	if s.conflictsToInject > 0 {
		s.conflictsToInject--
		return 0, storage.ErrVersionConflict
	}

	key := excKey(tenantID, exceptionID)
	if int64(len(s.events[key])) != expectedVersion {
		return 0, storage.ErrVersionConflict
	}

	now := time.Now().UTC()
	for i, e := range events {
		s.events[key] = append(s.events[key], model.DomainEvent{
			ID:                uuid.New(),
			TenantID:          tenantID,
			ExceptionID:       exceptionID,
			SequenceNo:        expectedVersion + int64(i) + 1,
			EventType:         e.EventType,
			Payload:           e.Payload,
			CausedByMessageID: messageID,
			CreatedAt:         now,
		})
	}
	s.processed[key+"/"+messageID] = true
	return int64(len(s.events[key])), nil
}

func (s *memStore) LoadAggregate(_ context.Context, tenantID, exceptionID string) (model.ExceptionAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.Fold(tenantID, exceptionID, s.events[excKey(tenantID, exceptionID)]), nil
}

func (s *memStore) HasProcessed(_ context.Context, tenantID, exceptionID, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[excKey(tenantID, exceptionID)+"/"+messageID], nil
}

func (s *memStore) ParkDeadLetter(_ context.Context, d model.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, d)
	return nil
}

func (s *memStore) aggregate(t *testing.T, tenantID, exceptionID string) model.ExceptionAggregate {
	t.Helper()
	agg, err := s.LoadAggregate(context.Background(), tenantID, exceptionID)
	require.NoError(t, err)
	return agg
}

type queuePublisher struct {
	mu    sync.Mutex
	envs  []model.Envelope
	notes []model.Envelope
}

func (p *queuePublisher) Publish(_ context.Context, env model.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *queuePublisher) PublishNotification(_ context.Context, env model.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, env)
	return nil
}

func (p *queuePublisher) notifications() []model.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.Envelope(nil), p.notes...)
}

func (p *queuePublisher) pop() (model.Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.envs) == 0 {
		return model.Envelope{}, false
	}
	env := p.envs[0]
	p.envs = p.envs[1:]
	return env, true
}

type memGate struct {
	mu      sync.Mutex
	tickets []model.ApprovalTicket
}

func (g *memGate) Open(_ context.Context, tenantID, exceptionID string, req model.ApprovalRequest) (model.ApprovalTicket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := model.ApprovalTicket{
		ID:          uuid.New(),
		TenantID:    tenantID,
		ExceptionID: exceptionID,
		State:       model.TicketCreated,
		Reason:      req.Reason,
		Severity:    req.Severity,
		PlaybookID:  req.PlaybookID,
		StepIndex:   req.StepIndex,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
	g.tickets = append(g.tickets, t)
	return t, nil
}

type okRunner struct {
	mu    sync.Mutex
	calls int
}

func (r *okRunner) Execute(_ context.Context, req toolexec.ExecRequest, _ model.ToolDefinition) (model.ToolExecutionRecord, []model.PendingEvent, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	rec := model.ToolExecutionRecord{
		ExecutionID:  uuid.New(),
		ToolID:       req.ToolID,
		TenantID:     req.TenantID,
		ExceptionID:  req.ExceptionID,
		AttemptCount: 1,
		FinalStatus:  model.ExecSucceeded,
	}
	audit := []model.PendingEvent{
		{EventType: model.EventToolExecutionRequested, Payload: map[string]any{"execution_id": rec.ExecutionID.String(), "tool_id": req.ToolID, "attempt": 1}},
		{EventType: model.EventToolExecutionSucceeded, Payload: map[string]any{"execution_id": rec.ExecutionID.String(), "tool_id": req.ToolID, "attempt": 1}},
	}
	return rec, audit, nil
}

func testSnapshot() *model.ConfigSnapshot {
	return &model.ConfigSnapshot{
		TenantID: "acme",
		Domain:   "finance",
		Version:  1,
		Pack: model.DomainPack{
			Domain:          "finance",
			ExceptionTypes:  []string{"FIN_SETTLEMENT_FAIL"},
			SeverityRules:   []model.SeverityRule{{MatchType: "FIN_SETTLEMENT_FAIL", Severity: "HIGH"}},
			DefaultSeverity: "MEDIUM",
			Playbooks: []model.Playbook{
				{
					ID:             7,
					Name:           "settlement-retry",
					ExceptionTypes: []string{"FIN_SETTLEMENT_FAIL"},
					Steps: []model.PlaybookStep{
						{Name: "retry settlement", ToolID: "retry_settlement"},
						{Name: "notify ops", ToolID: "notify_ops"},
					},
				},
			},
			Tools: []model.ToolDefinition{
				{ToolID: "retry_settlement", Endpoint: "http://tools.local/retry", TimeoutMs: 1000},
				{ToolID: "notify_ops", Endpoint: "http://tools.local/notify", TimeoutMs: 1000},
			},
		},
		Policy: model.TenantPolicyPack{
			TenantID:              "acme",
			AutoExecuteSeverities: []string{"HIGH", "MEDIUM"},
			ToolAllowList:         []string{"retry_settlement", "notify_ops"},
		},
	}
}

type fixture struct {
	orch  *orchestrator.Orchestrator
	store *memStore
	pub   *queuePublisher
	gate  *memGate
}

func newFixture(snap *model.ConfigSnapshot, runner stage.ToolRunner) *fixture {
	logger := testutil.TestLogger()
	if runner == nil {
		runner = &okRunner{}
	}
	registry := stage.NewRegistry(
		stage.NewIntakeAgent(logger),
		stage.NewTriageAgent(nil, logger),
		stage.NewPolicyAgent(),
		stage.NewPlaybookAgent(),
		stage.NewResolutionAgent(runner, logger),
		stage.NewFeedbackAgent(),
	)

	store := newMemStore()
	pub := &queuePublisher{}
	gate := &memGate{}
	orch := orchestrator.New(store, snapshot.NewStaticProvider(snap), registry, pub, pub, gate, "finance", logger)
	return &fixture{orch: orch, store: store, pub: pub, gate: gate}
}

func raised(exceptionID, messageID string) model.Envelope {
	return model.Envelope{
		TenantID:    "acme",
		ExceptionID: exceptionID,
		MessageID:   messageID,
		EventType:   model.MessageExceptionRaised,
		Payload: map[string]any{
			"exception_type": "FIN_SETTLEMENT_FAIL",
			"source":         "settlement-service",
			"summary":        "settlement st-1 failed twice",
		},
		ProducedAt: time.Now().UTC(),
	}
}

// drain feeds published messages back into Handle until the pipeline
// settles, the way the broker would.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		env, ok := f.pub.pop()
		if !ok {
			return
		}
		_, err := f.orch.Handle(ctx, env)
		require.NoError(t, err)
	}
	t.Fatal("pipeline did not settle within 50 messages")
}

func TestHappyPathRunsToCompletion(t *testing.T) {
	runner := &okRunner{}
	f := newFixture(testSnapshot(), runner)

	out, err := f.orch.Handle(context.Background(), raised("exc-1", "msg-1"))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeApplied, out)
	f.drain(t)

	agg := f.store.aggregate(t, "acme", "exc-1")
	assert.Equal(t, model.StageCompleted, agg.CurrentStage)
	assert.Equal(t, model.StatusResolved, agg.Status)
	assert.Equal(t, model.ResolutionCompleted, agg.Resolution)
	assert.Equal(t, 2, agg.StepsExecuted)
	assert.Equal(t, 2, runner.calls)
}

func TestDuplicateMessageIsNoOp(t *testing.T) {
	f := newFixture(testSnapshot(), nil)
	ctx := context.Background()

	_, err := f.orch.Handle(ctx, raised("exc-1", "msg-1"))
	require.NoError(t, err)
	eventsAfterFirst := f.store.aggregate(t, "acme", "exc-1").Version

	out, err := f.orch.Handle(ctx, raised("exc-1", "msg-1"))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeDuplicate, out)
	assert.Equal(t, eventsAfterFirst, f.store.aggregate(t, "acme", "exc-1").Version)
}

func TestOutOfOrderMessageIsRejected(t *testing.T) {
	f := newFixture(testSnapshot(), nil)
	ctx := context.Background()

	_, err := f.orch.Handle(ctx, raised("exc-1", "msg-1"))
	require.NoError(t, err)
	f.drain(t)
	before := f.store.aggregate(t, "acme", "exc-1")
	require.Equal(t, model.StageCompleted, before.CurrentStage)

	// A replayed mid-pipeline message arrives after the exception closed.
	out, err := f.orch.Handle(ctx, model.Envelope{
		TenantID:    "acme",
		ExceptionID: "exc-1",
		MessageID:   "msg-stale",
		EventType:   model.EventTriageCompleted,
		Payload:     map[string]any{"classification": "FIN_SETTLEMENT_FAIL", "confidence": 0.8},
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeRejected, out)

	after := f.store.aggregate(t, "acme", "exc-1")
	assert.Equal(t, model.StageCompleted, after.CurrentStage)
	assert.Equal(t, before.Version+1, after.Version)

	// The rejection is idempotent under redelivery.
	out, err = f.orch.Handle(ctx, model.Envelope{
		TenantID:    "acme",
		ExceptionID: "exc-1",
		MessageID:   "msg-stale",
		EventType:   model.EventTriageCompleted,
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeDuplicate, out)
	assert.Equal(t, before.Version+1, f.store.aggregate(t, "acme", "exc-1").Version)
}

func TestUnknownEventTypeIsDeadLettered(t *testing.T) {
	f := newFixture(testSnapshot(), nil)

	out, err := f.orch.Handle(context.Background(), model.Envelope{
		TenantID:    "acme",
		ExceptionID: "exc-1",
		MessageID:   "msg-1",
		EventType:   "SomethingNovel",
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeDeadLettered, out)
	require.Len(t, f.store.deadLetters, 1)
	assert.Equal(t, "UNKNOWN_EVENT_TYPE", f.store.deadLetters[0].ReasonCode)
}

func TestMissingSnapshotIsDeadLettered(t *testing.T) {
	f := newFixture(testSnapshot(), nil)

	env := raised("exc-1", "msg-1")
	env.TenantID = "globex" // no active pack for this tenant
	out, err := f.orch.Handle(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeDeadLettered, out)
	require.Len(t, f.store.deadLetters, 1)
	assert.Equal(t, "CONFIG_SNAPSHOT_MISSING", f.store.deadLetters[0].ReasonCode)
}

func TestVersionConflictRetriesInProcess(t *testing.T) {
	f := newFixture(testSnapshot(), nil)
	f.store.conflictsToInject = 2

	out, err := f.orch.Handle(context.Background(), raised("exc-1", "msg-1"))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeApplied, out)
}

func TestVersionConflictExhaustionFailsForRedelivery(t *testing.T) {
	f := newFixture(testSnapshot(), nil)
	f.store.conflictsToInject = 5

	_, err := f.orch.Handle(context.Background(), raised("exc-1", "msg-1"))
	require.Error(t, err)
}

func approvalSnapshot() *model.ConfigSnapshot {
	snap := testSnapshot()
	snap.Policy.RequireHumanApprovalFor = []string{"HIGH"}
	return snap
}

func TestApprovalSuspendAndResume(t *testing.T) {
	runner := &okRunner{}
	f := newFixture(approvalSnapshot(), runner)
	ctx := context.Background()

	_, err := f.orch.Handle(ctx, raised("exc-1", "msg-1"))
	require.NoError(t, err)
	f.drain(t)

	agg := f.store.aggregate(t, "acme", "exc-1")
	require.Equal(t, model.StageAwaitingApproval, agg.CurrentStage)
	require.Len(t, f.gate.tickets, 1)
	ticket := f.gate.tickets[0]
	assert.Equal(t, ticket.ID.String(), agg.PendingTicketID)
	assert.Equal(t, 0, runner.calls)

	// The human approves; the gate publishes the resumption message.
	out, err := f.orch.Handle(ctx, model.Envelope{
		TenantID:    "acme",
		ExceptionID: "exc-1",
		MessageID:   "msg-grant",
		EventType:   model.EventApprovalGranted,
		Payload:     map[string]any{"ticket_id": ticket.ID.String(), "decided_by": "ops@acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeApplied, out)
	f.drain(t)

	agg = f.store.aggregate(t, "acme", "exc-1")
	assert.Equal(t, model.StageCompleted, agg.CurrentStage)
	assert.Equal(t, model.ResolutionCompleted, agg.Resolution)
	assert.Equal(t, 2, runner.calls)
}

func TestApprovalRejectionClosesWithoutEscalation(t *testing.T) {
	runner := &okRunner{}
	f := newFixture(approvalSnapshot(), runner)
	ctx := context.Background()

	_, err := f.orch.Handle(ctx, raised("exc-1", "msg-1"))
	require.NoError(t, err)
	f.drain(t)
	ticket := f.gate.tickets[0]

	_, err = f.orch.Handle(ctx, model.Envelope{
		TenantID:    "acme",
		ExceptionID: "exc-1",
		MessageID:   "msg-reject",
		EventType:   model.EventApprovalRejected,
		Payload:     map[string]any{"ticket_id": ticket.ID.String(), "decided_by": "ops@acme"},
	})
	require.NoError(t, err)

	agg := f.store.aggregate(t, "acme", "exc-1")
	assert.Equal(t, model.StageCompleted, agg.CurrentStage)
	assert.Equal(t, model.StatusResolved, agg.Status)
	assert.Equal(t, model.ResolutionRejected, agg.Resolution)
	assert.Equal(t, 0, runner.calls)
}

func TestStaleTicketDecisionIsRejected(t *testing.T) {
	f := newFixture(approvalSnapshot(), nil)
	ctx := context.Background()

	_, err := f.orch.Handle(ctx, raised("exc-1", "msg-1"))
	require.NoError(t, err)
	f.drain(t)
	require.Equal(t, model.StageAwaitingApproval, f.store.aggregate(t, "acme", "exc-1").CurrentStage)

	out, err := f.orch.Handle(ctx, model.Envelope{
		TenantID:    "acme",
		ExceptionID: "exc-1",
		MessageID:   "msg-stale-grant",
		EventType:   model.EventApprovalGranted,
		Payload:     map[string]any{"ticket_id": uuid.NewString()},
	})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeRejected, out)
	assert.Equal(t, model.StageAwaitingApproval, f.store.aggregate(t, "acme", "exc-1").CurrentStage)
}

func TestReplayRebuildsIdenticalAggregate(t *testing.T) {
	f := newFixture(testSnapshot(), nil)
	_, err := f.orch.Handle(context.Background(), raised("exc-1", "msg-1"))
	require.NoError(t, err)
	f.drain(t)

	f.store.mu.Lock()
	events := append([]model.DomainEvent(nil), f.store.events["acme/exc-1"]...)
	f.store.mu.Unlock()

	first := model.Fold("acme", "exc-1", events)
	second := model.Fold("acme", "exc-1", events)
	assert.Equal(t, first, second)
	assert.Equal(t, f.store.aggregate(t, "acme", "exc-1"), first)
}

// downRunner fails every invocation the way an unreachable tool does.
type downRunner struct{}

func (r *downRunner) Execute(_ context.Context, req toolexec.ExecRequest, _ model.ToolDefinition) (model.ToolExecutionRecord, []model.PendingEvent, error) {
	rec := model.ToolExecutionRecord{
		ExecutionID:  uuid.New(),
		ToolID:       req.ToolID,
		TenantID:     req.TenantID,
		ExceptionID:  req.ExceptionID,
		AttemptCount: 1,
		FinalStatus:  model.ExecFailed,
	}
	audit := []model.PendingEvent{
		{EventType: model.EventToolExecutionRequested, Payload: map[string]any{"execution_id": rec.ExecutionID.String(), "tool_id": req.ToolID, "attempt": 1}},
		{EventType: model.EventToolExecutionFailed, Payload: map[string]any{"execution_id": rec.ExecutionID.String(), "tool_id": req.ToolID, "attempt": 1}},
	}
	return rec, audit, toolexec.ErrToolUnavailable
}

func TestTerminalClosePublishesNotification(t *testing.T) {
	f := newFixture(testSnapshot(), nil)

	_, err := f.orch.Handle(context.Background(), raised("exc-1", "msg-1"))
	require.NoError(t, err)
	f.drain(t)
	require.Equal(t, model.StageCompleted, f.store.aggregate(t, "acme", "exc-1").CurrentStage)

	notes := f.pub.notifications()
	require.Len(t, notes, 1)
	note := notes[0]
	assert.Equal(t, model.MessageExceptionClosed, note.EventType)
	assert.Equal(t, "acme", note.TenantID)
	assert.Equal(t, "exc-1", note.ExceptionID)
	assert.Equal(t, string(model.StatusResolved), note.Payload["status"])
	assert.Equal(t, model.ResolutionCompleted, note.Payload["resolution"])
	assert.NotEmpty(t, note.MessageID)
	assert.NotEmpty(t, note.CausedBy)
}

func TestEscalationPublishesNotification(t *testing.T) {
	f := newFixture(testSnapshot(), &downRunner{})

	_, err := f.orch.Handle(context.Background(), raised("exc-1", "msg-1"))
	require.NoError(t, err)
	f.drain(t)
	require.Equal(t, model.StageEscalated, f.store.aggregate(t, "acme", "exc-1").CurrentStage)

	notes := f.pub.notifications()
	require.Len(t, notes, 1)
	note := notes[0]
	assert.Equal(t, model.EventExceptionEscalated, note.EventType)
	assert.Equal(t, "TOOL_UNAVAILABLE", note.Payload["reason_code"])
	assert.NotEmpty(t, note.Payload["reason"])
}
