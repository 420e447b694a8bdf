package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvd-ai/resolvd/internal/model"
	"github.com/resolvd-ai/resolvd/internal/storage"
	"github.com/resolvd-ai/resolvd/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func pending(et model.EventType, payload map[string]any) model.PendingEvent {
	return model.PendingEvent{EventType: et, Payload: payload}
}

func TestAppendEvents_SequenceIsContiguous(t *testing.T) {
	ctx := context.Background()
	excID := "EXC-" + uuid.NewString()[:8]

	v, err := testDB.AppendEvents(ctx, "acme", excID, 0, "msg-1",
		[]model.PendingEvent{pending(model.EventExceptionNormalized, map[string]any{"exception_type": "X"})})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = testDB.AppendEvents(ctx, "acme", excID, 1, "msg-2",
		[]model.PendingEvent{
			pending(model.EventTriageCompleted, map[string]any{"confidence": 0.9}),
			pending(model.EventPolicyEvaluationCompleted, map[string]any{"severity": "LOW", "actionable": true}),
		})
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	events, err := testDB.LoadEvents(ctx, "acme", excID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.SequenceNo, "sequence must be contiguous from 1")
	}
}

func TestAppendEvents_DuplicateMessageIsRejected(t *testing.T) {
	ctx := context.Background()
	excID := "EXC-" + uuid.NewString()[:8]

	_, err := testDB.AppendEvents(ctx, "acme", excID, 0, "msg-dup",
		[]model.PendingEvent{pending(model.EventExceptionNormalized, map[string]any{"exception_type": "X"})})
	require.NoError(t, err)

	// Redelivery with the same message id must not write a second event.
	_, err = testDB.AppendEvents(ctx, "acme", excID, 1, "msg-dup",
		[]model.PendingEvent{pending(model.EventTriageCompleted, nil)})
	require.ErrorIs(t, err, storage.ErrDuplicateMessage)

	events, err := testDB.LoadEvents(ctx, "acme", excID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	processed, err := testDB.HasProcessed(ctx, "acme", excID, "msg-dup")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestAppendEvents_StaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	excID := "EXC-" + uuid.NewString()[:8]

	_, err := testDB.AppendEvents(ctx, "acme", excID, 0, "msg-a",
		[]model.PendingEvent{pending(model.EventExceptionNormalized, map[string]any{"exception_type": "X"})})
	require.NoError(t, err)

	// A writer that folded before msg-a committed sees version 0.
	_, err = testDB.AppendEvents(ctx, "acme", excID, 0, "msg-b",
		[]model.PendingEvent{pending(model.EventTriageCompleted, nil)})
	require.ErrorIs(t, err, storage.ErrVersionConflict)

	// Re-folding and retrying with the current version succeeds.
	agg, err := testDB.LoadAggregate(ctx, "acme", excID)
	require.NoError(t, err)
	_, err = testDB.AppendEvents(ctx, "acme", excID, agg.Version, "msg-b",
		[]model.PendingEvent{pending(model.EventTriageCompleted, nil)})
	require.NoError(t, err)
}

func TestAppendEvents_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	excID := "EXC-" + uuid.NewString()[:8]

	// Same exception id under two tenants: independent logs,
	// independent message dedup.
	_, err := testDB.AppendEvents(ctx, "acme", excID, 0, "msg-x",
		[]model.PendingEvent{pending(model.EventExceptionNormalized, map[string]any{"exception_type": "A"})})
	require.NoError(t, err)

	_, err = testDB.AppendEvents(ctx, "globex", excID, 0, "msg-x",
		[]model.PendingEvent{pending(model.EventExceptionNormalized, map[string]any{"exception_type": "B"})})
	require.NoError(t, err)

	acme, err := testDB.LoadAggregate(ctx, "acme", excID)
	require.NoError(t, err)
	globex, err := testDB.LoadAggregate(ctx, "globex", excID)
	require.NoError(t, err)
	assert.Equal(t, "A", acme.ExceptionType)
	assert.Equal(t, "B", globex.ExceptionType)
}

func TestLoadAggregate_RefoldsAfterAppend(t *testing.T) {
	ctx := context.Background()
	excID := "EXC-" + uuid.NewString()[:8]

	_, err := testDB.AppendEvents(ctx, "acme", excID, 0, "msg-1",
		[]model.PendingEvent{pending(model.EventExceptionNormalized, map[string]any{"exception_type": "X"})})
	require.NoError(t, err)

	// Prime the fold cache at version 1.
	agg, err := testDB.LoadAggregate(ctx, "acme", excID)
	require.NoError(t, err)
	require.Equal(t, int64(1), agg.Version)
	assert.Equal(t, model.StageTriage, agg.CurrentStage)

	_, err = testDB.AppendEvents(ctx, "acme", excID, 1, "msg-2",
		[]model.PendingEvent{pending(model.EventTriageCompleted, map[string]any{"confidence": 0.75})})
	require.NoError(t, err)

	// The cached version-1 fold must be extended, not returned as-is.
	agg, err = testDB.LoadAggregate(ctx, "acme", excID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.Version)
	assert.Equal(t, 0.75, agg.Confidence)

	// A second load at the same version observes no drift.
	again, err := testDB.LoadAggregate(ctx, "acme", excID)
	require.NoError(t, err)
	assert.Equal(t, agg, again)
}

func TestApprovalTickets_Lifecycle(t *testing.T) {
	ctx := context.Background()
	ticket := model.ApprovalTicket{
		ID:          uuid.New(),
		TenantID:    "acme",
		ExceptionID: "EXC-" + uuid.NewString()[:8],
		State:       model.TicketCreated,
		Reason:      "severity CRITICAL requires approval",
		Severity:    "CRITICAL",
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, testDB.CreateApprovalTicket(ctx, ticket))

	got, err := testDB.GetApprovalTicket(ctx, "acme", ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TicketCreated, got.State)

	// Tenant scoping: another tenant cannot see the ticket.
	_, err = testDB.GetApprovalTicket(ctx, "globex", ticket.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	resolved, err := testDB.ResolveApprovalTicket(ctx, "acme", ticket.ID, model.TicketApproved, "ops@acme", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, model.TicketApproved, resolved.State)
	assert.Equal(t, "ops@acme", resolved.DecidedBy)
	require.NotNil(t, resolved.DecidedAt)

	// Second decision loses.
	_, err = testDB.ResolveApprovalTicket(ctx, "acme", ticket.ID, model.TicketRejected, "other@acme", "")
	require.ErrorIs(t, err, storage.ErrTicketAlreadyDecided)
}

func TestApprovalTickets_Expiry(t *testing.T) {
	ctx := context.Background()
	ticket := model.ApprovalTicket{
		ID:          uuid.New(),
		TenantID:    "acme",
		ExceptionID: "EXC-" + uuid.NewString()[:8],
		State:       model.TicketCreated,
		Reason:      "approval",
		CreatedAt:   time.Now().UTC().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, testDB.CreateApprovalTicket(ctx, ticket))

	expired, err := testDB.ExpireApprovalTickets(ctx, time.Now().UTC())
	require.NoError(t, err)

	var found bool
	for _, e := range expired {
		if e.ID == ticket.ID {
			found = true
			assert.Equal(t, model.TicketTimedOut, e.State)
		}
	}
	assert.True(t, found, "expired ticket must be returned by the sweep")

	// A timed-out ticket can no longer be decided.
	_, err = testDB.ResolveApprovalTicket(ctx, "acme", ticket.ID, model.TicketApproved, "late@acme", "")
	require.ErrorIs(t, err, storage.ErrTicketAlreadyDecided)
}

func TestApprovalTickets_ResumptionTracking(t *testing.T) {
	ctx := context.Background()
	ticket := model.ApprovalTicket{
		ID:          uuid.New(),
		TenantID:    "acme",
		ExceptionID: "EXC-" + uuid.NewString()[:8],
		State:       model.TicketCreated,
		Reason:      "approval",
		CreatedAt:   time.Now().UTC().Add(-2 * time.Hour),
		ExpiresAt:   time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, testDB.CreateApprovalTicket(ctx, ticket))

	_, err := testDB.ExpireApprovalTickets(ctx, time.Now().UTC())
	require.NoError(t, err)

	find := func(tickets []model.ApprovalTicket) (model.ApprovalTicket, bool) {
		for _, u := range tickets {
			if u.ID == ticket.ID {
				return u, true
			}
		}
		return model.ApprovalTicket{}, false
	}

	// Until the broker confirms the publish, the ticket keeps showing up.
	unresumed, err := testDB.ListUnresumedTickets(ctx, 1000)
	require.NoError(t, err)
	got, ok := find(unresumed)
	require.True(t, ok, "timed-out ticket must be listed until resumed")
	assert.Equal(t, model.TicketTimedOut, got.State)
	assert.Equal(t, "approval window expired", got.Comment)

	require.NoError(t, testDB.MarkTicketResumed(ctx, "acme", ticket.ID))

	unresumed, err = testDB.ListUnresumedTickets(ctx, 1000)
	require.NoError(t, err)
	_, ok = find(unresumed)
	assert.False(t, ok, "resumed ticket must leave the sweep's view")
}

func TestToolExecutions_RoundTrip(t *testing.T) {
	ctx := context.Background()
	excID := "EXC-" + uuid.NewString()[:8]
	rec := model.ToolExecutionRecord{
		ExecutionID:      uuid.New(),
		ToolID:           "retry_settlement",
		TenantID:         "acme",
		ExceptionID:      excID,
		AttemptCount:     3,
		FinalStatus:      model.ExecFailed,
		FailureReason:    "TOOL_UNAVAILABLE",
		RedactedRequest:  []byte(`{"amount": 100, "api_key": "[REDACTED]"}`),
		RedactedResponse: []byte(`{"error": "upstream 503"}`),
		StartedAt:        time.Now().UTC().Add(-time.Second),
		CompletedAt:      time.Now().UTC(),
	}
	require.NoError(t, testDB.InsertToolExecution(ctx, rec))

	recs, err := testDB.ListToolExecutions(ctx, "acme", excID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, model.ExecFailed, recs[0].FinalStatus)
	assert.Equal(t, 3, recs[0].AttemptCount)
	assert.Contains(t, string(recs[0].RedactedRequest), "[REDACTED]")
}

func TestActivePacks_ReadPath(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO active_packs (tenant_id, domain, version, domain_pack, tenant_policy)
		 VALUES ('acme', 'finance', 3,
		   '{"domain": "finance", "default_severity": "MEDIUM"}',
		   '{"tenant_id": "acme", "custom_severity_overrides": {"FIN_SETTLEMENT_FAIL": "LOW"}, "retention_days": 30}')
		 ON CONFLICT (tenant_id, domain) DO UPDATE SET version = 3`,
	)
	require.NoError(t, err)

	snap, err := testDB.GetActivePack(ctx, "acme", "finance")
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Version)
	assert.Equal(t, "MEDIUM", snap.Pack.DefaultSeverity)
	assert.Equal(t, "LOW", snap.Policy.SeverityOverrides["FIN_SETTLEMENT_FAIL"])

	_, err = testDB.GetActivePack(ctx, "nobody", "finance")
	require.ErrorIs(t, err, storage.ErrNotFound)

	v, err := testDB.GetActivePackVersion(ctx, "acme", "finance")
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestActivePacks_ActivationNotifiesListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type activation struct{ tenant, domain string }
	got := make(chan activation, 4)
	listening := make(chan error, 1)
	go func() {
		listening <- testDB.ListenPackActivations(ctx, func(tenantID, domain string) {
			got <- activation{tenantID, domain}
		})
	}()

	// Give the LISTEN a moment to register before firing the trigger.
	time.Sleep(200 * time.Millisecond)

	tenant := "tenant-" + uuid.NewString()[:8]
	_, err := testDB.Pool().Exec(ctx,
		`INSERT INTO active_packs (tenant_id, domain, version, domain_pack, tenant_policy)
		 VALUES ($1, 'finance', 1, '{"domain": "finance"}', '{}')`,
		tenant,
	)
	require.NoError(t, err)

	select {
	case a := <-got:
		assert.Equal(t, tenant, a.tenant)
		assert.Equal(t, "finance", a.domain)
	case <-time.After(5 * time.Second):
		t.Fatal("no activation notification received")
	}

	cancel()
	require.NoError(t, <-listening)
}

func TestDeadLetters_ParkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	msgID := "msg-" + uuid.NewString()

	d := model.DeadLetter{
		TenantID:   "acme",
		MessageID:  msgID,
		Reason:     "no active pack for tenant",
		ReasonCode: "CONFIG_SNAPSHOT_MISSING",
		Envelope:   []byte(`{"message_id": "` + msgID + `"}`),
	}
	require.NoError(t, testDB.ParkDeadLetter(ctx, d))
	require.NoError(t, testDB.ParkDeadLetter(ctx, d), "re-parking the same message must be a no-op")

	letters, err := testDB.ListDeadLetters(ctx, "acme", 1000)
	require.NoError(t, err)
	var count int
	for _, l := range letters {
		if l.MessageID == msgID {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestAPIKeys_HashLookupAndRevoke(t *testing.T) {
	ctx := context.Background()
	raw := "rk_" + uuid.NewString()

	key, err := testDB.CreateAPIKey(ctx, storage.APIKey{
		TenantID: "acme",
		KeyHash:  storage.HashAPIKey(raw),
		Label:    "dashboard",
	})
	require.NoError(t, err)

	got, err := testDB.GetAPIKeyByHash(ctx, storage.HashAPIKey(raw))
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)
	require.NotNil(t, got.LastUsedAt)

	require.NoError(t, testDB.RevokeAPIKey(ctx, "acme", key.ID))
	_, err = testDB.GetAPIKeyByHash(ctx, storage.HashAPIKey(raw))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRetention_PurgesOnlyClosedExceptions(t *testing.T) {
	ctx := context.Background()
	closedID := "EXC-closed-" + uuid.NewString()[:8]
	openID := "EXC-open-" + uuid.NewString()[:8]

	_, err := testDB.AppendEvents(ctx, "retain-co", closedID, 0, "msg-c1",
		[]model.PendingEvent{pending(model.EventExceptionNormalized, map[string]any{"exception_type": "X"})})
	require.NoError(t, err)
	_, err = testDB.AppendEvents(ctx, "retain-co", closedID, 1, "msg-c2",
		[]model.PendingEvent{pending(model.EventExceptionEscalated, map[string]any{"reason": "r", "reason_code": "TOOL_UNAVAILABLE"})})
	require.NoError(t, err)

	_, err = testDB.AppendEvents(ctx, "retain-co", openID, 0, "msg-o1",
		[]model.PendingEvent{pending(model.EventExceptionNormalized, map[string]any{"exception_type": "X"})})
	require.NoError(t, err)

	// Age both histories past the cutoff.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE domain_events SET created_at = now() - interval '100 days' WHERE tenant_id = 'retain-co'`)
	require.NoError(t, err)

	res, err := testDB.PurgeClosedExceptions(ctx, "retain-co", time.Now().UTC().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Exceptions)
	assert.Equal(t, int64(2), res.Events)

	// The open exception survives.
	events, err := testDB.LoadEvents(ctx, "retain-co", openID)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	gone, err := testDB.LoadEvents(ctx, "retain-co", closedID)
	require.NoError(t, err)
	assert.Empty(t, gone)
}
