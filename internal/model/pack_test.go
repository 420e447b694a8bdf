package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/resolvd-ai/resolvd/internal/model"
)

func snapshotFixture() *model.ConfigSnapshot {
	return &model.ConfigSnapshot{
		TenantID: "acme",
		Domain:   "finance",
		Version:  3,
		Pack: model.DomainPack{
			Domain:          "finance",
			DefaultSeverity: "MEDIUM",
			SeverityRules: []model.SeverityRule{
				{MatchType: "FIN_SETTLEMENT_FAIL", Severity: "HIGH"},
				{MatchType: "FIN_DUP_PAYMENT", Severity: "CRITICAL"},
			},
			Playbooks: []model.Playbook{
				{ID: 7, Name: "retry settlement", ExceptionTypes: []string{"FIN_SETTLEMENT_FAIL"},
					Steps: []model.PlaybookStep{{Name: "retry", ToolID: "retry_settlement"}}},
			},
			Tools: []model.ToolDefinition{
				{ToolID: "retry_settlement", Endpoint: "https://tools.internal/settle", TimeoutMs: 2000, MaxRetries: 3},
			},
		},
		Policy: model.TenantPolicyPack{
			TenantID:                    "acme",
			SeverityOverrides:           map[string]string{"FIN_SETTLEMENT_FAIL": "LOW"},
			RequireHumanApprovalFor:     []string{"CRITICAL"},
			ApprovalConfidenceThreshold: 0.5,
			AutoExecuteSeverities:       []string{"LOW"},
			ToolAllowList:               []string{"retry_settlement"},
		},
	}
}

func TestResolveSeverity_TenantOverrideWins(t *testing.T) {
	snap := snapshotFixture()

	// Tenant override beats the conflicting domain rule (HIGH).
	sev, src := snap.ResolveSeverity("FIN_SETTLEMENT_FAIL")
	assert.Equal(t, "LOW", sev)
	assert.Equal(t, "tenant_override", src)

	sev, src = snap.ResolveSeverity("FIN_DUP_PAYMENT")
	assert.Equal(t, "CRITICAL", sev)
	assert.Equal(t, "domain_rule", src)

	sev, src = snap.ResolveSeverity("FIN_UNKNOWN")
	assert.Equal(t, "MEDIUM", sev)
	assert.Equal(t, "domain_default", src)
}

func TestRequiresApproval(t *testing.T) {
	snap := snapshotFixture()

	assert.True(t, snap.RequiresApproval("CRITICAL", 0.99), "listed severity always needs approval")
	assert.True(t, snap.RequiresApproval("LOW", 0.3), "low confidence forces approval")
	assert.False(t, snap.RequiresApproval("LOW", 0.9))
}

func TestToolAllowList_IsExplicit(t *testing.T) {
	snap := snapshotFixture()
	assert.True(t, snap.ToolAllowed("retry_settlement"))
	assert.False(t, snap.ToolAllowed("delete_everything"))

	snap.Policy.ToolAllowList = nil
	assert.False(t, snap.ToolAllowed("retry_settlement"), "nil allow-list means nothing is allowed")
}

func TestMatchPlaybook(t *testing.T) {
	snap := snapshotFixture()

	pb, ok := snap.MatchPlaybook("FIN_SETTLEMENT_FAIL")
	assert.True(t, ok)
	assert.Equal(t, 7, pb.ID)

	_, ok = snap.MatchPlaybook("FIN_UNKNOWN")
	assert.False(t, ok)
}

func TestAutoExecute(t *testing.T) {
	snap := snapshotFixture()
	assert.True(t, snap.AutoExecute("LOW"))
	assert.False(t, snap.AutoExecute("HIGH"))
}
