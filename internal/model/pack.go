package model

// SeverityRule maps exception types to a severity inside a domain pack.
type SeverityRule struct {
	MatchType string `json:"match_type"` // exact exception type
	Severity  string `json:"severity"`
}

// PlaybookStep is one step of a playbook. Steps that name a ToolID are
// executed through the tool engine; steps without one are informational
// and complete immediately.
type PlaybookStep struct {
	Name    string         `json:"name"`
	ToolID  string         `json:"tool_id,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	OnError string         `json:"on_error,omitempty"` // escalate (default) or continue
}

// Playbook is an ordered remediation recipe for a class of exceptions.
type Playbook struct {
	ID             int            `json:"id"`
	Name           string         `json:"name"`
	ExceptionTypes []string       `json:"exception_types"`
	Steps          []PlaybookStep `json:"steps"`
}

// DomainPack is the per-business-domain configuration: taxonomy, severity
// rules, playbooks, and tool definitions. Authored by the excluded pack
// management subsystem; the pipeline only ever reads it.
type DomainPack struct {
	Domain          string           `json:"domain"`
	Version         int              `json:"version"`
	ExceptionTypes  []string         `json:"exception_types"`
	SeverityRules   []SeverityRule   `json:"severity_rules"`
	DefaultSeverity string           `json:"default_severity"`
	Playbooks       []Playbook       `json:"playbooks"`
	Tools           []ToolDefinition `json:"tools"`
}

// TenantPolicyPack holds per-tenant guardrails layered over a domain pack.
type TenantPolicyPack struct {
	TenantID string `json:"tenant_id"`
	Version  int    `json:"version"`

	// SeverityOverrides take precedence over domain pack severity rules,
	// keyed by exact exception type.
	SeverityOverrides map[string]string `json:"custom_severity_overrides,omitempty"`

	// RequireHumanApprovalFor lists severities that always need a human
	// before resolution steps run.
	RequireHumanApprovalFor []string `json:"requireHumanApprovalFor,omitempty"`

	// ApprovalConfidenceThreshold forces approval when the policy agent's
	// confidence falls below it, regardless of severity.
	ApprovalConfidenceThreshold float64 `json:"approval_confidence_threshold,omitempty"`

	// AutoExecuteSeverities lists severities whose playbook steps the
	// engine executes without a human completing each step. Severities
	// not listed run in manual step mode.
	AutoExecuteSeverities []string `json:"autoExecuteSeverities,omitempty"`

	// ToolAllowList names the tools this tenant may invoke. A nil list
	// means no tools are allowed; allow-listing is explicit.
	ToolAllowList []string `json:"tool_allow_list,omitempty"`

	// RetentionDays bounds how long closed exceptions are kept. Zero
	// means the deployment default applies.
	RetentionDays int `json:"retention_days,omitempty"`
}

// ConfigSnapshot is an immutable resolved view of the active domain pack
// and tenant policy pack for one (tenant, domain). Safe for concurrent
// read-only use.
type ConfigSnapshot struct {
	TenantID string           `json:"tenant_id"`
	Domain   string           `json:"domain"`
	Version  int              `json:"version"`
	Pack     DomainPack       `json:"domain_pack"`
	Policy   TenantPolicyPack `json:"tenant_policy_pack"`
}

// ToolAllowed reports whether a tool is allow-listed for the tenant.
func (s *ConfigSnapshot) ToolAllowed(toolID string) bool {
	for _, id := range s.Policy.ToolAllowList {
		if id == toolID {
			return true
		}
	}
	return false
}

// Tool looks up a tool definition by id.
func (s *ConfigSnapshot) Tool(toolID string) (ToolDefinition, bool) {
	for _, t := range s.Pack.Tools {
		if t.ToolID == toolID {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

// Playbook looks up a playbook by id.
func (s *ConfigSnapshot) Playbook(id int) (Playbook, bool) {
	for _, p := range s.Pack.Playbooks {
		if p.ID == id {
			return p, true
		}
	}
	return Playbook{}, false
}

// MatchPlaybook returns the first playbook whose exception types include
// exceptionType.
func (s *ConfigSnapshot) MatchPlaybook(exceptionType string) (Playbook, bool) {
	for _, p := range s.Pack.Playbooks {
		for _, t := range p.ExceptionTypes {
			if t == exceptionType {
				return p, true
			}
		}
	}
	return Playbook{}, false
}

// ResolveSeverity applies the severity precedence order: tenant override
// exact match, then domain pack rule match, then domain pack default.
// The returned source is one of tenant_override, domain_rule, or
// domain_default.
func (s *ConfigSnapshot) ResolveSeverity(exceptionType string) (severity, source string) {
	if sev, ok := s.Policy.SeverityOverrides[exceptionType]; ok {
		return sev, "tenant_override"
	}
	for _, r := range s.Pack.SeverityRules {
		if r.MatchType == exceptionType {
			return r.Severity, "domain_rule"
		}
	}
	return s.Pack.DefaultSeverity, "domain_default"
}

// RequiresApproval applies the approval predicate: severity listed in
// RequireHumanApprovalFor, or confidence below the tenant threshold.
func (s *ConfigSnapshot) RequiresApproval(severity string, confidence float64) bool {
	for _, sev := range s.Policy.RequireHumanApprovalFor {
		if sev == severity {
			return true
		}
	}
	return s.Policy.ApprovalConfidenceThreshold > 0 && confidence < s.Policy.ApprovalConfidenceThreshold
}

// AutoExecute reports whether playbook steps run engine-gated for the
// given severity.
func (s *ConfigSnapshot) AutoExecute(severity string) bool {
	for _, sev := range s.Policy.AutoExecuteSeverities {
		if sev == severity {
			return true
		}
	}
	return false
}
