package model

import (
	"time"

	"github.com/google/uuid"
)

// ToolScope says whether a tool definition applies platform-wide or to a
// single tenant.
type ToolScope string

const (
	ToolScopeGlobal ToolScope = "global"
	ToolScopeTenant ToolScope = "tenant"
)

// ToolDefinition is the read-only description of one invocable HTTP tool,
// sourced from the active config snapshot.
type ToolDefinition struct {
	ToolID       string            `json:"tool_id"`
	TenantScope  ToolScope         `json:"tenant_scope"`
	Endpoint     string            `json:"endpoint"`
	Method       string            `json:"method,omitempty"` // defaults to POST
	TimeoutMs    int               `json:"timeout_ms"`
	MaxRetries   int               `json:"max_retries"`
	AllowListed  bool              `json:"allow_listed"`
	InputSchema  map[string]any    `json:"input_schema,omitempty"`
	OutputSchema map[string]any    `json:"output_schema,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// Timeout returns the per-attempt timeout, with a floor so a zero or
// malformed definition cannot disable the deadline entirely.
func (d ToolDefinition) Timeout() time.Duration {
	if d.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// ExecStatus is the final status of a tool invocation attempt set.
type ExecStatus string

const (
	ExecSucceeded   ExecStatus = "SUCCEEDED"
	ExecFailed      ExecStatus = "FAILED"
	ExecCircuitOpen ExecStatus = "CIRCUIT_OPEN"
	ExecTimedOut    ExecStatus = "TIMED_OUT"
)

// ToolExecutionRecord is the append-only record of one invocation attempt
// set. Request and response bodies are redacted before they reach here.
type ToolExecutionRecord struct {
	ExecutionID      uuid.UUID  `json:"execution_id"`
	ToolID           string     `json:"tool_id"`
	TenantID         string     `json:"tenant_id"`
	ExceptionID      string     `json:"exception_id"`
	AttemptCount     int        `json:"attempt_count"`
	FinalStatus      ExecStatus `json:"final_status"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	RedactedRequest  []byte     `json:"redacted_request,omitempty"`
	RedactedResponse []byte     `json:"redacted_response,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      time.Time  `json:"completed_at"`
}
