// Package stage holds the pipeline's stage agents. Each agent turns an
// inbound message plus the exception's current state into a StageDecision;
// appending events and publishing follow-up messages stays with the
// orchestrator. Agents are pure with respect to their inputs, except the
// resolution agent's tool engine and the triage agent's optional
// similarity searcher.
package stage

import (
	"context"
	"encoding/json"

	"github.com/resolvd-ai/resolvd/internal/model"
)

// Input is what the inbound broker message contributed to this dispatch.
type Input struct {
	EventType model.EventType
	Payload   map[string]any
}

// Agent processes one dispatch for its stage.
type Agent interface {
	Stage() model.Stage
	Process(ctx context.Context, agg model.ExceptionAggregate, snap *model.ConfigSnapshot, in Input) (model.StageDecision, error)
}

// Registry maps target stages to their agents.
type Registry struct {
	agents map[model.Stage]Agent
}

// NewRegistry builds a registry from the given agents. Later agents for
// the same stage replace earlier ones.
func NewRegistry(agents ...Agent) *Registry {
	r := &Registry{agents: make(map[model.Stage]Agent, len(agents))}
	for _, a := range agents {
		r.agents[a.Stage()] = a
	}
	return r
}

// For returns the agent responsible for a stage.
func (r *Registry) For(s model.Stage) (Agent, bool) {
	a, ok := r.agents[s]
	return a, ok
}

// payloadMap converts a typed payload struct into the generic map shape
// events carry, round-tripping through JSON so field names follow the
// struct tags.
func payloadMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
