package toolexec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateSchema compiles an inline JSON Schema document and validates
// the instance against it. Schemas come from config snapshots and are
// small, so compiling per call keeps the engine free of staleness when
// a pack is re-activated.
func validateSchema(schemaDoc map[string]any, instance any) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inline.json", schemaDoc); err != nil {
		return fmt.Errorf("toolexec: add schema resource: %w", err)
	}
	sch, err := c.Compile("inline.json")
	if err != nil {
		return fmt.Errorf("toolexec: compile schema: %w", err)
	}

	// Round-trip so Go-typed values (int, struct-sourced maps) become
	// the decoded-JSON shapes the validator expects.
	raw, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("toolexec: marshal instance: %w", err)
	}
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("toolexec: decode instance: %w", err)
	}

	if err := sch.Validate(decoded); err != nil {
		return fmt.Errorf("toolexec: validate: %w", err)
	}
	return nil
}
