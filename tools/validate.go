package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateArguments validates parsed tool-call arguments against def's JSON
// Schema, if one is registered. A tool with no schema is not validated.
// Returns a descriptive error suitable for publishing
// as an error event when validation fails.
func ValidateArguments(def Definition, arguments any) error {
	if len(def.Schema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(def.Name, bytes.NewReader(def.Schema)); err != nil {
		return fmt.Errorf("tools: compile schema for %q: %w", def.Name, err)
	}
	schema, err := compiler.Compile(def.Name)
	if err != nil {
		return fmt.Errorf("tools: compile schema for %q: %w", def.Name, err)
	}

	// jsonschema/v6 validates against decoded JSON values (map[string]any,
	// []any, ...), not arbitrary Go structs, so round-trip through JSON.
	raw, err := json.Marshal(arguments)
	if err != nil {
		return fmt.Errorf("tools: marshal arguments for %q: %w", def.Name, err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("tools: decode arguments for %q: %w", def.Name, err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("tools: arguments for %q failed validation: %w", def.Name, err)
	}
	return nil
}
