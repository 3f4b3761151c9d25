// Package tools defines the seam between the tool executor and whatever
// external system actually performs tool invocations. Concrete tool
// implementations are out of scope for this runtime; Host is
// the minimal dispatch contract the call_tool executor needs.
package tools

import (
	"context"
	"encoding/json"

	"github.com/stepwise/agentrun/session"
)

// Host dispatches a single tool call to whatever system actually executes
// tools (a process-local registry, an RPC to a sidecar, an MCP server).
// The executor treats Host as opaque; it neither knows nor cares how a
// call is fulfilled.
type Host interface {
	// Invoke executes call and returns its result serialized as JSON, or an
	// error if the tool faulted. Invoke must not panic on malformed
	// arguments; validation happens before Invoke is called.
	Invoke(ctx context.Context, call session.ToolCall) (result json.RawMessage, err error)
}

// Definition describes a tool's calling contract, including the JSON
// Schema the executor validates a call's arguments against before
// dispatch.
type Definition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// DefinitionLookup resolves a tool name to its Definition, used by the
// executor to find the schema (if any) to validate against. A tool with no
// registered Definition, or one with an empty Schema, skips validation.
type DefinitionLookup interface {
	Lookup(name string) (Definition, bool)
}

// StaticDefinitions is a DefinitionLookup backed by a fixed map, suitable
// for hosts whose tool set is known at startup.
type StaticDefinitions map[string]Definition

// Lookup implements DefinitionLookup.
func (s StaticDefinitions) Lookup(name string) (Definition, bool) {
	d, ok := s[name]
	return d, ok
}
