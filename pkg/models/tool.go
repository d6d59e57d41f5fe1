package models

import "context"

// ToolHandler executes a tool call. args contains both model-supplied
// arguments and context parameters injected by the registry (§4.2); the
// model's value always wins on a name collision.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a named, JSON-Schema-described capability the model can invoke.
// Parameters is a JSON-Schema document (compiled once at registration).
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     ToolHandler

	// ContextParams names the handler's formal parameters that should be
	// satisfied from the execution context rather than the model's
	// arguments object (§4.2). Go has no runtime parameter-name
	// introspection, so this is declared explicitly at registration
	// instead of derived from a handler's signature.
	ContextParams []string
}
