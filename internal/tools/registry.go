// Package tools implements the tool registry and execution context
// described in the specification's tool registry section: tools are
// registered by name with a JSON-Schema for parameters, and the
// execution context's named values are injected into a handler's
// arguments unless the model already supplied a value under that name.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/chorus/pkg/models"
)

// MaxToolNameLength bounds a tool-call name to guard against pathological input.
const MaxToolNameLength = 256

// MaxArgsSize bounds the serialized size of a tool call's arguments.
const MaxArgsSize = 10 << 20 // 10 MiB

// ExecutionContext carries the ambient values a tool handler may ask
// for instead of receiving them from the model: workspace, permission
// profile, agent identity, and the handful of optional runtime
// collaborators a handler needs to reach (the durable store, the
// process supervisor, a branch id, the chat bot client).
type ExecutionContext struct {
	Workspace         string
	Profile           *models.PermissionProfile
	AgentName         string
	ChorusHome        string
	IsAdmin           bool
	Store             any
	HostExecution     bool
	ProcessSupervisor any
	BranchID          *int
	Bot               any

	// HookDispatcher, when set, lets a tool start new timeout watchers
	// after adding callbacks to a running process (§4.9/§4.8).
	HookDispatcher any

	// CallbackComplete, when set, is a callbackbuilder.CompleteFunc a
	// tool can use to turn natural-language hook instructions into
	// structured callbacks via a sub-agent call.
	CallbackComplete any
}

// values returns the named context values available for injection.
// Keys match the context-parameter names a Tool declares in ContextParams.
func (c ExecutionContext) values() map[string]any {
	v := map[string]any{
		"workspace":      c.Workspace,
		"profile":        c.Profile,
		"agent_name":     c.AgentName,
		"is_admin":       c.IsAdmin,
		"host_execution": c.HostExecution,
		"chorus_home":    c.ChorusHome,
	}
	if c.Store != nil {
		v["store"] = c.Store
	}
	if c.ProcessSupervisor != nil {
		v["process_supervisor"] = c.ProcessSupervisor
	}
	if c.BranchID != nil {
		v["branch_id"] = *c.BranchID
	}
	if c.Bot != nil {
		v["bot"] = c.Bot
	}
	if c.HookDispatcher != nil {
		v["hook_dispatcher"] = c.HookDispatcher
	}
	if c.CallbackComplete != nil {
		v["callback_complete"] = c.CallbackComplete
	}
	return v
}

type entry struct {
	tool   models.Tool
	schema *jsonschema.Schema
}

// Registry stores tool definitions by name and validates/dispatches
// calls against their JSON-Schema.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register compiles the tool's JSON-Schema and adds it to the registry,
// replacing any existing tool with the same name.
func (r *Registry) Register(tool models.Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tools: tool name is required")
	}
	schemaDoc := tool.Parameters
	if schemaDoc == nil {
		schemaDoc = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return fmt.Errorf("tools: marshal schema for %q: %w", tool.Name, err)
	}

	resourceName := tool.Name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceName, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("tools: add schema resource for %q: %w", tool.Name, err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("tools: compile schema for %q: %w", tool.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = entry{tool: tool, schema: compiled}
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (models.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// List returns every registered tool, in no particular order.
func (r *Registry) List() []models.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool)
	}
	return out
}

// ErrorResult renders a structured tool error as the JSON object
// `{"error": "..."}` the tool loop recognizes as a failed call.
func ErrorResult(format string, a ...any) string {
	msg := fmt.Sprintf(format, a...)
	raw, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return `{"error":"internal error formatting tool error"}`
	}
	return string(raw)
}

// Execute validates args against the tool's schema, injects context
// parameters, and runs the handler. It never returns a Go error for a
// tool-level failure — those are encoded as `{"error": ...}` JSON
// strings so the model can see and react to them.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, execCtx ExecutionContext) string {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ErrorResult("Unknown tool: %s", name)
	}
	if len(name) > MaxToolNameLength {
		return ErrorResult("tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}
	if args == nil {
		args = map[string]any{}
	}
	if raw, err := json.Marshal(args); err == nil && len(raw) > MaxArgsSize {
		return ErrorResult("tool arguments exceed maximum size of %d bytes", MaxArgsSize)
	}

	if err := validateArgs(e.tool.Parameters, e.schema, args); err != nil {
		return ErrorResult("%s", err.Error())
	}

	merged := mergeContext(args, execCtx.values(), e.tool.ContextParams)

	result, err := e.tool.Handler(ctx, merged)
	if err != nil {
		return ErrorResult(
			"%s\n\nProvided arguments: %s; Expected parameters: %s",
			err.Error(), jsonString(args), jsonString(e.tool.Parameters),
		)
	}
	return result
}

// validateArgs reports the first missing required field by name, type,
// and description, then falls back to full schema validation for type
// and shape errors once every required field is present.
func validateArgs(schemaDoc map[string]any, schema *jsonschema.Schema, args map[string]any) error {
	if err := checkRequired(schemaDoc, args); err != nil {
		return err
	}
	if schema == nil {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func checkRequired(schemaDoc map[string]any, args map[string]any) error {
	if schemaDoc == nil {
		return nil
	}
	required, _ := schemaDoc["required"].([]any)
	if len(required) == 0 {
		return nil
	}
	props, _ := schemaDoc["properties"].(map[string]any)
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := args[name]; present {
			continue
		}
		typ, desc := "unknown", ""
		if props != nil {
			if pm, ok := props[name].(map[string]any); ok {
				if t, ok := pm["type"].(string); ok {
					typ = t
				}
				if d, ok := pm["description"].(string); ok {
					desc = d
				}
			}
		}
		if desc == "" {
			return fmt.Errorf("missing required parameter %q (type: %s)", name, typ)
		}
		return fmt.Errorf("missing required parameter %q (type: %s): %s", name, typ, desc)
	}
	return nil
}

// mergeContext layers context values under the model's arguments: a
// name present in both is resolved in favor of the model's value.
func mergeContext(modelArgs map[string]any, ctxValues map[string]any, contextParams []string) map[string]any {
	merged := make(map[string]any, len(modelArgs)+len(contextParams))
	for k, v := range modelArgs {
		merged[k] = v
	}
	for _, name := range contextParams {
		if _, present := merged[name]; present {
			continue
		}
		if v, ok := ctxValues[name]; ok {
			merged[name] = v
		}
	}
	return merged
}

func jsonString(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
