// Package tools implements the adapters the research agent may call during a
// job: CRM lookups, knowledge-base search, and web page retrieval. Every tool
// is an awaited I/O boundary with its own failure semantics; none of them is
// assumed synchronous-cheap.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is a named capability exposed to the agent. Implementations must be
// safe for concurrent use: the registry is shared read-only across jobs.
type Tool interface {
	// Name returns the unique identifier used in model tool declarations.
	Name() string

	// Description tells the model when and how to use the tool.
	Description() string

	// Parameters returns a minimal JSON Schema describing accepted arguments.
	Parameters() map[string]any

	// Call executes the tool. Errors are recoverable from the agent's point
	// of view: they are narrated back into the conversation, not fatal.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ToolError is a structured tool failure with a code for categorization.
type ToolError struct {
	Tool    string `json:"tool"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	CodeUnknownTool     = "UNKNOWN_TOOL"
	CodeValidationError = "VALIDATION_ERROR"
	CodeExecutionError  = "EXECUTION_ERROR"
)

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
}

// Registry maps tool names to implementations. It is built once at startup
// and never mutated afterwards, so no locking is needed.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry creates a registry over the given tools, preserving order for
// deterministic tool declarations.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, exists := r.tools[t.Name()]; exists {
			continue
		}
		r.tools[t.Name()] = t
		r.order = append(r.order, t.Name())
	}
	return r
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools in registration order.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Execute looks up a tool by name, decodes its JSON arguments and runs it.
// Failures come back as *ToolError so callers can narrate them uniformly.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) (any, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, &ToolError{Tool: name, Code: CodeUnknownTool, Message: "no such tool"}
	}

	args := make(map[string]any)
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return nil, &ToolError{Tool: name, Code: CodeValidationError, Message: fmt.Sprintf("invalid arguments: %v", err)}
		}
	}

	result, err := t.Call(ctx, args)
	if err != nil {
		if toolErr, ok := err.(*ToolError); ok {
			return nil, toolErr
		}
		return nil, &ToolError{Tool: name, Code: CodeExecutionError, Message: err.Error()}
	}
	return result, nil
}

// stringArg extracts a required string argument.
func stringArg(tool string, args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", &ToolError{Tool: tool, Code: CodeValidationError, Message: key + " is required"}
	}
	return v, nil
}

// intArg extracts an optional numeric argument with a default and upper bound.
func intArg(args map[string]any, key string, def, max int) int {
	f, ok := args[key].(float64)
	if !ok {
		return def
	}
	n := int(f)
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
