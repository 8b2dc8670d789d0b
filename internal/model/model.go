// Package model abstracts the external language-model service behind a small
// provider-neutral chat interface with tool calling. Adapters exist for the
// Anthropic Messages API and the OpenAI Chat Completions API; the agent loop
// never branches on the provider.
package model

import "context"

// Roles used in conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a function invocation requested by the model, unified across
// providers.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded argument object
}

// ToolDefinition declaratively exposes a callable tool to the model.
// Parameters is a minimal JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Message is one turn of the accumulated conversation.
//
// Role RoleAssistant may carry ToolCalls alongside text; Role RoleTool
// carries the result of a single earlier tool call, correlated by ToolCallID.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
	ToolName   string     `json:"toolName,omitempty"`
	IsError    bool       `json:"isError,omitempty"`
}

// Request is one model turn: system framing, conversation so far, and the
// tools the model may call.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition
}

// Response is the model's answer to a single turn: either free text (a
// candidate final answer) or one or more tool calls to execute first.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
}

// Client is the calling contract the agent engine depends on. A Chat error is
// fatal to the surrounding loop; transient tool failures are handled one
// level up by narrating them back into the conversation.
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}
