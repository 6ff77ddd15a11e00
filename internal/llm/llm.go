// Package llm defines the model-call boundary for the agent runner. The
// runner only needs one capability: given a transcript and a tool catalog,
// produce the next assistant step.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Message is one transcript entry. Assistant messages may carry tool calls;
// tool messages answer one by ToolCallID.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ToolSpec advertises a callable tool. Parameters is a JSON Schema document.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is one model call.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// Step is the model's reply: free text, tool calls, or both. An empty step
// (no text, no calls) means the model considers itself done.
type Step struct {
	Text  string
	Calls []ToolCall
}

// Client produces the next step of an agent run.
type Client interface {
	Next(ctx context.Context, req Request) (*Step, error)
}

// ModelCallError wraps a transport or provider failure on a model call.
type ModelCallError struct {
	Model string
	Err   error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model call (%s): %v", e.Model, e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }
