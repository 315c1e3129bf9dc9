// Package model defines the provider-agnostic LLM client contract the AI
// planner drives its tool loop with. Provider adapters live under
// features/model; the planner depends only on this package.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrRateLimited wraps provider rate limiting signals so callers and
// middleware can back off without parsing provider errors.
var ErrRateLimited = errors.New("model provider rate limited")

// Role identifies the author of a conversation message.
type Role string

// Conversation roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation history sent to the provider.
// Assistant messages may carry tool calls; tool messages carry the result of
// a single call identified by ToolCallID.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a model-proposed tool invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolDefinition declares a tool to the provider: its name, a description the
// model reasons over, and the JSON schema of its arguments.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one completion request.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float32
}

// TokenUsage reports provider token accounting for one completion.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is the provider's reply: assistant text, proposed tool calls, and
// usage accounting.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      TokenUsage
	StopReason string
}

// Client completes conversations against an LLM provider.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
