// Package llm routes generation requests to model providers with a timeout
// race, one fallback hop and fail-safe results. Callers always receive a
// well-formed value; provider failures surface as structured errors inside
// the result, never as a panic or an unhandled error path.
package llm

import (
	"context"
	"encoding/json"
)

// Message is one prior conversation turn.
type Message struct {
	Role    string `json:"role"` // "user", "model", "system", "tool"
	Content string `json:"content"`
}

// ToolDef describes a tool offered to the model for this request.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Usage is normalized token accounting. Normalized is set when the provider
// omitted usage and zeros were substituted.
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	TotalTokens  int  `json:"total_tokens"`
	Normalized   bool `json:"normalized,omitempty"`
}

// Request is the provider-agnostic model input.
type Request struct {
	System   string    `json:"system,omitempty"`
	Prompt   string    `json:"prompt"`
	Messages []Message `json:"messages,omitempty"`
	Tools    []ToolDef `json:"tools,omitempty"`
}

// Response is one provider's raw answer before invoke-level normalization.
type Response struct {
	Text         string     `json:"text"`
	FinishReason string     `json:"finish_reason"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
}

// Provider generates a response on a concrete model.
type Provider interface {
	Name() string
	Generate(ctx context.Context, modelID string, req Request) (Response, error)
}
