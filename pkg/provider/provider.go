// Package provider implements the uniform synchronous call surface over
// heterogeneous model backends: a gRPC-backed local streaming endpoint
// and any number of HTTP chat-completions providers (OpenAI, Anthropic,
// Perplexity, Nvidia, OpenClaw-compatible).
//
// Grounded on the teacher's pkg/model package for the Request/Response/
// Usage/FinishReason shape (model.go) and pkg/model/openai for the
// HTTP client's header/timeout/retry posture, generalized to the
// spec's single blocking Generate/GenerateStream contract instead of
// the teacher's iter.Seq2 streaming-by-default interface — the
// orchestration core's workflow engine is cooperatively sequential per
// request and needs a synchronous call, not an iterator.
package provider

import (
	"context"
	"errors"
)

// Role identifies the sender of a message passed to a provider.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is the minimal wire shape a provider needs: enough to render
// a chat-completions messages array without depending on the workflow
// engine's richer Message type.
type Message struct {
	Role       Role
	Content    string
	Name       string // tool name, set on RoleTool messages
	ToolCallID string // originating tool-call id, set on RoleTool messages
}

// ToolSchema is a provider-facing function/tool descriptor, shaped like
// the OpenAI function-calling schema.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request carries everything a Generate call needs.
type Request struct {
	Messages           []Message
	ToolSchemas        []ToolSchema
	Temperature        float64
	MaxTokens          int
	ResponseFormatJSON bool
}

// Usage reports token accounting for a single call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamToken is one chunk of a streamed generation.
type StreamToken struct {
	Text string
	Done bool
}

// Client is the uniform interface every provider implementation
// satisfies. Generate blocks until the full response is available;
// implementations that are natively async (e.g. the gRPC streaming
// local endpoint) adapt internally so the workflow engine, which is
// cooperatively sequential per request, never has to know the
// difference.
type Client interface {
	Generate(ctx context.Context, req Request) (text string, usage Usage, err error)
	GenerateStream(ctx context.Context, req Request) (<-chan StreamToken, error)
}

// Typed failure categories (spec §7's transient-external kind). The
// wrapper never retries; callers (the workflow engine or delegation
// manager) own retry policy.
var (
	ErrTimeout     = errors.New("provider: request timed out")
	ErrUnavailable = errors.New("provider: endpoint unavailable")
	ErrBadResponse = errors.New("provider: malformed response")
)
