// Package provider abstracts the external agent providers that execute work
// on behalf of team members. The core only depends on the streaming chat
// interface plus a health check and a capabilities descriptor; concrete
// transports live behind it.
package provider

import (
	"context"
	"errors"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrProviderUnavailable reports a provider that failed its health check or
// refused the connection.
var ErrProviderUnavailable = errors.New("provider unavailable")

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSpec describes a tool the provider may invoke.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema string `json:"input_schema,omitempty"`
}

// ToolUse is a provider-initiated tool invocation inside a stream.
type ToolUse struct {
	Name  string `json:"name"`
	Input string `json:"input"`
}

// Usage is the token accounting a provider reports, usually on the final
// chunk.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chunk is one streamed fragment of a provider response.
type Chunk struct {
	DeltaText string   `json:"delta_text,omitempty"`
	ToolUse   *ToolUse `json:"tool_use,omitempty"`
	Usage     *Usage   `json:"usage,omitempty"`
	Final     bool     `json:"final,omitempty"`
}

// ChatRequest is one streaming chat call.
type ChatRequest struct {
	Messages  []Message  `json:"messages"`
	MaxTokens int        `json:"max_tokens,omitempty"`
	Tools     []ToolSpec `json:"tools,omitempty"`
}

// Capabilities describes what a provider can do.
type Capabilities struct {
	Name             string `json:"name"`
	Model            string `json:"model"`
	SupportsTools    bool   `json:"supports_tools"`
	MaxContextTokens int    `json:"max_context_tokens"`
}

// AgentProvider is the contract every provider transport satisfies. Chat
// returns a chunk channel and an error channel; both close when the stream
// ends. A value on the error channel terminates the stream.
type AgentProvider interface {
	Chat(ctx context.Context, req ChatRequest) (<-chan Chunk, <-chan error)
	HealthCheck(ctx context.Context) error
	Capabilities(ctx context.Context) (*Capabilities, error)
}

// Collect drains a chat stream into the concatenated text, the final usage,
// and the first error. Convenience for callers that do not need streaming.
func Collect(chunks <-chan Chunk, errs <-chan error) (string, *Usage, error) {
	var text string
	var usage *Usage
	for chunk := range chunks {
		text += chunk.DeltaText
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}
	if err := <-errs; err != nil {
		return text, usage, err
	}
	return text, usage, nil
}
