// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"strings"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolDefinition is a provider-agnostic representation of a tool that can be
// offered to an LLM during a chat completion.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ToolCall represents a single tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message is a provider-agnostic chat message.
type Message struct {
	Role       string     // "user", "assistant", "tool"
	Content    string     // text content
	ToolCalls  []ToolCall // tool calls requested by the assistant
	ToolCallID string     // set when Role == "tool" to correlate with a ToolCall
}

// CompletionOptions are the generation settings for one completion call.
type CompletionOptions struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	// System is an optional system-level instruction (empty to omit).
	System string
}

// Block is one element of a completion response. It is implemented only by
// TextBlock and ToolUseBlock.
type Block interface {
	isBlock()
}

// TextBlock is generated prose.
type TextBlock struct {
	Text string
}

// ToolUseBlock is a request to invoke a tool.
type ToolUseBlock struct {
	Call ToolCall
}

func (TextBlock) isBlock()    {}
func (ToolUseBlock) isBlock() {}

// Completion is a response from a ChatProvider: text and tool-use blocks in
// emission order.
type Completion struct {
	Blocks []Block
}

// Text joins all text blocks with newlines.
func (c *Completion) Text() string {
	var parts []string
	for _, b := range c.Blocks {
		if tb, ok := b.(TextBlock); ok && tb.Text != "" {
			parts = append(parts, tb.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToolCalls returns the tool-use requests in order.
func (c *Completion) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range c.Blocks {
		if tu, ok := b.(ToolUseBlock); ok {
			calls = append(calls, tu.Call)
		}
	}
	return calls
}

// ChatProvider abstracts a chat-completion backend so the orchestrator can
// work with any LLM provider. Implementations must not mutate messages.
type ChatProvider interface {
	// Name identifies the backend in logs and errors.
	Name() string
	CreateCompletion(ctx context.Context, opts CompletionOptions, messages []Message, tools []ToolDefinition) (*Completion, error)
}
