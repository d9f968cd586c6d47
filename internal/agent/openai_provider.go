// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"fmt"

	"github.com/jolks/mcp-finance/internal/errors"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIProvider implements ChatProvider using the OpenAI SDK with native
// tool calling.
// It supports any OpenAI-compatible endpoint (OpenAI, Ollama, vLLM, Groq, etc.)
// via a configurable base URL.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a new OpenAI-backed ChatProvider.
// If baseURL is non-empty it overrides the default API endpoint, which allows
// pointing at any OpenAI-compatible server.
func NewOpenAIProvider(apiKey string, baseURL string, extra ...option.RequestOption) *OpenAIProvider {
	return &OpenAIProvider{client: newOpenAIClient(apiKey, baseURL, extra...)}
}

func newOpenAIClient(apiKey string, baseURL string, extra ...option.RequestOption) *openai.Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, extra...)
	client := openai.NewClient(opts...)
	return &client
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) CreateCompletion(ctx context.Context, opts CompletionOptions, messages []Message, tools []ToolDefinition) (*Completion, error) {
	oaiMsgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if opts.System != "" {
		oaiMsgs = append(oaiMsgs, openai.SystemMessage(opts.System))
	}
	for _, m := range messages {
		oaiMsgs = append(oaiMsgs, toOpenAIMessage(m))
	}

	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(opts.Model),
		Messages:            oaiMsgs,
		MaxCompletionTokens: openai.Int(opts.MaxTokens),
		Temperature:         openai.Float(opts.Temperature),
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.CompletionBackend(p.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.CompletionBackend(p.Name(), fmt.Errorf("response contained no choices"))
	}
	return fromOpenAIMessage(resp.Choices[0].Message), nil
}

// toOpenAITools converts provider-agnostic tool definitions to the OpenAI SDK
// representation.
func toOpenAITools(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(withPlaceholderProperty(t.Parameters)),
			},
		}
	}
	return out
}

// withPlaceholderProperty works around OpenAI rejecting object schemas with
// no properties by adding an optional dummy parameter. The input map is not
// modified.
func withPlaceholderProperty(schema map[string]interface{}) map[string]interface{} {
	props, _ := schema["properties"].(map[string]interface{})
	if len(props) > 0 {
		return schema
	}
	out := make(map[string]interface{}, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	if out["type"] == nil {
		out["type"] = "object"
	}
	out["properties"] = map[string]interface{}{
		"random_string": map[string]interface{}{
			"type":        "string",
			"description": "Dummy parameter for no-parameter tools",
		},
	}
	return out
}

// toOpenAIMessage converts a provider-agnostic Message to an OpenAI SDK message
// union.
func toOpenAIMessage(m Message) openai.ChatCompletionMessageParamUnion {
	switch m.Role {
	case RoleTool:
		if m.ToolCallID == "" {
			return openai.UserMessage(m.Content)
		}
		return openai.ToolMessage(m.Content, m.ToolCallID)
	case RoleUser:
		return openai.UserMessage(m.Content)
	default: // "assistant"
		asst := openai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = openai.String(m.Content)
		}
		if len(m.ToolCalls) > 0 {
			asst.ToolCalls = make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				asst.ToolCalls[i] = openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: args,
					},
				}
			}
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &asst}
	}
}

// fromOpenAIMessage converts an OpenAI SDK response message into a
// Completion. OpenAI returns at most one text part, which precedes the tool
// calls.
func fromOpenAIMessage(m openai.ChatCompletionMessage) *Completion {
	c := &Completion{}
	if m.Content != "" {
		c.Blocks = append(c.Blocks, TextBlock{Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		c.Blocks = append(c.Blocks, ToolUseBlock{Call: ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}})
	}
	return c
}
