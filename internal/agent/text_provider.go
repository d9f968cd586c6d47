// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jolks/mcp-finance/internal/errors"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

var thinkPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

// TextProvider implements ChatProvider for OpenAI-compatible models that are
// used without native tool calling (for example deepseek-r1 on Ollama). The
// tool catalog is described in the system prompt and the response is always a
// single text block; KeywordDetector decides which tools it asks for.
type TextProvider struct {
	client *openai.Client
}

// NewTextProvider creates a TextProvider for the endpoint at baseURL.
func NewTextProvider(apiKey string, baseURL string, extra ...option.RequestOption) *TextProvider {
	if apiKey == "" {
		// Local endpoints ignore the key but the SDK requires one.
		apiKey = "ollama"
	}
	return &TextProvider{client: newOpenAIClient(apiKey, baseURL, extra...)}
}

func (p *TextProvider) Name() string { return "text" }

func (p *TextProvider) CreateCompletion(ctx context.Context, opts CompletionOptions, messages []Message, tools []ToolDefinition) (*Completion, error) {
	oaiMsgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)+1)
	if system := textSystemPrompt(opts.System, tools); system != "" {
		oaiMsgs = append(oaiMsgs, openai.SystemMessage(system))
	}
	for _, m := range messages {
		oaiMsgs = append(oaiMsgs, toOpenAIMessage(Message{Role: plainRole(m.Role), Content: m.Content}))
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(opts.Model),
		Messages:            oaiMsgs,
		MaxCompletionTokens: openai.Int(opts.MaxTokens),
		Temperature:         openai.Float(opts.Temperature),
	})
	if err != nil {
		return nil, errors.CompletionBackend(p.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.CompletionBackend(p.Name(), fmt.Errorf("response contained no choices"))
	}
	return &Completion{Blocks: []Block{TextBlock{Text: stripThinking(resp.Choices[0].Message.Content)}}}, nil
}

func plainRole(role string) string {
	if role == RoleTool {
		return RoleUser
	}
	return role
}

// stripThinking removes <think> sections emitted by reasoning models so tool
// names mentioned while deliberating do not trigger calls.
func stripThinking(text string) string {
	return strings.TrimSpace(thinkPattern.ReplaceAllString(text, ""))
}

func textSystemPrompt(base string, tools []ToolDefinition) string {
	if len(tools) == 0 {
		return base
	}
	var b strings.Builder
	if base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}
	b.WriteString("You can use the following tools. To use one, write its exact name in your answer.\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, strings.TrimSpace(t.Description))
	}
	return strings.TrimRight(b.String(), "\n")
}
