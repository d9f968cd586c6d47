// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripThinking(t *testing.T) {
	in := "<think>maybe call save_code\nor not</think>\nI will use analyze_stock."
	assert.Equal(t, "I will use analyze_stock.", stripThinking(in))
	assert.Equal(t, "plain", stripThinking("  plain "))
}

func TestTextSystemPrompt(t *testing.T) {
	tools := []ToolDefinition{
		{Name: "analyze_stock", Description: "Generate analysis code"},
		{Name: "run_code_and_show_plot", Description: " Run the saved code "},
	}

	prompt := textSystemPrompt("You are a financial analyst.", tools)

	assert.True(t, strings.HasPrefix(prompt, "You are a financial analyst.\n\n"))
	assert.Contains(t, prompt, "- analyze_stock: Generate analysis code")
	assert.Contains(t, prompt, "- run_code_and_show_plot: Run the saved code")
	assert.Equal(t, "base", textSystemPrompt("base", nil))
}

func TestTextProvider_CreateCompletion(t *testing.T) {
	srv, captured := chatServer(t, `{"role":"assistant","content":"<think>save_code?</think>Running analyze_stock now."}`)

	p := NewTextProvider("", srv.URL, option.WithMaxRetries(0))
	resp, err := p.CreateCompletion(context.Background(),
		CompletionOptions{Model: "deepseek-r1:7b", MaxTokens: 100},
		[]Message{
			{Role: RoleUser, Content: "Plot TSLA"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "kw_1", Name: "analyze_stock"}}},
			{Role: RoleTool, Content: "import yfinance", ToolCallID: "kw_1"},
		},
		[]ToolDefinition{{Name: "analyze_stock", Description: "Generate analysis code"}})
	require.NoError(t, err)

	require.Len(t, resp.Blocks, 1)
	assert.Equal(t, "Running analyze_stock now.", resp.Text())
	assert.Empty(t, resp.ToolCalls())

	msgs, _ := (*captured)["messages"].([]interface{})
	require.Len(t, msgs, 4)
	system := msgs[0].(map[string]interface{})
	assert.Equal(t, "system", system["role"])
	assert.Contains(t, system["content"], "analyze_stock")
	// Tool output reaches a tool-less model as user text.
	last := msgs[3].(map[string]interface{})
	assert.Equal(t, "user", last["role"])
	assert.Nil(t, (*captured)["tools"])
}
