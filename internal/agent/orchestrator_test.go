// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jolks/mcp-finance/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type toolCallRecord struct {
	name string
	args map[string]interface{}
}

type fakeTools struct {
	catalog  []ToolDefinition
	handlers map[string]func(args map[string]interface{}) (*ToolResult, error)
	calls    []toolCallRecord
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		catalog: financeCatalog(),
		handlers: map[string]func(map[string]interface{}) (*ToolResult, error){
			"analyze_stock": func(map[string]interface{}) (*ToolResult, error) {
				return &ToolResult{Content: "import yfinance as yf\nyf.download('TSLA')"}, nil
			},
			"save_code": func(map[string]interface{}) (*ToolResult, error) {
				return &ToolResult{Content: "Code saved to stock_analysis.py"}, nil
			},
			"run_code_and_show_plot": func(map[string]interface{}) (*ToolResult, error) {
				return &ToolResult{Content: "Chart window opened"}, nil
			},
		},
	}
}

func (f *fakeTools) ListTools(context.Context) ([]ToolDefinition, error) {
	return f.catalog, nil
}

func (f *fakeTools) CallTool(_ context.Context, name string, args map[string]interface{}) (*ToolResult, error) {
	f.calls = append(f.calls, toolCallRecord{name: name, args: args})
	h, ok := f.handlers[name]
	if !ok {
		return nil, errors.ToolInvocation(name, fmt.Errorf("unknown tool"))
	}
	return h(args)
}

func (f *fakeTools) called() []string {
	names := make([]string, len(f.calls))
	for i, c := range f.calls {
		names[i] = c.name
	}
	return names
}

// scriptedProvider returns its responses in order, then repeat (or an empty
// completion) forever. It snapshots every request.
type scriptedProvider struct {
	responses []*Completion
	repeat    *Completion
	err       error
	requests  [][]Message
	catalogs  [][]ToolDefinition
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) CreateCompletion(_ context.Context, _ CompletionOptions, messages []Message, tools []ToolDefinition) (*Completion, error) {
	p.requests = append(p.requests, append([]Message(nil), messages...))
	p.catalogs = append(p.catalogs, tools)
	if p.err != nil {
		return nil, errors.CompletionBackend(p.Name(), p.err)
	}
	if len(p.responses) > 0 {
		r := p.responses[0]
		p.responses = p.responses[1:]
		return r, nil
	}
	if p.repeat != nil {
		return p.repeat, nil
	}
	return &Completion{}, nil
}

func toolUse(id, name, args string) ToolUseBlock {
	return ToolUseBlock{Call: ToolCall{ID: id, Name: name, Arguments: args}}
}

func newTestOrchestrator(tools ToolBackend, provider ChatProvider, detector TriggerDetector, maxRounds int) *Orchestrator {
	return NewOrchestrator(tools, provider, detector, OrchestratorOptions{
		Policy: ToolPolicy{
			Analyze:  "analyze_stock",
			Save:     "save_code",
			Render:   "run_code_and_show_plot",
			QueryArg: "query",
			CodeArg:  "code",
		},
		MaxToolRounds: maxRounds,
	})
}

func TestProcessQueryAnalyzeSavesAndRendersOnce(t *testing.T) {
	tools := newFakeTools()
	provider := &scriptedProvider{responses: []*Completion{
		{Blocks: []Block{
			TextBlock{Text: "I'll analyze TSLA."},
			toolUse("toolu_1", "analyze_stock", `{"query":"TSLA 3-month"}`),
		}},
		{Blocks: []Block{TextBlock{Text: "Here is the 3-month chart."}}},
	}}
	o := newTestOrchestrator(tools, provider, nil, 0)

	out, err := o.ProcessQuery(context.Background(), "Plot TSLA 3-month")
	require.NoError(t, err)

	assert.Equal(t, strings.Join([]string{
		"I'll analyze TSLA.",
		"[Analyzing stock: TSLA 3-month]",
		"[Analysis code saved successfully]",
		"Here is the 3-month chart.",
		"[Chart generated and displayed automatically]",
	}, "\n"), out.Answer)
	assert.Equal(t, Flags{CodeSaved: true, PlotExecuted: true}, out.Flags)
	assert.Equal(t, 1, out.ToolRounds)

	assert.Equal(t, []string{"analyze_stock", "save_code", "run_code_and_show_plot"}, tools.called())
	assert.Equal(t, map[string]interface{}{"code": "import yfinance as yf\nyf.download('TSLA')"}, tools.calls[1].args)
	assert.Empty(t, tools.calls[2].args)
}

func TestProcessQueryToolResultFollowsCall(t *testing.T) {
	tools := newFakeTools()
	provider := &scriptedProvider{responses: []*Completion{
		{Blocks: []Block{
			TextBlock{Text: "Analyzing."},
			toolUse("toolu_1", "analyze_stock", `{"query":"AAPL"}`),
		}},
	}}
	o := newTestOrchestrator(tools, provider, nil, 0)

	out, err := o.ProcessQuery(context.Background(), "Analyze AAPL")
	require.NoError(t, err)

	require.Len(t, provider.requests, 2)
	assert.Equal(t, []Message{{Role: RoleUser, Content: "Analyze AAPL"}}, provider.requests[0])

	followUp := provider.requests[1]
	require.Len(t, followUp, 3)
	assert.Equal(t, RoleAssistant, followUp[1].Role)
	assert.Equal(t, "Analyzing.", followUp[1].Content)
	require.Len(t, followUp[1].ToolCalls, 1)
	assert.Equal(t, "toolu_1", followUp[1].ToolCalls[0].ID)
	assert.Equal(t, Message{Role: RoleTool, Content: "import yfinance as yf\nyf.download('TSLA')", ToolCallID: "toolu_1"}, followUp[2])

	assert.Equal(t, followUp, out.Conversation)
	// Follow-ups are offered the catalog too.
	assert.Len(t, provider.catalogs[1], 3)
}

func TestProcessQueryAnalysisSoftFailureSkipsSave(t *testing.T) {
	tools := newFakeTools()
	tools.handlers["analyze_stock"] = func(map[string]interface{}) (*ToolResult, error) {
		return &ToolResult{Content: "Erro: unknown ticker XYZQ"}, nil
	}
	provider := &scriptedProvider{responses: []*Completion{
		{Blocks: []Block{toolUse("toolu_1", "analyze_stock", `{"query":"XYZQ"}`)}},
		{Blocks: []Block{TextBlock{Text: "That ticker does not exist."}}},
	}}
	o := newTestOrchestrator(tools, provider, nil, 0)

	out, err := o.ProcessQuery(context.Background(), "Plot XYZQ")
	require.NoError(t, err)

	assert.Equal(t, []string{"analyze_stock"}, tools.called())
	assert.Equal(t, Flags{}, out.Flags)
	assert.Equal(t, strings.Join([]string{
		"[Analyzing stock: XYZQ]",
		"[Erro: unknown ticker XYZQ]",
		"That ticker does not exist.",
	}, "\n"), out.Answer)
}

func TestProcessQuerySaveSoftFailure(t *testing.T) {
	tools := newFakeTools()
	tools.handlers["save_code"] = func(map[string]interface{}) (*ToolResult, error) {
		return &ToolResult{Content: "Erro: disk full", IsError: true}, nil
	}
	provider := &scriptedProvider{responses: []*Completion{
		{Blocks: []Block{toolUse("toolu_1", "analyze_stock", `{"query":"TSLA"}`)}},
	}}
	o := newTestOrchestrator(tools, provider, nil, 0)

	out, err := o.ProcessQuery(context.Background(), "Plot TSLA")
	require.NoError(t, err)

	assert.False(t, out.Flags.CodeSaved)
	assert.False(t, out.Flags.PlotExecuted)
	assert.Equal(t, []string{"analyze_stock", "save_code"}, tools.called())
	assert.Contains(t, out.Answer, "[Erro: disk full]")
	assert.NotContains(t, out.Answer, "saved successfully")
}

func TestProcessQueryRenderWithoutSavedCode(t *testing.T) {
	tools := newFakeTools()
	provider := &scriptedProvider{responses: []*Completion{
		{Blocks: []Block{toolUse("toolu_1", "run_code_and_show_plot", `{}`)}},
	}}
	o := newTestOrchestrator(tools, provider, nil, 0)

	out, err := o.ProcessQuery(context.Background(), "Show the chart")
	require.NoError(t, err)

	assert.Empty(t, tools.called())
	assert.Equal(t, Flags{}, out.Flags)
	assert.Equal(t, "[Erro: no code has been saved to execute]", out.Answer)
	require.Len(t, provider.requests, 2)
	assert.Equal(t, "Erro: no code has been saved to execute", provider.requests[1][2].Content)
}

func TestProcessQueryExplicitSaveAndRender(t *testing.T) {
	tools := newFakeTools()
	provider := &scriptedProvider{responses: []*Completion{
		{Blocks: []Block{
			toolUse("toolu_1", "save_code", `{"code":"print(1)"}`),
			toolUse("toolu_2", "run_code_and_show_plot", `{}`),
		}},
	}}
	o := newTestOrchestrator(tools, provider, nil, 0)

	out, err := o.ProcessQuery(context.Background(), "Save and plot")
	require.NoError(t, err)

	assert.Equal(t, []string{"save_code", "run_code_and_show_plot"}, tools.called())
	assert.Equal(t, Flags{CodeSaved: true, PlotExecuted: true}, out.Flags)
	assert.Equal(t, strings.Join([]string{
		"[Code saved to stock_analysis.py]",
		"[Chart generated and displayed]",
	}, "\n"), out.Answer)
	assert.Equal(t, 2, out.ToolRounds)
}

func TestProcessQueryFollowUpToolUseRunsBeforeRemainingBlocks(t *testing.T) {
	tools := newFakeTools()
	tools.handlers["get_quote"] = func(map[string]interface{}) (*ToolResult, error) {
		return &ToolResult{Content: "TSLA 250.10"}, nil
	}
	provider := &scriptedProvider{responses: []*Completion{
		{Blocks: []Block{
			toolUse("t1", "get_quote", `{}`),
			TextBlock{Text: "tail of first response"},
		}},
		{Blocks: []Block{
			TextBlock{Text: "quote received"},
			toolUse("t2", "get_quote", `{}`),
		}},
	}}
	o := newTestOrchestrator(tools, provider, nil, 0)

	out, err := o.ProcessQuery(context.Background(), "quote TSLA twice")
	require.NoError(t, err)

	assert.Equal(t, "quote received\ntail of first response", out.Answer)
	assert.Equal(t, []string{"get_quote", "get_quote"}, tools.called())
	assert.Len(t, provider.requests, 3)
}

func TestProcessQueryToolRoundLimit(t *testing.T) {
	tools := newFakeTools()
	tools.handlers["get_quote"] = func(map[string]interface{}) (*ToolResult, error) {
		return &ToolResult{Content: "250.10"}, nil
	}
	loop := &Completion{Blocks: []Block{toolUse("t", "get_quote", `{}`)}}
	provider := &scriptedProvider{responses: []*Completion{loop}, repeat: loop}
	o := newTestOrchestrator(tools, provider, nil, 2)

	out, err := o.ProcessQuery(context.Background(), "keep quoting")
	require.NoError(t, err)

	assert.Equal(t, 2, out.ToolRounds)
	assert.Len(t, tools.calls, 2)
	assert.Len(t, provider.requests, 3)
	assert.Contains(t, out.Answer, "tool call limit of 2 reached")
}

func TestProcessQueryToolInvocationErrorAborts(t *testing.T) {
	tools := newFakeTools()
	tools.handlers["analyze_stock"] = func(map[string]interface{}) (*ToolResult, error) {
		return nil, errors.ToolInvocation("analyze_stock", fmt.Errorf("connection reset"))
	}
	provider := &scriptedProvider{responses: []*Completion{
		{Blocks: []Block{toolUse("toolu_1", "analyze_stock", `{"query":"TSLA"}`)}},
	}}
	o := newTestOrchestrator(tools, provider, nil, 0)

	out, err := o.ProcessQuery(context.Background(), "Plot TSLA")

	require.Error(t, err)
	assert.Nil(t, out)
	var tie *errors.ToolInvocationError
	require.True(t, stderrors.As(err, &tie))
	assert.Equal(t, "analyze_stock", tie.Tool)
	assert.Len(t, provider.requests, 1)
}

func TestProcessQueryCompletionErrorAborts(t *testing.T) {
	provider := &scriptedProvider{err: fmt.Errorf("503 overloaded")}
	o := newTestOrchestrator(newFakeTools(), provider, nil, 0)

	_, err := o.ProcessQuery(context.Background(), "Plot TSLA")

	var cbe *errors.CompletionBackendError
	require.True(t, stderrors.As(err, &cbe))
	assert.Equal(t, "scripted", cbe.Provider)
}

func TestProcessQueryFinalRenderFailureIsAnnotated(t *testing.T) {
	tools := newFakeTools()
	tools.handlers["run_code_and_show_plot"] = func(map[string]interface{}) (*ToolResult, error) {
		return nil, errors.ToolInvocation("run_code_and_show_plot", fmt.Errorf("backend closed"))
	}
	provider := &scriptedProvider{responses: []*Completion{
		{Blocks: []Block{toolUse("toolu_1", "analyze_stock", `{"query":"TSLA"}`)}},
	}}
	o := newTestOrchestrator(tools, provider, nil, 0)

	out, err := o.ProcessQuery(context.Background(), "Plot TSLA")
	require.NoError(t, err)

	assert.True(t, out.Flags.PlotExecuted)
	assert.Contains(t, out.Answer, "[Erro: failed to generate chart: tool run_code_and_show_plot failed: backend closed]")
	assert.Len(t, tools.calls, 3)
}

func TestProcessQueryInvalidArguments(t *testing.T) {
	tools := newFakeTools()
	provider := &scriptedProvider{responses: []*Completion{
		{Blocks: []Block{toolUse("toolu_1", "analyze_stock", `{"query":`)}},
	}}
	o := newTestOrchestrator(tools, provider, nil, 0)

	out, err := o.ProcessQuery(context.Background(), "Plot TSLA")
	require.NoError(t, err)

	assert.Empty(t, tools.calls)
	assert.True(t, strings.HasPrefix(provider.requests[1][2].Content, "Erro: invalid arguments for analyze_stock"))
	assert.True(t, strings.HasPrefix(out.Answer, "[Erro: invalid arguments for analyze_stock"))
}

func TestProcessQueryKeywordTriggers(t *testing.T) {
	tools := newFakeTools()
	provider := &scriptedProvider{responses: []*Completion{
		textCompletion("I will use analyze_stock to answer this."),
		textCompletion("analyze_stock produced the code; the chart follows."),
	}}
	o := newTestOrchestrator(tools, provider, KeywordDetector{QueryArgs: []string{"query"}}, 0)

	out, err := o.ProcessQuery(context.Background(), "Plot NVDA volume")
	require.NoError(t, err)

	assert.Equal(t, []string{"analyze_stock", "save_code", "run_code_and_show_plot"}, tools.called())
	assert.Equal(t, map[string]interface{}{"query": "Plot NVDA volume"}, tools.calls[0].args)
	assert.Equal(t, Flags{CodeSaved: true, PlotExecuted: true}, out.Flags)
	assert.Len(t, provider.requests, 2)
	assert.Equal(t, strings.Join([]string{
		"I will use analyze_stock to answer this.",
		"[Analyzing stock: Plot NVDA volume]",
		"[Analysis code saved successfully]",
		"analyze_stock produced the code; the chart follows.",
		"[Chart generated and displayed automatically]",
	}, "\n"), out.Answer)
}

func TestProcessQueryKeywordRenderRefusedBeforeAnalysisCanRetrigger(t *testing.T) {
	tools := newFakeTools()
	provider := &scriptedProvider{responses: []*Completion{
		textCompletion("I will call run_code_and_show_plot after analyze_stock."),
		textCompletion("Waiting for the analysis."),
		textCompletion("Now run_code_and_show_plot shows the chart."),
		textCompletion("Done."),
	}}
	o := newTestOrchestrator(tools, provider, KeywordDetector{QueryArgs: []string{"query"}}, 0)

	out, err := o.ProcessQuery(context.Background(), "Plot AMD")
	require.NoError(t, err)

	assert.Equal(t, []string{"analyze_stock", "save_code", "run_code_and_show_plot"}, tools.called())
	assert.Equal(t, Flags{CodeSaved: true, PlotExecuted: true}, out.Flags)
	assert.Equal(t, strings.Join([]string{
		"I will call run_code_and_show_plot after analyze_stock.",
		"[Erro: no code has been saved to execute]",
		"Waiting for the analysis.",
		"[Analyzing stock: Plot AMD]",
		"[Analysis code saved successfully]",
		"Now run_code_and_show_plot shows the chart.",
		"[Chart generated and displayed]",
		"Done.",
	}, "\n"), out.Answer)
}

func TestProcessQueryIsStateless(t *testing.T) {
	tools := newFakeTools()
	provider := &scriptedProvider{responses: []*Completion{
		{Blocks: []Block{toolUse("toolu_1", "analyze_stock", `{"query":"TSLA"}`)}},
		textCompletion("done"),
		textCompletion("second answer"),
	}}
	o := newTestOrchestrator(tools, provider, nil, 0)

	_, err := o.ProcessQuery(context.Background(), "first")
	require.NoError(t, err)
	out, err := o.ProcessQuery(context.Background(), "second")
	require.NoError(t, err)

	assert.Equal(t, []Message{{Role: RoleUser, Content: "second"}}, provider.requests[2])
	assert.Equal(t, Flags{}, out.Flags)
	assert.Equal(t, "second answer", out.Answer)
}
