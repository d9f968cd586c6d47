// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jolks/mcp-finance/internal/config"
	"github.com/jolks/mcp-finance/internal/logging"
)

// ToolPolicy names the tools that carry orchestration side effects and the
// argument keys used when the orchestrator calls them itself.
type ToolPolicy struct {
	Analyze  string
	Save     string
	Render   string
	QueryArg string
	CodeArg  string
}

// ToolPolicyFromConfig builds a ToolPolicy from the tools section.
func ToolPolicyFromConfig(cfg config.ToolsConfig) ToolPolicy {
	return ToolPolicy{
		Analyze:  cfg.Analyze,
		Save:     cfg.Save,
		Render:   cfg.Render,
		QueryArg: cfg.QueryArg,
		CodeArg:  cfg.CodeArg,
	}
}

// Flags is the per-query orchestration state. It never outlives a query.
type Flags struct {
	// CodeSaved is set once analysis code has been persisted by the backend.
	CodeSaved bool
	// PlotExecuted is set once a render has been dispatched.
	PlotExecuted bool
}

// Outcome is the result of processing one query.
type Outcome struct {
	Answer       string
	Flags        Flags
	Conversation []Message
	ToolRounds   int
}

// Orchestrator drives the round trips between a completion backend and a tool
// backend for a single user query at a time.
type Orchestrator struct {
	tools     ToolBackend
	provider  ChatProvider
	detector  TriggerDetector
	options   CompletionOptions
	policy    ToolPolicy
	maxRounds int
	logger    *logging.Logger
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	Completion CompletionOptions
	Policy     ToolPolicy
	// MaxToolRounds bounds tool invocations requested per query.
	MaxToolRounds int
	Logger        *logging.Logger
}

// NewOrchestrator creates an Orchestrator. A nil detector means the provider
// returns structured tool-use blocks.
func NewOrchestrator(tools ToolBackend, provider ChatProvider, detector TriggerDetector, opts OrchestratorOptions) *Orchestrator {
	if detector == nil {
		detector = StructuredDetector{}
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = config.DefaultConfig().AI.MaxToolRounds
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	return &Orchestrator{
		tools:     tools,
		provider:  provider,
		detector:  detector,
		options:   opts.Completion,
		policy:    opts.Policy,
		maxRounds: opts.MaxToolRounds,
		logger:    opts.Logger,
	}
}

// round is the state threaded through the processing of one query.
type round struct {
	query      string
	catalog    []ToolDefinition
	flags      Flags
	messages   []Message
	transcript transcript
	called     map[string]bool
	toolRounds int
}

// ProcessQuery answers query. Every query starts from a fresh one-message
// conversation; nothing carries over from earlier queries.
//
// Tool backend and completion backend failures abort the query and are
// returned. Soft failures reported by tools are folded into the answer.
func (o *Orchestrator) ProcessQuery(ctx context.Context, query string) (*Outcome, error) {
	r := &round{
		query:    query,
		messages: []Message{{Role: RoleUser, Content: query}},
		called:   map[string]bool{},
	}

	catalog, err := o.tools.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	r.catalog = catalog

	resp, err := o.complete(ctx, r)
	if err != nil {
		return nil, err
	}
	pending := o.steps(resp, r)

	// Text of the current response seen since its last tool use.
	var preceding []string
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		block := pending[0]
		pending = pending[1:]

		switch b := block.(type) {
		case TextBlock:
			r.transcript.add(b.Text)
			if b.Text != "" {
				preceding = append(preceding, b.Text)
			}
		case ToolUseBlock:
			if r.toolRounds >= o.maxRounds {
				o.logger.Warnf("Tool call limit (%d) reached, skipping %s", o.maxRounds, b.Call.Name)
				r.transcript.notef(noteRoundLimit, o.maxRounds, b.Call.Name)
				continue
			}
			r.toolRounds++

			content, err := o.invoke(ctx, r, b.Call)
			if err != nil {
				return nil, err
			}
			r.messages = append(r.messages,
				Message{Role: RoleAssistant, Content: strings.Join(preceding, "\n"), ToolCalls: []ToolCall{b.Call}},
				Message{Role: RoleTool, Content: content, ToolCallID: b.Call.ID},
			)
			preceding = nil

			follow, err := o.complete(ctx, r)
			if err != nil {
				return nil, err
			}
			// The follow-up reflects every result so far, so it is handled
			// before the rest of the earlier response.
			pending = append(o.steps(follow, r), pending...)
		default:
			return nil, fmt.Errorf("unexpected completion block %T", block)
		}
	}

	o.finalize(ctx, r)

	return &Outcome{
		Answer:       r.transcript.String(),
		Flags:        r.flags,
		Conversation: r.messages,
		ToolRounds:   r.toolRounds,
	}, nil
}

func (o *Orchestrator) complete(ctx context.Context, r *round) (*Completion, error) {
	o.logger.Debugf("Requesting completion with %d messages", len(r.messages))
	return o.provider.CreateCompletion(ctx, o.options, r.messages, r.catalog)
}

func (o *Orchestrator) steps(resp *Completion, r *round) []Block {
	steps := o.detector.Steps(resp, TriggerContext{Catalog: r.catalog, Query: r.query, Called: r.called})
	for _, s := range steps {
		if tu, ok := s.(ToolUseBlock); ok {
			r.called[tu.Call.Name] = true
		}
	}
	return steps
}

// invoke runs one requested tool call with its policy and returns the content
// to feed back to the completion backend as the call's result.
func (o *Orchestrator) invoke(ctx context.Context, r *round, call ToolCall) (string, error) {
	args, err := decodeArguments(call.Arguments)
	if err != nil {
		msg := fmt.Sprintf(noteBadArguments, call.Name, err)
		r.transcript.bracket(msg)
		return msg, nil
	}
	o.logger.Infof("Model requested tool %s", call.Name)

	switch call.Name {
	case o.policy.Analyze:
		return o.analyze(ctx, r, args)
	case o.policy.Save:
		return o.save(ctx, r, args)
	case o.policy.Render:
		return o.render(ctx, r, args)
	default:
		res, err := o.tools.CallTool(ctx, call.Name, args)
		if err != nil {
			return "", err
		}
		return res.Content, nil
	}
}

func (o *Orchestrator) analyze(ctx context.Context, r *round, args map[string]interface{}) (string, error) {
	target, _ := args[o.policy.QueryArg].(string)
	if target == "" {
		target = r.query
	}
	r.transcript.notef(noteAnalyzing, target)

	res, err := o.tools.CallTool(ctx, o.policy.Analyze, args)
	if err != nil {
		return "", err
	}
	if res.SoftFailure() {
		o.logger.Warnf("Analysis failed: %s", firstLine(res.Content))
		r.transcript.bracket(res.Content)
		return res.Content, nil
	}

	saved, err := o.tools.CallTool(ctx, o.policy.Save, map[string]interface{}{o.policy.CodeArg: res.Content})
	if err != nil {
		return "", err
	}
	if saved.SoftFailure() {
		r.transcript.bracket(saved.Content)
	} else {
		r.flags.CodeSaved = true
		r.transcript.notef(noteCodeSaved)
	}
	return res.Content, nil
}

func (o *Orchestrator) save(ctx context.Context, r *round, args map[string]interface{}) (string, error) {
	res, err := o.tools.CallTool(ctx, o.policy.Save, args)
	if err != nil {
		return "", err
	}
	// A failed save leaves nothing to render.
	if !res.SoftFailure() {
		r.flags.CodeSaved = true
	}
	r.transcript.bracket(res.Content)
	return res.Content, nil
}

func (o *Orchestrator) render(ctx context.Context, r *round, args map[string]interface{}) (string, error) {
	if !r.flags.CodeSaved {
		// Nothing reached the backend, so a later mention may trigger it again.
		delete(r.called, o.policy.Render)
		r.transcript.bracket(noteNothingSaved)
		return noteNothingSaved, nil
	}

	res, err := o.tools.CallTool(ctx, o.policy.Render, args)
	if err != nil {
		return "", err
	}
	r.flags.PlotExecuted = true
	if res.SoftFailure() {
		r.transcript.bracket(res.Content)
		return res.Content, nil
	}
	r.transcript.notef(notePlotShown)
	if res.Content == "" {
		return strings.Trim(notePlotShown, "[]"), nil
	}
	return res.Content, nil
}

// finalize renders saved code that nothing rendered yet. It runs at most once
// per query and never fails the query.
func (o *Orchestrator) finalize(ctx context.Context, r *round) {
	if !r.flags.CodeSaved || r.flags.PlotExecuted {
		return
	}
	r.flags.PlotExecuted = true

	res, err := o.tools.CallTool(ctx, o.policy.Render, map[string]interface{}{})
	if err != nil {
		o.logger.Warnf("Automatic render failed: %v", err)
		r.transcript.notef(notePlotFailed, err)
		return
	}
	if res.SoftFailure() {
		r.transcript.bracket(res.Content)
		return
	}
	r.transcript.notef(notePlotAuto)
}

func decodeArguments(raw string) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	return args, nil
}
