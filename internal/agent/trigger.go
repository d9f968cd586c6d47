// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"encoding/json"
	"regexp"
	"sort"

	"github.com/google/uuid"
)

// TriggerDetector turns a completion into the ordered blocks the orchestrator
// executes. Structured backends tag tool use themselves; free-text backends
// need it inferred from the prose.
type TriggerDetector interface {
	Steps(resp *Completion, tc TriggerContext) []Block
}

// TriggerContext is what a detector may consult besides the response.
type TriggerContext struct {
	Catalog []ToolDefinition
	Query   string
	// Called lists tools already invoked or scheduled for this query.
	Called map[string]bool
}

// StructuredDetector passes explicitly tagged blocks through unchanged.
type StructuredDetector struct{}

func (StructuredDetector) Steps(resp *Completion, _ TriggerContext) []Block {
	return resp.Blocks
}

// KeywordDetector synthesizes tool calls for catalog tool names that appear in
// free text. Each tool triggers at most once per query, in order of first
// appearance, after the text itself. Follow-up answers tend to repeat the
// names of tools they just used, which must not call them again.
//
// Arguments are bound from the user's query: every required property named in
// QueryArgs receives the query text. Tools with other required properties
// cannot be called this way and are ignored.
type KeywordDetector struct {
	QueryArgs []string
}

type keywordHit struct {
	pos  int
	tool ToolDefinition
}

func (d KeywordDetector) Steps(resp *Completion, tc TriggerContext) []Block {
	text := resp.Text()
	steps := make([]Block, 0, 1)
	if text != "" {
		steps = append(steps, TextBlock{Text: text})
	}
	// Tags from a backend that does support tool calling still count.
	for _, call := range resp.ToolCalls() {
		steps = append(steps, ToolUseBlock{Call: call})
	}
	if len(resp.ToolCalls()) > 0 {
		return steps
	}

	var hits []keywordHit
	for _, tool := range tc.Catalog {
		if tc.Called[tool.Name] {
			continue
		}
		loc := toolNamePattern(tool.Name).FindStringIndex(text)
		if loc == nil {
			continue
		}
		hits = append(hits, keywordHit{pos: loc[0], tool: tool})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	for _, h := range hits {
		args, ok := d.bindArguments(h.tool, tc.Query)
		if !ok {
			continue
		}
		steps = append(steps, ToolUseBlock{Call: ToolCall{
			ID:        "kw_" + uuid.NewString(),
			Name:      h.tool.Name,
			Arguments: args,
		}})
	}
	return steps
}

func (d KeywordDetector) bindArguments(tool ToolDefinition, query string) (string, bool) {
	args := map[string]string{}
	for _, field := range requiredFields(tool.Parameters) {
		if !d.isQueryArg(field) {
			return "", false
		}
		args[field] = query
	}
	// Optional query parameters are filled too; the backend may use them.
	if props, ok := tool.Parameters["properties"].(map[string]interface{}); ok {
		for name := range props {
			if d.isQueryArg(name) {
				args[name] = query
			}
		}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (d KeywordDetector) isQueryArg(name string) bool {
	for _, q := range d.QueryArgs {
		if q == name {
			return true
		}
	}
	return false
}

// toolNamePattern matches name as a whole identifier, so "save_code" does not
// fire on "autosave_code_v2".
func toolNamePattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(^|[^A-Za-z0-9_])` + regexp.QuoteMeta(name) + `($|[^A-Za-z0-9_])`)
}
