// SPDX-License-Identifier: AGPL-3.0-only
package server

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolDefinition represents a tool that can be registered with the MCP server
type ToolDefinition struct {
	// Name is the name of the tool
	Name string

	// Description is a brief description of what the tool does
	Description string

	// Handler is the function that will be called when the tool is invoked
	Handler func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error)

	// Parameters is the parameter schema for the tool (can be a struct)
	Parameters interface{}
}

// registerToolsDeclarative registers the analysis tools under the names the
// client's tool policy expects, plus the run history tool.
func (s *MCPServer) registerToolsDeclarative() {
	tools := []ToolDefinition{
		{
			Name: s.config.Tools.Analyze,
			Description: "Analyzes stock market data for the query and generates executable Python code for analysis and visualization. " +
				"The query should name the stock symbol (TSLA, AAPL, NVDA...), the timeframe (1 day, 1 month, 1 year) and the action (plot, analyze, compare). " +
				"Returns a formatted Python script ready to run.",
			Handler:    s.handleAnalyzeStock,
			Parameters: AnalyzeParams{},
		},
		{
			Name: s.config.Tools.Save,
			Description: fmt.Sprintf("Saves formatted, runnable Python code to %s. Make sure the code is a valid Python file ready to run.",
				s.config.Analysis.CodeFile),
			Handler:    s.handleSaveCode,
			Parameters: SaveCodeParams{},
		},
		{
			Name:        s.config.Tools.Render,
			Description: fmt.Sprintf("Runs the code in %s and shows the generated chart", s.config.Analysis.CodeFile),
			Handler:     s.handleRunCode,
			Parameters:  struct{}{},
		},
		{
			Name:        "get_run_history",
			Description: "Gets recent executions of the saved analysis code, newest first, with their output and exit codes.",
			Handler:     s.handleRunHistory,
			Parameters:  HistoryParams{},
		},
	}

	for _, tool := range tools {
		registerTool(s.server, tool)
	}
}

func registerTool(srv *mcp.Server, def ToolDefinition) {
	schema := buildSchema(def.Parameters)
	tool := &mcp.Tool{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: schema,
	}
	srv.AddTool(tool, def.Handler)
}

// buildSchema converts a Go struct with json and description tags into a JSON Schema object
func buildSchema(params interface{}) map[string]interface{} {
	t := reflect.TypeOf(params)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	properties := map[string]interface{}{}
	var required []string

	collectFields(t, properties, &required)

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// collectFields extracts JSON schema properties from struct fields,
// recursing into embedded (anonymous) structs.
func collectFields(t reflect.Type, properties map[string]interface{}, required *[]string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		// Recurse into embedded structs
		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			collectFields(field.Type, properties, required)
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}

		// Parse json tag to get field name and options
		parts := strings.Split(jsonTag, ",")
		fieldName := parts[0]
		omitempty := false
		for _, p := range parts[1:] {
			if p == "omitempty" {
				omitempty = true
			}
		}

		prop := map[string]interface{}{
			"type": goTypeToJSONType(field.Type),
		}

		if desc := field.Tag.Get("description"); desc != "" {
			prop["description"] = desc
		}
		for _, key := range []string{"default", "minimum", "maximum"} {
			if v, ok := numericTag(field, key); ok {
				prop[key] = v
			}
		}

		properties[fieldName] = prop

		if !omitempty {
			*required = append(*required, fieldName)
		}
	}
}

// numericTag reads a numeric schema keyword from the field's struct tag.
// Malformed values are ignored.
func numericTag(field reflect.StructField, key string) (interface{}, bool) {
	raw := field.Tag.Get(key)
	if raw == "" {
		return nil, false
	}
	if goTypeToJSONType(field.Type) == "integer" {
		n, err := strconv.Atoi(raw)
		return n, err == nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	return f, err == nil
}

// goTypeToJSONType maps Go types to JSON Schema types
func goTypeToJSONType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	default:
		return "string"
	}
}
