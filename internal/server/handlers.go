// SPDX-License-Identifier: AGPL-3.0-only
package server

import (
	"encoding/json"
	"fmt"

	"github.com/jolks/mcp-finance/internal/errors"
	"github.com/jolks/mcp-finance/internal/model"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// extractParams extracts parameters from a tool request
func extractParams(request *mcp.CallToolRequest, params interface{}) error {
	if len(request.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(request.Params.Arguments, params); err != nil {
		return errors.InvalidInput(fmt.Sprintf("invalid parameters: %v", err))
	}
	return nil
}

// createTextResponse creates a response with a single text block
func createTextResponse(text string) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{
				Text: text,
			},
		},
	}, nil
}

// createSoftFailure reports err in the tool output rather than as a protocol
// error, so clients see it as the tool's answer.
func createSoftFailure(err error) (*mcp.CallToolResult, error) {
	return createTextResponse(errors.SoftFailure(err))
}

// createResultsResponse creates a response with multiple results
func createResultsResponse(results []*model.Result) (*mcp.CallToolResult, error) {
	if results == nil {
		results = []*model.Result{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to marshal results: %w", err))
	}

	return createTextResponse(string(resultsJSON))
}
