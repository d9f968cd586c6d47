// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jolks/mcp-finance/internal/logging"
	"github.com/jolks/mcp-finance/internal/model"
)

// QueryProcessor answers one user query.
type QueryProcessor interface {
	ProcessQuery(ctx context.Context, query string) (*Outcome, error)
}

// QueryExecutor runs queries through a QueryProcessor with a timeout and
// records each one as a model.Result.
type QueryExecutor struct {
	processor   QueryProcessor
	resultStore model.ResultStore
	timeout     time.Duration
	logger      *logging.Logger
}

// NewQueryExecutor creates a new query executor. store may be nil.
func NewQueryExecutor(processor QueryProcessor, store model.ResultStore, timeout time.Duration, logger *logging.Logger) *QueryExecutor {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &QueryExecutor{
		processor:   processor,
		resultStore: store,
		timeout:     timeout,
		logger:      logger,
	}
}

// ExecuteQuery processes query and returns its result. A failed query has a
// non-empty Error and ExitCode 1; it never panics or returns an error itself.
func (qe *QueryExecutor) ExecuteQuery(ctx context.Context, query string) *model.Result {
	result := &model.Result{
		ID:        uuid.NewString(),
		Kind:      model.KindQuery,
		Input:     query,
		StartTime: time.Now(),
	}
	logger := qe.logger.WithField("query_id", result.ID)
	logger.Infof("Processing query: %s", query)

	execCtx := ctx
	if qe.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, qe.timeout)
		defer cancel()
	}

	outcome, err := qe.processor.ProcessQuery(execCtx, query)
	result.Finish()

	if err != nil {
		logger.Errorf("Query failed: %v", err)
		result.Error = err.Error()
		result.ExitCode = 1
		result.Output = fmt.Sprintf("Error processing query: %v", err)
	} else {
		result.Output = outcome.Answer
		result.CodeSaved = outcome.Flags.CodeSaved
		result.PlotExecuted = outcome.Flags.PlotExecuted
		result.ToolRounds = outcome.ToolRounds
		logger.Infof("Query completed in %s with %d tool rounds", result.Duration, outcome.ToolRounds)
	}

	model.PersistAndLogResult(qe.resultStore, result, logger)

	return result
}
