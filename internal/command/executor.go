// SPDX-License-Identifier: AGPL-3.0-only
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jolks/mcp-finance/internal/logging"
	"github.com/jolks/mcp-finance/internal/model"
)

// ScriptExecutor runs saved analysis scripts with an interpreter
type ScriptExecutor struct {
	mu          sync.Mutex
	last        *model.Result
	resultStore model.ResultStore
	logger      *logging.Logger
}

// NewScriptExecutor creates a new script executor. store may be nil.
func NewScriptExecutor(store model.ResultStore, logger *logging.Logger) *ScriptExecutor {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	return &ScriptExecutor{
		resultStore: store,
		logger:      logger,
	}
}

// RunScript executes interpreter with path as its only argument, bounded by
// timeout. The combined output and exit status are recorded in the result.
func (se *ScriptExecutor) RunScript(ctx context.Context, interpreter, path string, timeout time.Duration) *model.Result {
	// Create a cancellable context with timeout
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, interpreter, path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children of the interpreter may keep the output pipes open after a kill.
	cmd.WaitDelay = time.Second

	now := time.Now()
	result := &model.Result{
		ID:        fmt.Sprintf("run_%d", now.UnixNano()),
		Kind:      model.KindScript,
		Input:     interpreter + " " + path,
		StartTime: now,
	}

	se.mu.Lock()
	se.last = result
	se.mu.Unlock()

	se.logger.Infof("Running %s", result.Input)
	err := cmd.Run()

	result.Finish()
	result.Output = joinStreams(stdout.String(), stderr.String())

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		if execCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		result.Error = err.Error()
		se.logger.Warnf("Script %s failed: %v", path, err)
	}

	model.PersistAndLogResult(se.resultStore, result, se.logger)

	return result
}

// LastResult returns the result of the most recent run, if any
func (se *ScriptExecutor) LastResult() (*model.Result, bool) {
	se.mu.Lock()
	defer se.mu.Unlock()

	return se.last, se.last != nil
}

// joinStreams joins the trimmed, non-empty streams with a single newline.
func joinStreams(streams ...string) string {
	parts := make([]string, 0, len(streams))
	for _, s := range streams {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}
