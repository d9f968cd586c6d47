// SPDX-License-Identifier: AGPL-3.0-only
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jolks/mcp-finance/internal/command"
	"github.com/jolks/mcp-finance/internal/config"
	"github.com/jolks/mcp-finance/internal/errors"
	"github.com/jolks/mcp-finance/internal/logging"
	"github.com/jolks/mcp-finance/internal/model"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Make os.OpenFile mockable for testing
var osOpenFile = os.OpenFile

// AnalyzeParams holds parameters for the analyze_stock tool
type AnalyzeParams struct {
	Query string `json:"query" description:"stock question naming the ticker symbol (TSLA, AAPL, NVDA...), the timeframe (1 day, 1 month, 1 year) and the action (plot, analyze, compare)"`
}

// SaveCodeParams holds parameters for the save_code tool
type SaveCodeParams struct {
	Code string `json:"code" description:"formatted, runnable Python code to save"`
}

// HistoryParams holds parameters for the get_run_history tool
type HistoryParams struct {
	Limit int `json:"limit,omitempty" description:"number of recent runs to return" default:"5" minimum:"1" maximum:"100"`
}

// CodeAnalyst generates analysis code for a stock question.
type CodeAnalyst interface {
	Analyze(ctx context.Context, query string) (string, error)
}

// MCPServer is the financial analyst tool backend
type MCPServer struct {
	analyst        CodeAnalyst
	scripts        *command.ScriptExecutor
	resultStore    model.ResultStore
	server         *mcp.Server
	httpServer     *http.Server
	cancel         context.CancelFunc
	address        string
	port           int
	stopCh         chan struct{}
	wg             sync.WaitGroup
	config         *config.Config
	logger         *logging.Logger
	shutdownMutex  sync.Mutex
	isShuttingDown bool
}

// NewMCPServer creates a new financial analyst MCP server. resultStore may be
// nil, in which case runs are not recorded.
func NewMCPServer(cfg *config.Config, analyst CodeAnalyst, scripts *command.ScriptExecutor, resultStore model.ResultStore) (*MCPServer, error) {
	// Create default config if not provided
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	var logger *logging.Logger

	if cfg.Logging.FilePath != "" {
		var err error
		logger, err = logging.FileLogger(cfg.Logging.FilePath, logging.ParseLevel(cfg.Logging.Level))
		if err != nil {
			return nil, fmt.Errorf("failed to create file logger: %w", err)
		}
	} else if cfg.Server.TransportMode == "stdio" {
		// For stdio transport, all logging must go to a file to avoid
		// corrupting the JSON-RPC stream on stdout
		execPath, err := os.Executable()
		if err != nil {
			execPath = cfg.Server.Name
		}
		execDir := filepath.Dir(execPath)
		logFilename := fmt.Sprintf("%s.log", cfg.Server.Name)
		logPath := filepath.Join(execDir, logFilename)

		logFile, err := osOpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			log.SetOutput(logFile)
			logger = logging.New(logging.Options{
				Output: logFile,
				Level:  logging.ParseLevel(cfg.Logging.Level),
			})
		} else {
			// Fall back to stderr to avoid corrupting stdout
			log.SetOutput(os.Stderr)
			logger = logging.New(logging.Options{
				Output: os.Stderr,
				Level:  logging.ParseLevel(cfg.Logging.Level),
			})
		}
	} else {
		// Network transports leave stderr to the operator.
		logger = logging.New(logging.Options{
			Level:   logging.ParseLevel(cfg.Logging.Level),
			Console: true,
		})
	}

	// Set as the default logger
	logging.SetDefaultLogger(logger)

	// Validate transport mode
	switch cfg.Server.TransportMode {
	case "stdio":
		logger.Infof("Using stdio transport")
	case "sse":
		logger.Infof("Using SSE transport on %s:%d", cfg.Server.Address, cfg.Server.Port)
	case "http":
		logger.Infof("Using streamable HTTP transport on %s:%d", cfg.Server.Address, cfg.Server.Port)
	default:
		return nil, errors.InvalidInput(fmt.Sprintf("unsupported transport mode: %s", cfg.Server.TransportMode))
	}

	if scripts == nil {
		scripts = command.NewScriptExecutor(resultStore, logger)
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
	}, nil)

	return &MCPServer{
		analyst:     analyst,
		scripts:     scripts,
		resultStore: resultStore,
		server:      mcpSrv,
		address:     cfg.Server.Address,
		port:        cfg.Server.Port,
		stopCh:      make(chan struct{}),
		config:      cfg,
		logger:      logger,
	}, nil
}

// Start starts the MCP server
func (s *MCPServer) Start(ctx context.Context) error {
	// Register all tools
	s.registerToolsDeclarative()

	switch s.config.Server.TransportMode {
	case "stdio":
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.server.Run(runCtx, &mcp.StdioTransport{}); err != nil {
				s.logger.Errorf("Error running MCP server: %v", err)
			}
			// The client closing stdin ends the session and the process.
			s.signalStopped()
		}()
	case "sse", "http":
		addr := fmt.Sprintf("%s:%d", s.address, s.port)
		getServer := func(_ *http.Request) *mcp.Server { return s.server }
		var handler http.Handler
		if s.config.Server.TransportMode == "sse" {
			handler = mcp.NewSSEHandler(getServer, nil)
		} else {
			handler = mcp.NewStreamableHTTPHandler(getServer, nil)
		}
		s.httpServer = &http.Server{Addr: addr, Handler: handler}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Errorf("Error running MCP server: %v", err)
			}
		}()
	}

	// Listen for context cancellation
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopCh:
			return
		}
		if err := s.Stop(); err != nil {
			s.logger.Errorf("Error stopping MCP server: %v", err)
		}
	}()

	return nil
}

// Done is closed once the server has stopped serving.
func (s *MCPServer) Done() <-chan struct{} {
	return s.stopCh
}

func (s *MCPServer) signalStopped() {
	s.shutdownMutex.Lock()
	defer s.shutdownMutex.Unlock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Stop stops the MCP server
func (s *MCPServer) Stop() error {
	s.shutdownMutex.Lock()

	// Return early if server is already being shut down
	if s.isShuttingDown {
		s.shutdownMutex.Unlock()
		s.logger.Debugf("Stop called but server is already shutting down, ignoring")
		return nil
	}

	s.isShuttingDown = true

	if s.cancel != nil {
		s.cancel()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.shutdownMutex.Unlock()
			return errors.Internal(fmt.Errorf("error shutting down MCP server: %w", err))
		}
	}

	// Close the result store
	if s.resultStore != nil {
		if err := s.resultStore.Close(); err != nil {
			s.logger.Warnf("Error closing result store: %v", err)
		}
	}

	// Only close stopCh if it hasn't been closed yet
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.shutdownMutex.Unlock()

	s.wg.Wait()
	return nil
}

// handleAnalyzeStock generates analysis code for a stock question
func (s *MCPServer) handleAnalyzeStock(ctx context.Context, request *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params AnalyzeParams
	if err := extractParams(request, &params); err != nil {
		return createSoftFailure(err)
	}
	if params.Query == "" {
		return createSoftFailure(errors.InvalidInput("query is required"))
	}

	s.logger.Debugf("Handling analyze_stock request: %s", params.Query)

	if s.analyst == nil {
		return createSoftFailure(fmt.Errorf("no code generator configured"))
	}
	code, err := s.analyst.Analyze(ctx, params.Query)
	if err != nil {
		s.logger.Warnf("Analysis failed: %v", err)
		return createSoftFailure(err)
	}

	return createTextResponse(code)
}

// handleSaveCode writes the given code to the analysis code file
func (s *MCPServer) handleSaveCode(_ context.Context, request *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params SaveCodeParams
	if err := extractParams(request, &params); err != nil {
		return createSoftFailure(err)
	}
	if params.Code == "" {
		return createSoftFailure(errors.InvalidInput("code is required"))
	}

	path := s.config.Analysis.CodeFile
	s.logger.Debugf("Handling save_code request (%d bytes) for %s", len(params.Code), path)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return createSoftFailure(err)
		}
	}
	if err := os.WriteFile(path, []byte(params.Code), 0644); err != nil {
		return createSoftFailure(err)
	}

	return createTextResponse(fmt.Sprintf("Code saved to %s", path))
}

// handleRunCode executes the saved code file, which displays its chart
func (s *MCPServer) handleRunCode(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := s.config.Analysis.CodeFile
	s.logger.Debugf("Handling run_code_and_show_plot request for %s", path)

	if _, err := os.Stat(path); err != nil {
		return createSoftFailure(errors.NotFound("code file", path))
	}

	result := s.scripts.RunScript(ctx, s.config.Analysis.Interpreter, path, s.config.Analysis.ExecTimeout)
	if result.Error != "" {
		return createSoftFailure(fmt.Errorf("%s failed (exit code %d): %s\n%s", path, result.ExitCode, result.Error, result.Output))
	}

	msg := fmt.Sprintf("Executed %s successfully", path)
	if result.Output != "" {
		msg += "\n" + result.Output
	}
	return createTextResponse(msg)
}

// handleRunHistory returns recent executions of the code file
func (s *MCPServer) handleRunHistory(_ context.Context, request *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var params HistoryParams
	if err := extractParams(request, &params); err != nil {
		return createSoftFailure(err)
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 5
	}
	s.logger.Debugf("Handling get_run_history request (limit=%d)", limit)

	if s.resultStore == nil {
		if last, ok := s.scripts.LastResult(); ok {
			return createResultsResponse([]*model.Result{last})
		}
		return createResultsResponse(nil)
	}

	results, err := s.resultStore.GetRecentResults(model.KindScript, limit)
	if err != nil {
		return createSoftFailure(errors.Internal(fmt.Errorf("failed to get results: %w", err)))
	}
	return createResultsResponse(results)
}
