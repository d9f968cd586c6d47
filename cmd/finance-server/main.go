// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jolks/mcp-finance/internal/agent"
	"github.com/jolks/mcp-finance/internal/analyst"
	"github.com/jolks/mcp-finance/internal/config"
	"github.com/jolks/mcp-finance/internal/logging"
	"github.com/jolks/mcp-finance/internal/model"
	"github.com/jolks/mcp-finance/internal/server"
	"github.com/jolks/mcp-finance/internal/store"
)

var (
	configPath  = flag.String("config", "", "Path to a YAML, JSON or TOML configuration file")
	address     = flag.String("address", "", "The address to bind the server to")
	port        = flag.Int("port", 0, "The port to bind the server to")
	transport   = flag.String("transport", "", "Transport mode: stdio, sse or http")
	logLevel    = flag.String("log-level", "", "Logging level: debug, info, warn, error, fatal")
	logFile     = flag.String("log-file", "", "Log file path (default: stdout, or a file next to the binary for stdio)")
	version     = flag.Bool("version", false, "Show version information and exit")
	aiProvider  = flag.String("ai-provider", "", "AI provider: anthropic, openai or text (default: anthropic)")
	aiBaseURL   = flag.String("ai-base-url", "", "Custom base URL for OpenAI-compatible endpoints (e.g. Ollama, vLLM, Groq, LiteLLM)")
	aiModel     = flag.String("ai-model", "", "AI model used to generate analysis code")
	codeFile    = flag.String("code-file", "", "Path the analysis code is saved to (default: stock_analysis.py)")
	interpreter = flag.String("python", "", "Interpreter that runs the analysis code (default: python3)")
	dbPath      = flag.String("db-path", "", "Path to SQLite database for run history (default: ~/.mcp-finance/history.db)")
	noHistory   = flag.Bool("no-history", false, "Do not record runs")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg := loadConfig()

	// Show version and exit if requested
	if *version {
		log.Printf("%s version %s", cfg.Server.Name, cfg.Server.Version)
		os.Exit(0)
	}

	// Create a context that will be cancelled on interrupt signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize the application
	app, err := createApp(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	// Start the application
	if err := app.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	// Wait for termination signal or server exit (e.g. stdin closed in stdio mode)
	waitForShutdown(cancel, app)
}

// loadConfig loads configuration from the config file, environment and
// command line flags
func loadConfig() *config.Config {
	// Start with defaults
	cfg := config.DefaultConfig()

	if *configPath != "" {
		if err := config.LoadFile(cfg, *configPath); err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}

	// Override with environment variables
	config.FromEnv(cfg)

	// Override with command-line flags
	applyCommandLineFlagsToConfig(cfg)

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg
}

// applyCommandLineFlagsToConfig applies command line flags to the configuration
func applyCommandLineFlagsToConfig(cfg *config.Config) {
	if *address != "" {
		cfg.Server.Address = *address
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *transport != "" {
		cfg.Server.TransportMode = *transport
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Logging.FilePath = *logFile
	}
	if *aiProvider != "" {
		cfg.AI.Provider = *aiProvider
	}
	if *aiBaseURL != "" {
		cfg.AI.BaseURL = *aiBaseURL
	}
	if *aiModel != "" {
		cfg.AI.Model = *aiModel
	}
	if *codeFile != "" {
		cfg.Analysis.CodeFile = *codeFile
	}
	if *interpreter != "" {
		cfg.Analysis.Interpreter = *interpreter
	}
	if *dbPath != "" {
		cfg.Store.DBPath = *dbPath
	}
	if *noHistory {
		cfg.Store.Disabled = true
	}
}

// Application represents the running application
type Application struct {
	resultStore model.ResultStore
	server      *server.MCPServer
	logger      *logging.Logger
}

// createApp creates a new application instance
func createApp(cfg *config.Config) (*Application, error) {
	// Create result store
	var resultStore model.ResultStore
	if !cfg.Store.Disabled {
		sqliteStore, err := store.NewSQLiteStore(cfg.Store.DBPath)
		if err != nil {
			return nil, fmt.Errorf("create result store: %w", err)
		}
		resultStore = sqliteStore
	}

	// The server still saves and runs code without a completion backend;
	// analyze_stock then reports a soft failure.
	var codeAnalyst server.CodeAnalyst
	provider, _, err := agent.NewChatProvider(cfg)
	if err == nil {
		codeAnalyst = analyst.New(provider, agent.CompletionOptionsFromConfig(cfg), nil)
	}

	// Create the MCP server
	mcpServer, serr := server.NewMCPServer(cfg, codeAnalyst, nil, resultStore)
	if serr != nil {
		if resultStore != nil {
			_ = resultStore.Close()
		}
		return nil, serr
	}

	// Get the default logger that was configured by the server
	logger := logging.GetDefaultLogger()
	if err != nil {
		logger.Warnf("Code generation unavailable: %v", err)
	}

	return &Application{
		resultStore: resultStore,
		server:      mcpServer,
		logger:      logger,
	}, nil
}

// Start starts the application
func (a *Application) Start(ctx context.Context) error {
	if err := a.server.Start(ctx); err != nil {
		return err
	}
	a.logger.Infof("MCP server started")
	return nil
}

// Stop stops the application. The server closes the result store.
func (a *Application) Stop() error {
	if err := a.server.Stop(); err != nil {
		a.logger.Errorf("Error stopping MCP server: %v", err)
		return err
	}
	a.logger.Infof("MCP server stopped")
	return nil
}

// waitForShutdown waits for termination signals or server exit and performs cleanup
func waitForShutdown(cancel context.CancelFunc, app *Application) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-signalCh:
		app.logger.Infof("Received termination signal, shutting down...")
	case <-app.server.Done():
		app.logger.Infof("Server transport exited, shutting down...")
	}

	// Cancel the context to initiate shutdown
	cancel()

	// Stop the application with a timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	shutdownDone := make(chan struct{})
	go func() {
		if err := app.Stop(); err != nil {
			app.logger.Errorf("Error during shutdown: %v", err)
		}
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		app.logger.Infof("Graceful shutdown completed")
	case <-shutdownCtx.Done():
		app.logger.Warnf("Shutdown timed out")
	}
}
