// SPDX-License-Identifier: AGPL-3.0-only
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jolks/mcp-finance/internal/agent"
	"github.com/jolks/mcp-finance/internal/chat"
	"github.com/jolks/mcp-finance/internal/config"
	"github.com/jolks/mcp-finance/internal/logging"
	"github.com/jolks/mcp-finance/internal/model"
	"github.com/jolks/mcp-finance/internal/singleton"
	"github.com/jolks/mcp-finance/internal/store"
	"github.com/mattn/go-isatty"
)

// errUsage reports a command line that names no tool backend.
var errUsage = errors.New("missing tool backend")

// options holds the parsed command line.
type options struct {
	configPath    string
	logLevel      string
	logFile       string
	aiProvider    string
	aiModel       string
	aiBaseURL     string
	maxToolRounds int
	dbPath        string
	history       int
	noHistory     bool
	plain         bool
	version       bool
	backend       string
}

func newFlagSet(opts *options, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("mcp-finance", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML, JSON or TOML configuration file")
	fs.StringVar(&opts.logLevel, "log-level", "", "Logging level: debug, info, warn, error, fatal")
	fs.StringVar(&opts.logFile, "log-file", "", "Log file path (default: <data dir>/mcp-finance.log)")
	fs.StringVar(&opts.aiProvider, "ai-provider", "", "AI provider: anthropic, openai or text (default: anthropic)")
	fs.StringVar(&opts.aiModel, "ai-model", "", "AI model to use (default depends on the provider)")
	fs.StringVar(&opts.aiBaseURL, "ai-base-url", "", "Custom base URL for OpenAI-compatible endpoints (e.g. Ollama, vLLM, Groq, LiteLLM)")
	fs.IntVar(&opts.maxToolRounds, "ai-max-tool-rounds", 0, "Maximum tool invocations per query (default: 10)")
	fs.StringVar(&opts.dbPath, "db-path", "", "Path to SQLite database for query history (default: ~/.mcp-finance/history.db)")
	fs.IntVar(&opts.history, "history", 0, "Print the N most recent queries and exit")
	fs.BoolVar(&opts.noHistory, "no-history", false, "Do not record queries")
	fs.BoolVar(&opts.plain, "plain", false, "Disable colors and markdown rendering")
	fs.BoolVar(&opts.version, "version", false, "Show version information and exit")
	fs.Usage = func() {
		fmt.Fprintf(output, "Usage: mcp-finance [flags] <path-to-tool-backend>\n\n")
		fmt.Fprintf(output, "The tool backend is a .py script, a .go file, an executable or an http(s) URL.\n\nFlags:\n")
		fs.PrintDefaults()
	}
	return fs
}

// parseArgs parses args. The tool backend is required unless the command only
// prints history or the version.
func parseArgs(args []string, output io.Writer) (*options, error) {
	opts := &options{}
	fs := newFlagSet(opts, output)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		opts.backend = fs.Arg(0)
	}
	if opts.backend == "" && opts.history <= 0 && !opts.version {
		fs.Usage()
		return nil, errUsage
	}
	return opts, nil
}

// loadConfig layers the defaults, the config file, the environment and the
// command line.
func loadConfig(opts *options) (*config.Config, error) {
	cfg := config.DefaultConfig()

	if opts.configPath != "" {
		if err := config.LoadFile(cfg, opts.configPath); err != nil {
			return nil, err
		}
	}

	config.FromEnv(cfg)
	applyCommandLineFlagsToConfig(cfg, opts)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyCommandLineFlagsToConfig applies command line flags to the configuration
func applyCommandLineFlagsToConfig(cfg *config.Config, opts *options) {
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFile != "" {
		cfg.Logging.FilePath = opts.logFile
	}
	if opts.aiProvider != "" {
		cfg.AI.Provider = opts.aiProvider
	}
	if opts.aiModel != "" {
		cfg.AI.Model = opts.aiModel
	}
	if opts.aiBaseURL != "" {
		cfg.AI.BaseURL = opts.aiBaseURL
	}
	if opts.maxToolRounds > 0 {
		cfg.AI.MaxToolRounds = opts.maxToolRounds
	}
	if opts.dbPath != "" {
		cfg.Store.DBPath = opts.dbPath
	}
	if opts.noHistory {
		cfg.Store.Disabled = true
	}
}

// newLogger opens the client log. The terminal belongs to the conversation, so
// logs always go to a file.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	path := cfg.Logging.FilePath
	if path == "" {
		path = filepath.Join(cfg.DataDir(), cfg.Client.Name+".log")
	}
	return logging.FileLogger(path, logging.ParseLevel(cfg.Logging.Level))
}

// history is the query history of this process. Its store is nil when
// history is disabled or owned by another client.
type history struct {
	store model.ResultStore
	lock  *singleton.Lock
}

// openHistory opens the history database when this process can own it.
func openHistory(cfg *config.Config, logger *logging.Logger) (*history, error) {
	if cfg.Store.Disabled {
		logger.Infof("Query history disabled")
		return &history{}, nil
	}

	lock, primary, err := singleton.TryAcquire(cfg.Store.DBPath)
	if err != nil {
		return nil, err
	}
	if !primary {
		logger.Warnf("Another client owns %s, running without history", cfg.Store.DBPath)
		return &history{}, nil
	}

	resultStore, err := store.NewSQLiteStore(cfg.Store.DBPath)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("create result store: %w", err)
	}
	return &history{store: resultStore, lock: lock}, nil
}

// Close closes the store and releases the lock.
func (h *history) Close() error {
	var err error
	if h.store != nil {
		err = h.store.Close()
	}
	if h.lock != nil {
		if lerr := h.lock.Release(); err == nil {
			err = lerr
		}
	}
	return err
}

// printHistory writes the n most recent queries to w, oldest first.
func printHistory(w io.Writer, resultStore model.ResultStore, n int) error {
	if resultStore == nil {
		_, err := fmt.Fprintln(w, "Query history is not available.")
		return err
	}
	results, err := resultStore.GetRecentResults(model.KindQuery, n)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	if len(results) == 0 {
		_, err := fmt.Fprintln(w, "No queries recorded yet.")
		return err
	}
	for i := len(results) - 1; i >= 0; i-- {
		r := results[i]
		status := "ok"
		if r.Error != "" {
			status = "failed"
		}
		fmt.Fprintf(w, "[%s] %s (%s, %s)\n", r.StartTime.Local().Format(time.DateTime), r.Input, status, r.Duration)
		body := r.Output
		if r.Error != "" {
			body = r.Error
		}
		for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
	return nil
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseArgs(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if opts.version {
		fmt.Printf("%s version %s\n", cfg.Client.Name, cfg.Client.Version)
		return 0
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Close() }()
	logging.SetDefaultLogger(logger)

	hist, err := openHistory(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() {
		if err := hist.Close(); err != nil {
			logger.Warnf("Error closing history: %v", err)
		}
	}()

	if opts.history > 0 {
		if err := printHistory(os.Stdout, hist.store, opts.history); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	provider, detector, err := agent.NewChatProvider(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tools, err := agent.Connect(ctx, opts.backend, agent.ConnectOptions{
		Interpreter: cfg.Analysis.Interpreter,
		ClientName:  cfg.Client.Name,
		Version:     cfg.Client.Version,
		Logger:      logger,
	})
	if err != nil {
		logger.Errorf("Connection failed: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger.Infof("Connected to %s with tools %v", tools.Endpoint(), tools.ToolNames())

	orchestrator := agent.NewOrchestrator(tools, provider, detector, agent.OrchestratorOptions{
		Completion:    agent.CompletionOptionsFromConfig(cfg),
		Policy:        agent.ToolPolicyFromConfig(cfg.Tools),
		MaxToolRounds: cfg.AI.MaxToolRounds,
		Logger:        logger,
	})
	executor := agent.NewQueryExecutor(orchestrator, hist.store, cfg.Client.QueryTimeout, logger)

	tty := !opts.plain && isTerminal(os.Stdout)
	session, err := chat.NewSession(executor, tools, chat.Options{
		In:        os.Stdin,
		Out:       os.Stdout,
		ToolNames: tools.ToolNames(),
		Styled:    tty,
		Markdown:  tty && cfg.Client.RenderMarkdown,
		Logger:    logger,
	})
	if err != nil {
		_ = tools.Close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if err := session.Run(ctx); err != nil {
		logger.Errorf("Session ended with error: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger.Infof("Session closed")
	return 0
}
