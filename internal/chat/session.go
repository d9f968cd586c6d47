// SPDX-License-Identifier: AGPL-3.0-only

// Package chat implements the interactive terminal loop that feeds user
// queries to the orchestrator.
package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/jolks/mcp-finance/internal/logging"
	"github.com/jolks/mcp-finance/internal/model"
)

// exitKeywords end the session when typed on their own, in any case.
var exitKeywords = []string{"sair", "quit", "exit"}

// IsExitKeyword reports whether line asks to end the session.
func IsExitKeyword(line string) bool {
	line = strings.TrimSpace(line)
	for _, k := range exitKeywords {
		if strings.EqualFold(line, k) {
			return true
		}
	}
	return false
}

var exampleQueries = []string{
	"Show me Tesla's stock performance over the last 3 months",
	"Compare Apple and Microsoft stocks over the past year",
	"Analyze NVDA trading volume over the last 30 days",
}

// Executor runs one query to completion.
type Executor interface {
	ExecuteQuery(ctx context.Context, query string) *model.Result
}

// Options configures a Session.
type Options struct {
	In  io.Reader
	Out io.Writer
	// ToolNames are listed in the greeting.
	ToolNames []string
	// Styled enables terminal colors.
	Styled bool
	// Markdown renders answers as markdown.
	Markdown bool
	Logger   *logging.Logger
}

// Session is one interactive run against a connected tool backend.
type Session struct {
	executor Executor
	backend  io.Closer
	in       io.Reader
	out      io.Writer
	tools    []string
	styles   styles
	markdown *glamour.TermRenderer
	logger   *logging.Logger

	closeOnce sync.Once
	closeErr  error
}

type styles struct {
	title  func(string) string
	prompt func(string) string
	err    func(string) string
	muted  func(string) string
}

func plainStyles() styles {
	id := func(s string) string { return s }
	return styles{title: id, prompt: id, err: id, muted: id}
}

func colorStyles() styles {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	prompt := lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	muted := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	return styles{
		title:  func(s string) string { return title.Render(s) },
		prompt: func(s string) string { return prompt.Render(s) },
		err:    func(s string) string { return errStyle.Render(s) },
		muted:  func(s string) string { return muted.Render(s) },
	}
}

// NewSession creates a Session. backend is closed exactly once when Run
// returns or Close is called.
func NewSession(executor Executor, backend io.Closer, opts Options) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	s := &Session{
		executor: executor,
		backend:  backend,
		in:       opts.In,
		out:      opts.Out,
		tools:    append([]string(nil), opts.ToolNames...),
		styles:   plainStyles(),
		logger:   opts.Logger,
	}
	sort.Strings(s.tools)
	if opts.Styled {
		s.styles = colorStyles()
	}
	if opts.Markdown {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err != nil {
			return nil, fmt.Errorf("create markdown renderer: %w", err)
		}
		s.markdown = r
	}
	return s, nil
}

// Run reads queries until an exit keyword, end of input or cancellation of
// ctx. A query that fails is reported and the loop continues. The backend is
// released before Run returns.
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Warnf("Error closing tool backend: %v", err)
		}
	}()

	s.greet()

	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go s.readLines(lines, readErr, done)

	for {
		fmt.Fprint(s.out, "\n"+s.styles.prompt("Enter your query: "))

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)
			s.logger.Infof("Session interrupted")
			return nil
		case line, ok = <-lines:
		}
		if !ok {
			fmt.Fprintln(s.out)
			if err := <-readErr; err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		}

		query := strings.TrimSpace(line)
		if IsExitKeyword(query) {
			return nil
		}
		s.runQuery(ctx, query)
		if ctx.Err() != nil {
			s.logger.Infof("Session interrupted during query")
			return nil
		}
	}
}

func (s *Session) readLines(lines chan<- string, readErr chan<- error, done <-chan struct{}) {
	defer close(lines)
	reader := bufio.NewReader(s.in)
	for {
		line, err := reader.ReadString('\n')
		if line != "" || err == nil {
			select {
			case lines <- strings.TrimRight(line, "\r\n"):
			case <-done:
				readErr <- nil
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			readErr <- err
			return
		}
	}
}

// runQuery executes one query, turning failures and panics into an error line.
func (s *Session) runQuery(ctx context.Context, query string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Panic while processing query: %v", r)
			s.printError(fmt.Sprint(r))
		}
	}()

	result := s.executor.ExecuteQuery(ctx, query)
	if result.Error != "" {
		s.printError(result.Error)
		return
	}
	fmt.Fprintln(s.out, "\n"+s.render(result.Output))
}

func (s *Session) printError(msg string) {
	fmt.Fprintln(s.out, "\n"+s.styles.err("Erro: "+msg))
}

func (s *Session) render(answer string) string {
	if s.markdown == nil {
		return answer
	}
	out, err := s.markdown.Render(answer)
	if err != nil {
		s.logger.Warnf("Markdown rendering failed: %v", err)
		return answer
	}
	return strings.TrimRight(out, "\n")
}

func (s *Session) greet() {
	fmt.Fprintln(s.out, "\n"+s.styles.title("MCP Financial Analyst started"))
	if len(s.tools) > 0 {
		fmt.Fprintln(s.out, s.styles.muted("Connected to server with tools: "+strings.Join(s.tools, ", ")))
	}
	fmt.Fprintf(s.out, "Type your stock questions or one of %s to quit.\n", strings.Join(exitKeywords, ", "))
	fmt.Fprintln(s.out, "\nExample queries:")
	for _, q := range exampleQueries {
		fmt.Fprintf(s.out, "- %s\n", s.styles.muted(q))
	}
}

// Close releases the tool backend. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.backend != nil {
			s.closeErr = s.backend.Close()
		}
	})
	return s.closeErr
}
