// SPDX-License-Identifier: AGPL-3.0-only
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jolks/mcp-finance/internal/errors"
	"github.com/jolks/mcp-finance/internal/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolResult is the flattened output of one tool invocation.
type ToolResult struct {
	Content string
	IsError bool
}

// SoftFailure reports whether the tool signalled a logical error.
func (r *ToolResult) SoftFailure() bool {
	return r.IsError || errors.IsSoftFailure(r.Content)
}

// ToolBackend is the part of a tool session the orchestrator depends on.
type ToolBackend interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error)
}

// ConnectOptions tunes how a local tool backend is launched.
type ConnectOptions struct {
	// Interpreter runs .py backends. Defaults to python3.
	Interpreter string
	ClientName  string
	Version     string
	Logger      *logging.Logger
}

// ToolSession is a long-lived MCP client session with a tool backend.
type ToolSession struct {
	endpoint string
	session  *mcp.ClientSession
	logger   *logging.Logger

	mu    sync.Mutex
	tools map[string]ToolDefinition

	closeOnce sync.Once
	closeErr  error
}

var _ ToolBackend = (*ToolSession)(nil)

// Connect launches or dials the tool backend described by endpoint, performs
// the MCP handshake and fetches the tool catalog. endpoint is either a path to
// a launchable backend (.py script, .go file or executable) or an http(s) URL.
func Connect(ctx context.Context, endpoint string, opts ConnectOptions) (*ToolSession, error) {
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	tp, err := transportFor(endpoint, opts)
	if err != nil {
		return nil, errors.Connection(endpoint, err)
	}
	return ConnectTransport(ctx, endpoint, tp, opts)
}

// ConnectTransport establishes a session over an already built transport.
func ConnectTransport(ctx context.Context, endpoint string, tp mcp.Transport, opts ConnectOptions) (*ToolSession, error) {
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-finance"
	}
	if opts.Version == "" {
		opts.Version = "0.1.0"
	}

	cli := mcp.NewClient(&mcp.Implementation{Name: opts.ClientName, Version: opts.Version}, nil)
	session, err := cli.Connect(ctx, tp, nil)
	if err != nil {
		return nil, errors.Connection(endpoint, err)
	}

	ts := &ToolSession{
		endpoint: endpoint,
		session:  session,
		logger:   opts.Logger.WithField("backend", endpoint),
	}
	if _, err := ts.ListTools(ctx); err != nil {
		_ = ts.Close()
		return nil, errors.Connection(endpoint, err)
	}
	return ts, nil
}

// transportFor picks the MCP transport for endpoint.
func transportFor(endpoint string, opts ConnectOptions) (mcp.Transport, error) {
	if u, err := url.Parse(endpoint); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/sse") {
			return &mcp.SSEClientTransport{Endpoint: endpoint}, nil
		}
		return &mcp.StreamableClientTransport{Endpoint: endpoint}, nil
	}

	info, err := os.Stat(endpoint)
	if err != nil {
		return nil, fmt.Errorf("tool backend not found: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("tool backend %s is a directory", endpoint)
	}

	var cmd *exec.Cmd
	switch strings.ToLower(filepath.Ext(endpoint)) {
	case ".py":
		interpreter := opts.Interpreter
		if interpreter == "" {
			interpreter = "python3"
		}
		cmd = exec.Command(interpreter, endpoint)
	case ".go":
		cmd = exec.Command("go", "run", endpoint)
	default:
		if info.Mode().Perm()&0o111 == 0 {
			return nil, fmt.Errorf("tool backend %s is not executable; expected a .py script, a .go file or an executable", endpoint)
		}
		cmd = exec.Command(endpoint)
	}
	if opts.Logger != nil {
		cmd.Stderr = &stderrLogger{logger: opts.Logger.WithField("stream", "backend-stderr")}
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

// Endpoint returns the descriptor the session was created from.
func (s *ToolSession) Endpoint() string { return s.endpoint }

// ToolNames returns the names of the most recently listed tools.
func (s *ToolSession) ToolNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names
}

// ListTools fetches the backend's current tool catalog.
func (s *ToolSession) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var tools []ToolDefinition
	params := &mcp.ListToolsParams{}
	for {
		resp, err := s.session.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}
		for _, tl := range resp.Tools {
			def, err := toToolDefinition(tl)
			if err != nil {
				s.logger.Warnf("Skipping tool %s: %v", tl.Name, err)
				continue
			}
			tools = append(tools, def)
		}
		if resp.NextCursor == "" {
			break
		}
		params = &mcp.ListToolsParams{Cursor: resp.NextCursor}
	}

	byName := make(map[string]ToolDefinition, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}
	s.mu.Lock()
	s.tools = byName
	s.mu.Unlock()
	return tools, nil
}

func toToolDefinition(tl *mcp.Tool) (ToolDefinition, error) {
	params := map[string]interface{}{"type": "object"}
	if tl.InputSchema != nil {
		raw, err := json.Marshal(tl.InputSchema)
		if err != nil {
			return ToolDefinition{}, fmt.Errorf("marshal input schema: %w", err)
		}
		if err := json.Unmarshal(raw, &params); err != nil {
			return ToolDefinition{}, fmt.Errorf("unmarshal input schema: %w", err)
		}
	}
	return ToolDefinition{
		Name:        tl.Name,
		Description: tl.Description,
		Parameters:  params,
	}, nil
}

// CallTool invokes name with args and flattens the result to text. Transport
// failures, unknown tools and backend-raised errors are returned as
// ToolInvocationError; an isError result is reported through the soft failure
// marker instead.
func (s *ToolSession) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error) {
	s.mu.Lock()
	_, known := s.tools[name]
	s.mu.Unlock()
	if !known {
		return nil, errors.ToolInvocation(name, fmt.Errorf("unknown tool"))
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	s.logger.Debugf("Calling tool %s", name)
	res, err := s.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, errors.ToolInvocation(name, err)
	}

	out := &ToolResult{Content: flattenContent(res.Content), IsError: res.IsError}
	if out.IsError && !errors.IsSoftFailure(out.Content) {
		out.Content = errors.SoftFailurePrefix + " " + out.Content
	}
	return out, nil
}

// flattenContent joins text content; non-text content is kept as JSON.
func flattenContent(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
			continue
		}
		if b, err := json.Marshal(c); err == nil {
			parts = append(parts, string(b))
		}
	}
	return strings.Join(parts, "\n")
}

// Close releases the transport. It is safe to call more than once.
func (s *ToolSession) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.session.Close()
	})
	return s.closeErr
}

// stderrLogger forwards a backend's stderr lines to the debug log.
type stderrLogger struct {
	logger *logging.Logger
	buf    bytes.Buffer
	mu     sync.Mutex
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			w.logger.Debugf("%s", line)
		}
	}
	return len(p), nil
}
