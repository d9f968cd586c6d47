// SPDX-License-Identifier: AGPL-3.0-only

// Package analyst turns a stock question into runnable Python analysis code
// with two completion calls: one that extracts the request's parameters and
// one that writes the script.
package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jolks/mcp-finance/internal/agent"
	"github.com/jolks/mcp-finance/internal/errors"
	"github.com/jolks/mcp-finance/internal/logging"
)

const parserPrompt = `You are a financial analyst specialized in retrieving stock market data.
Extract the stock details from the user's request.
Reply with a single JSON object and nothing else, using the keys:
  "symbol": the ticker symbol, e.g. TSLA or AAPL (comma separated when comparing several stocks)
  "timeframe": the period to analyze, e.g. "1 day", "3 months", "1 year", "YTD"
  "action": what to do, e.g. "plot", "compare", "analyze volume"`

const writerPrompt = `You are a senior Python developer specialized in visualizing stock market data.
You are an expert in pandas, matplotlib and yfinance and write production-ready code.
Write one complete, runnable Python script for the request below.
Download the data with yfinance, compute what the action needs and show the chart with matplotlib.
Reply with the script in a single ` + "```python" + ` code block.`

var (
	fencePattern  = regexp.MustCompile("(?s)```(?:python|py)?[ \\t]*\\r?\\n(.*?)```")
	objectPattern = regexp.MustCompile(`(?s)\{.*\}`)
)

// Request is the structured form of a stock question.
type Request struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Action    string `json:"action"`
}

// Analyst generates analysis code with a ChatProvider.
type Analyst struct {
	provider agent.ChatProvider
	options  agent.CompletionOptions
	logger   *logging.Logger
}

// New creates an Analyst. opts.System is replaced per stage. A nil logger
// means the default logger at the time of each call.
func New(provider agent.ChatProvider, opts agent.CompletionOptions, logger *logging.Logger) *Analyst {
	return &Analyst{provider: provider, options: opts, logger: logger}
}

func (a *Analyst) log() *logging.Logger {
	if a.logger == nil {
		return logging.GetDefaultLogger()
	}
	return a.logger
}

// Analyze returns Python code that answers query.
func (a *Analyst) Analyze(ctx context.Context, query string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", errors.InvalidInput("query is required")
	}
	req, err := a.ParseQuery(ctx, query)
	if err != nil {
		return "", err
	}
	a.log().Infof("Parsed query: symbol=%s timeframe=%s action=%s", req.Symbol, req.Timeframe, req.Action)
	return a.WriteCode(ctx, query, req)
}

// ParseQuery extracts the symbol, timeframe and action from query.
func (a *Analyst) ParseQuery(ctx context.Context, query string) (*Request, error) {
	text, err := a.complete(ctx, parserPrompt, query)
	if err != nil {
		return nil, err
	}
	raw := objectPattern.FindString(text)
	if raw == "" {
		return nil, fmt.Errorf("query parser returned no JSON object: %q", firstLine(text))
	}
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, fmt.Errorf("decode parsed query: %w", err)
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		return nil, errors.InvalidInput("no stock symbol found in the query")
	}
	return &req, nil
}

// WriteCode asks for a script implementing req.
func (a *Analyst) WriteCode(ctx context.Context, query string, req *Request) (string, error) {
	prompt := fmt.Sprintf("Symbol: %s\nTimeframe: %s\nAction: %s\nOriginal request: %s",
		req.Symbol, orDefault(req.Timeframe, "1 year"), orDefault(req.Action, "plot"), query)
	text, err := a.complete(ctx, writerPrompt, prompt)
	if err != nil {
		return "", err
	}
	code := ExtractCode(text)
	if code == "" {
		return "", fmt.Errorf("code writer returned no code")
	}
	return code, nil
}

func (a *Analyst) complete(ctx context.Context, system, user string) (string, error) {
	opts := a.options
	opts.System = system
	resp, err := a.provider.CreateCompletion(ctx, opts, []agent.Message{{Role: agent.RoleUser, Content: user}}, nil)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// ExtractCode returns the first fenced code block in text, or the whole text
// when it has none.
func ExtractCode(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
