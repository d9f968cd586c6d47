// SPDX-License-Identifier: AGPL-3.0-only
package model

import "time"

// Kind distinguishes the entries kept in the history store.
type Kind string

const (
	// KindQuery is a user query processed by the client.
	KindQuery Kind = "query"
	// KindScript is an execution of the saved analysis code on the server.
	KindScript Kind = "script"
)

func (k Kind) String() string { return string(k) }

// Result records one processed query or one script execution.
type Result struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Input        string    `json:"input"`
	Output       string    `json:"output"`
	Error        string    `json:"error,omitempty"`
	ExitCode     int       `json:"exit_code"`
	CodeSaved    bool      `json:"code_saved,omitempty"`
	PlotExecuted bool      `json:"plot_executed,omitempty"`
	ToolRounds   int       `json:"tool_rounds,omitempty"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Duration     string    `json:"duration"`
}

// ResultStore persists results.
type ResultStore interface {
	SaveResult(result *Result) error
	// GetRecentResults returns up to limit results of kind, newest first.
	GetRecentResults(kind Kind, limit int) ([]*Result, error)
	Close() error
}
