// SPDX-License-Identifier: AGPL-3.0-only
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jolks/mcp-finance/internal/model"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// maxResults caps a single history read.
const maxResults = 100

// SQLiteStore implements model.ResultStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ model.ResultStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// The client and the server it launches may share one history file.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveResult persists a query or script result.
func (s *SQLiteStore) SaveResult(result *model.Result) error {
	_, err := s.db.Exec(`
		INSERT INTO results (id, kind, input, output, error, exit_code, code_saved, plot_executed, tool_rounds, start_time, end_time, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID,
		result.Kind.String(),
		result.Input,
		result.Output,
		result.Error,
		result.ExitCode,
		boolToInt(result.CodeSaved),
		boolToInt(result.PlotExecuted),
		result.ToolRounds,
		result.StartTime.UTC().Format(timeFormat),
		result.EndTime.UTC().Format(timeFormat),
		result.Duration,
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// GetResult returns the result with the given ID, or nil, nil if none exists.
func (s *SQLiteStore) GetResult(id string) (*model.Result, error) {
	results, err := s.query(`WHERE id = ? ORDER BY seq DESC LIMIT 1`, id)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return results[0], nil
}

// GetRecentResults returns up to limit results of the given kind ordered by
// start_time descending (most recent first).
func (s *SQLiteStore) GetRecentResults(kind model.Kind, limit int) ([]*model.Result, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > maxResults {
		limit = maxResults
	}
	return s.query(`WHERE kind = ? ORDER BY start_time DESC, seq DESC LIMIT ?`, kind.String(), limit)
}

func (s *SQLiteStore) query(where string, args ...interface{}) ([]*model.Result, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, input, output, error, exit_code, code_saved, plot_executed, tool_rounds, start_time, end_time, duration
		FROM results `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var results []*model.Result
	for rows.Next() {
		var r model.Result
		var kind, startStr, endStr string
		var codeSaved, plotExecuted int
		if err := rows.Scan(
			&r.ID, &kind, &r.Input, &r.Output, &r.Error, &r.ExitCode,
			&codeSaved, &plotExecuted, &r.ToolRounds, &startStr, &endStr, &r.Duration,
		); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		r.Kind = model.Kind(kind)
		r.CodeSaved = codeSaved != 0
		r.PlotExecuted = plotExecuted != 0
		r.StartTime, _ = time.Parse(timeFormat, startStr)
		r.EndTime, _ = time.Parse(timeFormat, endStr)
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result rows: %w", err)
	}
	return results, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
