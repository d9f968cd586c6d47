// SPDX-License-Identifier: AGPL-3.0-only
package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jolks/mcp-finance/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndGetResult(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().Truncate(time.Microsecond)
	r := &model.Result{
		ID:           "q-1",
		Kind:         model.KindQuery,
		Input:        "Plot TSLA 3-month",
		Output:       "[Analyzing stock: TSLA]",
		ExitCode:     0,
		CodeSaved:    true,
		PlotExecuted: true,
		ToolRounds:   2,
		StartTime:    now,
		EndTime:      now.Add(time.Second),
		Duration:     "1s",
	}

	if err := s.SaveResult(r); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	got, err := s.GetResult("q-1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got == nil {
		t.Fatal("expected result, got nil")
	}
	if got.Kind != model.KindQuery {
		t.Errorf("Kind = %q, want %q", got.Kind, model.KindQuery)
	}
	if got.Input != "Plot TSLA 3-month" {
		t.Errorf("Input = %q, want %q", got.Input, "Plot TSLA 3-month")
	}
	if got.Output != "[Analyzing stock: TSLA]" {
		t.Errorf("Output = %q", got.Output)
	}
	if !got.CodeSaved || !got.PlotExecuted {
		t.Errorf("flags = (%v, %v), want (true, true)", got.CodeSaved, got.PlotExecuted)
	}
	if got.ToolRounds != 2 {
		t.Errorf("ToolRounds = %d, want 2", got.ToolRounds)
	}
	if !got.StartTime.Equal(now) {
		t.Errorf("StartTime = %v, want %v", got.StartTime, now)
	}
	if got.Duration != "1s" {
		t.Errorf("Duration = %q, want %q", got.Duration, "1s")
	}
}

func TestGetResultNotFound(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetResult("nonexistent")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil result, got %+v", got)
	}
}

func TestGetRecentResultsOrderingAndKind(t *testing.T) {
	s := newTestStore(t)

	now := time.Now().Truncate(time.Microsecond)

	for i := 0; i < 3; i++ {
		r := &model.Result{
			ID:        fmt.Sprintf("q-%d", i),
			Kind:      model.KindQuery,
			Input:     fmt.Sprintf("query %d", i),
			StartTime: now.Add(time.Duration(i) * time.Minute),
			EndTime:   now.Add(time.Duration(i)*time.Minute + time.Second),
			Duration:  "1s",
		}
		if err := s.SaveResult(r); err != nil {
			t.Fatalf("SaveResult %d: %v", i, err)
		}
	}
	script := &model.Result{
		ID:        "run-1",
		Kind:      model.KindScript,
		Input:     "stock_analysis.py",
		StartTime: now.Add(time.Hour),
		EndTime:   now.Add(time.Hour),
	}
	if err := s.SaveResult(script); err != nil {
		t.Fatalf("SaveResult script: %v", err)
	}

	results, err := s.GetRecentResults(model.KindQuery, 10)
	if err != nil {
		t.Fatalf("GetRecentResults: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 query results, got %d", len(results))
	}
	if results[0].Input != "query 2" {
		t.Errorf("first result input = %q, want %q", results[0].Input, "query 2")
	}
	if results[2].Input != "query 0" {
		t.Errorf("last result input = %q, want %q", results[2].Input, "query 0")
	}

	scripts, err := s.GetRecentResults(model.KindScript, 10)
	if err != nil {
		t.Fatalf("GetRecentResults scripts: %v", err)
	}
	if len(scripts) != 1 || scripts[0].ID != "run-1" {
		t.Fatalf("expected the single script result, got %+v", scripts)
	}
}

func TestGetRecentResultsSubSecondOrdering(t *testing.T) {
	s := newTestStore(t)

	// A whole-second timestamp must not sort after a later fractional one.
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, start := range []time.Time{base, base.Add(100 * time.Millisecond)} {
		r := &model.Result{ID: fmt.Sprintf("q-%d", i), Kind: model.KindQuery, StartTime: start, EndTime: start}
		if err := s.SaveResult(r); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	}

	results, err := s.GetRecentResults(model.KindQuery, 2)
	if err != nil {
		t.Fatalf("GetRecentResults: %v", err)
	}
	if results[0].ID != "q-1" {
		t.Errorf("expected q-1 first, got %s", results[0].ID)
	}
}

func TestGetRecentResultsLimitClamp(t *testing.T) {
	s := newTestStore(t)

	results, err := s.GetRecentResults(model.KindQuery, 0)
	if err != nil {
		t.Fatalf("GetRecentResults with limit 0: %v", err)
	}
	if results != nil {
		t.Fatalf("expected nil results, got %d", len(results))
	}

	results, err = s.GetRecentResults(model.KindQuery, 200)
	if err != nil {
		t.Fatalf("GetRecentResults with limit 200: %v", err)
	}
	if results != nil {
		t.Fatalf("expected nil results, got %d", len(results))
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "migrate.db")

	s1, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}

	s2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer func() { _ = s2.Close() }()

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()

	var version int
	if err := db.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("schema version = %d, want %d", version, len(migrations))
	}
}
