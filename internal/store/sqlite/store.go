// Package sqlite implements the reconciliation store and run history on an
// embedded SQLite database. It backs local runs of the CLI and the tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JonMunkholm/sheetsync/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is a core.RemoteStore and core.RunRecorder backed by SQLite.
type Store struct {
	db      *sql.DB
	idField string
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(path, idField string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory database exists per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return New(db, idField), nil
}

// New wraps an open database. The schema is not applied.
func New(db *sql.DB, idField string) *Store {
	if idField == "" {
		idField = "id"
	}
	return &Store{db: db, idField: idField}
}

// DB exposes the handle for seeding and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// QueryByKey returns the rows of collection whose keyField equals keyValue
// when compared as text.
func (s *Store) QueryByKey(ctx context.Context, collection, keyField, keyValue string) ([]core.Entity, error) {
	query := fmt.Sprintf("SELECT * FROM %s WHERE CAST(%s AS TEXT) = ?",
		quoteIdentifier(collection), quoteIdentifier(keyField))

	rows, err := s.db.QueryContext(ctx, query, keyValue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntities(rows)
}

func scanEntities(rows *sql.Rows) ([]core.Entity, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var entities []core.Entity
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		e := make(core.Entity, len(cols))
		for i, c := range cols {
			e[c] = values[i]
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// Probe runs an unfiltered single-row query to check the collection is readable.
func (s *Store) Probe(ctx context.Context, collection string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", quoteIdentifier(collection)))
	if err != nil {
		return err
	}
	rows.Close()
	return rows.Err()
}

// Update sets the payload columns on the row whose ID column equals entityID.
func (s *Store) Update(ctx context.Context, collection, entityID string, payload map[string]any) error {
	if len(payload) == 0 {
		return errors.New("empty update payload")
	}

	cols := make([]string, 0, len(payload))
	for c := range payload {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = quoteIdentifier(c) + " = ?"
		args = append(args, payload[c])
	}
	args = append(args, entityID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE CAST(%s AS TEXT) = ?",
		quoteIdentifier(collection), strings.Join(sets, ", "), quoteIdentifier(s.idField))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no row in %s with %s %s", collection, s.idField, entityID)
	}
	return nil
}

// RecordRun inserts a finished batch into reconcile_runs.
func (s *Store) RecordRun(ctx context.Context, run core.RunRecord) error {
	failures := run.Failures
	if failures == nil {
		failures = []core.UpdateOutcome{}
	}
	encoded, err := json.Marshal(failures)
	if err != nil {
		return fmt.Errorf("encode failures: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reconcile_runs (id, file_name, total, succeeded, failed, failures, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.FileName, run.Total, run.Succeeded, run.Failed, string(encoded),
		run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first. limit <= 0 means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]core.RunRecord, error) {
	query := `
		SELECT id, file_name, total, succeeded, failed, failures, started_at, finished_at
		FROM reconcile_runs
		ORDER BY finished_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []core.RunRecord
	for rows.Next() {
		var (
			r        core.RunRecord
			failures string
			started  int64
			finished int64
		)
		if err := rows.Scan(&r.ID, &r.FileName, &r.Total, &r.Succeeded, &r.Failed, &failures, &started, &finished); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(failures), &r.Failures); err != nil {
			return nil, fmt.Errorf("decode failures of run %s: %w", r.ID, err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(finished).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PurgeRuns deletes runs that finished before olderThan.
func (s *Store) PurgeRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM reconcile_runs WHERE finished_at < ?", olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge runs: %w", err)
	}
	return res.RowsAffected()
}

// quoteIdentifier double-quotes a table or column name, escaping embedded quotes.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var (
	_ core.RemoteStore = (*Store)(nil)
	_ core.RunRecorder = (*Store)(nil)
)
