// Package postgres implements the reconciliation store and run history on
// PostgreSQL using a pgx connection pool. Collections are tables and entity
// fields are columns.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Options configures the pool and per-call behaviour.
type Options struct {
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// QueryTimeout bounds each store call. Zero disables it.
	QueryTimeout time.Duration

	// IDField is the column matched by Update (default: id).
	IDField string
}

// Store is a core.RemoteStore and core.RunRecorder backed by PostgreSQL.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	idField string
}

// Open parses url, connects a pool and verifies it with a ping.
func Open(ctx context.Context, url string, opts Options) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	if opts.MaxConns > 0 {
		poolConfig.MaxConns = int32(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		poolConfig.MinConns = int32(opts.MinConns)
	}
	if opts.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = opts.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return New(pool, opts), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, opts Options) *Store {
	idField := opts.IDField
	if idField == "" {
		idField = "id"
	}
	return &Store{pool: pool, timeout: opts.QueryTimeout, idField: idField}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the run history table.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// QueryByKey returns the rows of collection whose keyField equals keyValue
// when compared as text.
func (s *Store) QueryByKey(ctx context.Context, collection, keyField, keyValue string) ([]core.Entity, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT * FROM %s WHERE %s::text = $1",
		quoteIdentifier(collection), quoteIdentifier(keyField))

	rows, err := s.pool.Query(ctx, query, keyValue)
	if err != nil {
		return nil, describe(err)
	}

	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, describe(err)
	}

	entities := make([]core.Entity, len(maps))
	for i, m := range maps {
		entities[i] = core.Entity(m)
	}
	return entities, nil
}

// Probe runs an unfiltered single-row query to check the collection is readable.
func (s *Store) Probe(ctx context.Context, collection string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, fmt.Sprintf("SELECT 1 FROM %s LIMIT 1", quoteIdentifier(collection)))
	if err != nil {
		return describe(err)
	}
	rows.Close()
	return describe(rows.Err())
}

// Update sets the payload columns on the row whose ID column equals entityID.
func (s *Store) Update(ctx context.Context, collection, entityID string, payload map[string]any) error {
	if len(payload) == 0 {
		return errors.New("empty update payload")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query, args := buildUpdate(collection, s.idField, entityID, payload)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return describe(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no row in %s with %s %s", collection, s.idField, entityID)
	}
	return nil
}

// buildUpdate renders a parameterized UPDATE with columns in sorted order.
func buildUpdate(collection, idField, entityID string, payload map[string]any) (string, []any) {
	cols := make([]string, 0, len(payload))
	for c := range payload {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", quoteIdentifier(c), i+1)
		args = append(args, payload[c])
	}
	args = append(args, entityID)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s::text = $%d",
		quoteIdentifier(collection),
		strings.Join(sets, ", "),
		quoteIdentifier(idField),
		len(cols)+1,
	)
	return query, args
}

// RecordRun inserts a finished batch into reconcile_runs.
func (s *Store) RecordRun(ctx context.Context, run core.RunRecord) error {
	failures, err := json.Marshal(nonNil(run.Failures))
	if err != nil {
		return fmt.Errorf("encode failures: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO reconcile_runs (id, file_name, total, succeeded, failed, failures, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.FileName, run.Total, run.Succeeded, run.Failed, failures, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, describe(err))
	}
	return nil
}

// ListRuns returns up to limit runs, newest first. limit <= 0 means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]core.RunRecord, error) {
	query := `
		SELECT id::text, file_name, total, succeeded, failed, failures, started_at, finished_at
		FROM reconcile_runs
		ORDER BY finished_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", describe(err))
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.RunRecord, error) {
		var (
			r        core.RunRecord
			failures []byte
		)
		if err := row.Scan(&r.ID, &r.FileName, &r.Total, &r.Succeeded, &r.Failed, &failures, &r.StartedAt, &r.FinishedAt); err != nil {
			return r, err
		}
		if err := json.Unmarshal(failures, &r.Failures); err != nil {
			return r, fmt.Errorf("decode failures of run %s: %w", r.ID, err)
		}
		return r, nil
	})
}

// PurgeRuns deletes runs that finished before olderThan.
func (s *Store) PurgeRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM reconcile_runs WHERE finished_at < $1", olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge runs: %w", describe(err))
	}
	return tag.RowsAffected(), nil
}

// quoteIdentifier quotes a table or column name. A dotted name is treated
// as schema-qualified.
func quoteIdentifier(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// serverError prints a server error once while keeping the driver error
// reachable through errors.As.
type serverError struct {
	msg string
	err error
}

func (e *serverError) Error() string { return e.msg }
func (e *serverError) Unwrap() error { return e.err }

// describe flattens a server error into message, detail and SQLSTATE so the
// text stored in outcomes is readable without the driver's type.
func describe(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	msg := pgErr.Message
	if pgErr.Detail != "" {
		msg += ": " + pgErr.Detail
	}
	return &serverError{msg: fmt.Sprintf("%s (SQLSTATE %s)", msg, pgErr.Code), err: err}
}

func nonNil(o []core.UpdateOutcome) []core.UpdateOutcome {
	if o == nil {
		return []core.UpdateOutcome{}
	}
	return o
}

var (
	_ core.RemoteStore = (*Store)(nil)
	_ core.RunRecorder = (*Store)(nil)
)
