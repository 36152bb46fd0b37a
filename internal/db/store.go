package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"github.com/neboloop/tabrelay/internal/db/migrations"
)

var (
	// ErrNotFound is returned by Get when the query yields no row.
	ErrNotFound = errors.New("db: not found")
	// ErrClosed is returned by every primitive after Close.
	ErrClosed = errors.New("db: store is closed")
)

// Row is one result row keyed by column name.
type Row map[string]any

// Statement is one entry of a Transaction batch.
type Statement struct {
	Query string
	Args  []any
}

// Querier is the primitive surface shared by Store and Tx.
type Querier interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Get(ctx context.Context, query string, args ...any) (Row, error)
	All(ctx context.Context, query string, args ...any) ([]Row, error)
}

// Store is the single owner of the database handle.
type Store struct {
	db *sql.DB

	shuttingDown atomic.Bool
	closed       atomic.Bool

	mu        sync.Mutex
	scheduler *cron.Cron

	legacy MigrationStatus
}

func newStore(db *sql.DB, legacy MigrationStatus) *Store {
	return &Store{db: db, legacy: legacy}
}

// LegacyMigration reports what the legacy migration did when the store was opened.
func (s *Store) LegacyMigration() MigrationStatus {
	return s.legacy
}

// SchemaVersion returns the applied migration version.
func (s *Store) SchemaVersion() (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	return migrations.Version(s.db)
}

// DB returns the underlying handle for migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Exec runs a statement that returns no rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.db.ExecContext(ctx, query, args...)
}

// Get returns the first row of query, or ErrNotFound.
func (s *Store) Get(ctx context.Context, query string, args ...any) (Row, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return firstRow(rows)
}

// All returns every row of query.
func (s *Store) All(ctx context.Context, query string, args ...any) ([]Row, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

// Transaction executes stmts atomically. Any failing statement rolls back the batch.
func (s *Store) Transaction(ctx context.Context, stmts []Statement) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		for i, st := range stmts {
			if _, err := tx.Exec(ctx, st.Query, st.Args...); err != nil {
				return fmt.Errorf("statement %d: %w", i, err)
			}
		}
		return nil
	})
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
// fn must use tx, not the Store: the store holds a single connection.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Tx exposes the store primitives inside a transaction.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) Get(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return firstRow(rows)
}

func (t *Tx) All(ctx context.Context, query string, args ...any) ([]Row, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRows(rows)
}

// BeginShutdown marks the store as shutting down. From then on connection audit
// writes are silent no-ops, so late socket-close callbacks cannot hit a closed handle.
func (s *Store) BeginShutdown() {
	s.shuttingDown.Store(true)
}

// ShuttingDown reports whether BeginShutdown or Close has been called.
func (s *Store) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Close stops scheduled checkpoints, truncates the WAL into the main file and closes
// the handle. Safe to call more than once.
func (s *Store) Close() error {
	s.BeginShutdown()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.stopCheckpoints()

	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	_, cpErr := checkpoint(ctx, s.db, CheckpointTruncate)

	if err := s.db.Close(); err != nil {
		return err
	}
	if cpErr != nil {
		return fmt.Errorf("final checkpoint: %w", cpErr)
	}
	return nil
}

var _ Querier = (*Store)(nil)
var _ Querier = (*Tx)(nil)

func firstRow(rows *sql.Rows) (Row, error) {
	all, err := collectRows(rows)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return all[0], nil
}

func collectRows(rows *sql.Rows) ([]Row, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
