package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/neboloop/tabrelay/internal/db/migrations"
	"github.com/neboloop/tabrelay/internal/logging"
)

// pragmas tune the store for one writer with many short writes (~64MB page cache).
var pragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"cache_size(-64000)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
}

// Options configures Open.
type Options struct {
	// CheckpointInterval schedules passive WAL checkpoints. Zero disables them.
	CheckpointInterval time.Duration
}

func dsn(path string) string {
	params := make([]string, len(pragmas))
	for i, p := range pragmas {
		params[i] = "_pragma=" + p
	}
	return path + "?" + strings.Join(params, "&")
}

// Open creates the SQLite database, migrates any legacy shape, applies the schema and
// returns a Store. Failure here is fatal for the service.
func Open(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: SQLite has one writer, and every component shares this handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status := MigrateLegacy(ctx, db)
	switch {
	case status.Err != nil:
		logging.Warnf("[db] legacy migration skipped: %v", status.Err)
	case status.Applied:
		logging.Infof("[db] legacy migration folded %d cookie rows", status.Rows)
	}

	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	store := newStore(db, status)
	if opts.CheckpointInterval > 0 {
		if err := store.StartCheckpoints(opts.CheckpointInterval); err != nil {
			db.Close()
			return nil, err
		}
	}

	logging.Infof("[db] SQLite database initialized at %s", path)
	return store, nil
}
