package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var embedMigrations embed.FS

// QuietMode suppresses goose's per-migration log lines.
var QuietMode = true

var setupOnce sync.Once
var setupErr error

func setup() error {
	setupOnce.Do(func() {
		goose.SetBaseFS(embedMigrations)
		setupErr = goose.SetDialect("sqlite3")
	})
	return setupErr
}

// Run applies every pending migration. Each migration only creates objects
// with IF NOT EXISTS, so running against an existing database is a no-op.
func Run(db *sql.DB) error {
	if err := setup(); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if QuietMode {
		goose.SetLogger(goose.NopLogger())
	}
	if err := goose.Up(db, "."); err != nil {
		return err
	}
	return nil
}

// Version returns the applied schema version.
func Version(db *sql.DB) (int64, error) {
	if err := setup(); err != nil {
		return 0, err
	}
	return goose.GetDBVersion(db)
}
