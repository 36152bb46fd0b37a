package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// MigrationStatus reports what the legacy migration step did.
type MigrationStatus struct {
	Applied bool
	Sources []string
	Rows    int64
	Err     error
}

// cookiesDDL is the current cookie table shape. Kept in step with 00001_init.sql.
const cookiesDDL = `CREATE TABLE IF NOT EXISTS cookies (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    name             TEXT NOT NULL,
    value            TEXT NOT NULL DEFAULT '',
    domain           TEXT NOT NULL,
    path             TEXT NOT NULL DEFAULT '/',
    secure           INTEGER NOT NULL DEFAULT 0,
    http_only        INTEGER NOT NULL DEFAULT 0,
    same_site        TEXT NOT NULL DEFAULT 'unspecified'
                     CHECK (same_site IN ('no_restriction', 'lax', 'strict', 'unspecified')),
    expiration_date  REAL,
    session          INTEGER NOT NULL DEFAULT 0,
    store_id         TEXT,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    UNIQUE (name, domain, path)
)`

// legacyColumns maps current cookie columns to the names earlier schemas used.
var legacyColumns = map[string][]string{
	"value":           {"value"},
	"secure":          {"secure"},
	"http_only":       {"http_only", "httpOnly", "httponly"},
	"same_site":       {"same_site", "sameSite", "samesite"},
	"expiration_date": {"expiration_date", "expirationDate", "expires"},
	"session":         {"session"},
	"store_id":        {"store_id", "storeId"},
}

// MigrateLegacy folds cookie tables from the per-tab schema generation into the
// current (name, domain, path) keyed table, then drops them. It never fails startup:
// errors are reported in the status and the transaction is rolled back.
func MigrateLegacy(ctx context.Context, db *sql.DB) MigrationStatus {
	var status MigrationStatus

	cookieCols, err := tableColumns(ctx, db, "cookies")
	if err != nil {
		status.Err = err
		return status
	}
	tabCookieCols, err := tableColumns(ctx, db, "tab_cookies")
	if err != nil {
		status.Err = err
		return status
	}

	perTabCookies := cookieCols["tab_id"]
	if !perTabCookies && len(tabCookieCols) == 0 {
		return status
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		status.Err = fmt.Errorf("begin legacy migration: %w", err)
		return status
	}
	defer tx.Rollback()

	type source struct {
		table string
		cols  map[string]bool
	}
	var sources []source
	if perTabCookies {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE cookies RENAME TO cookies_legacy`); err != nil {
			status.Err = fmt.Errorf("rename legacy cookies: %w", err)
			return status
		}
		sources = append(sources, source{"cookies_legacy", cookieCols})
	}
	if len(tabCookieCols) > 0 {
		sources = append(sources, source{"tab_cookies", tabCookieCols})
	}

	if _, err := tx.ExecContext(ctx, cookiesDDL); err != nil {
		status.Err = fmt.Errorf("create cookies: %w", err)
		return status
	}

	now := time.Now().UnixMilli()
	for _, src := range sources {
		if !src.cols["name"] || !src.cols["domain"] {
			status.Err = fmt.Errorf("legacy table %s lacks name/domain columns", src.table)
			return status
		}
		res, err := tx.ExecContext(ctx, foldQuery(src.table, src.cols), now, now)
		if err != nil {
			status.Err = fmt.Errorf("fold %s: %w", src.table, err)
			return status
		}
		n, _ := res.RowsAffected()
		status.Rows += n

		if _, err := tx.ExecContext(ctx, `DROP TABLE `+src.table); err != nil {
			status.Err = fmt.Errorf("drop %s: %w", src.table, err)
			return status
		}
		status.Sources = append(status.Sources, src.table)
	}

	if err := tx.Commit(); err != nil {
		status.Err = fmt.Errorf("commit legacy migration: %w", err)
		status.Sources = nil
		status.Rows = 0
		return status
	}
	status.Applied = true
	return status
}

// foldQuery copies rows oldest first so the newest row for a key wins the REPLACE.
func foldQuery(table string, cols map[string]bool) string {
	pick := func(target, fallback string) string {
		for _, name := range legacyColumns[target] {
			if cols[name] {
				return `"` + name + `"`
			}
		}
		return fallback
	}

	path := `'/'`
	if cols["path"] {
		path = `COALESCE(NULLIF(path, ''), '/')`
	}
	sameSite := pick("same_site", "NULL")

	selectCols := []string{
		"name",
		"COALESCE(" + pick("value", "NULL") + ", '')",
		"domain",
		path,
		"COALESCE(" + pick("secure", "0") + ", 0)",
		"COALESCE(" + pick("http_only", "0") + ", 0)",
		`CASE lower(COALESCE(` + sameSite + `, ''))
			WHEN 'no_restriction' THEN 'no_restriction'
			WHEN 'none' THEN 'no_restriction'
			WHEN 'lax' THEN 'lax'
			WHEN 'strict' THEN 'strict'
			ELSE 'unspecified' END`,
		pick("expiration_date", "NULL"),
		"COALESCE(" + pick("session", "0") + ", 0)",
		pick("store_id", "NULL"),
		"?", "?",
	}

	return fmt.Sprintf(`INSERT OR REPLACE INTO cookies
		(name, value, domain, path, secure, http_only, same_site, expiration_date, session, store_id, created_at, updated_at)
		SELECT %s FROM %s WHERE name IS NOT NULL AND domain IS NOT NULL AND domain <> ''
		ORDER BY rowid`, strings.Join(selectCols, ", "), table)
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
