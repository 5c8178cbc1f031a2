package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const currentSchemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS rows (
	tbl     TEXT    NOT NULL,
	ident   TEXT    NOT NULL,
	id_blob BLOB    NOT NULL,
	payload BLOB,
	stamp   INTEGER NOT NULL,
	version INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tbl, ident)
);
CREATE INDEX IF NOT EXISTS rows_version ON rows (tbl, version);

CREATE TABLE IF NOT EXISTS sync_cursors (
	peer        TEXT    NOT NULL,
	schema_name TEXT    NOT NULL,
	tbl         TEXT    NOT NULL,
	since       INTEGER NOT NULL,
	digest      BLOB,
	PRIMARY KEY (peer, schema_name, tbl)
);
`

// openDB opens the SQLite file at path and applies pragmas and schema.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite has one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("execute %q: %w", p, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// writeOps persists ops in one SQLite transaction.
func writeOps(ctx context.Context, db *sql.DB, ops []op) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rows (tbl, ident, id_blob, payload, stamp, version, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tbl, ident) DO UPDATE SET
			id_blob = excluded.id_blob,
			payload = excluded.payload,
			stamp   = excluded.stamp,
			version = excluded.version,
			deleted = excluded.deleted
	`)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	defer stmt.Close() //nolint:errcheck

	for _, o := range ops {
		deleted := 0
		if o.kind == opDelete {
			deleted = 1
		}
		_, identKey := splitKey(o.key)
		if _, err := stmt.ExecContext(ctx, o.table, storedIdent(identKey), o.ident, o.value, o.stamp, o.version, deleted); err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
	}
	return tx.Commit()
}

// loadRows streams every stored row, tombstones included.
func loadRows(ctx context.Context, db *sql.DB, fn func(table, identKey string, e entry) error) error {
	rows, err := db.QueryContext(ctx, `SELECT tbl, ident, payload, stamp, version, deleted FROM rows`)
	if err != nil {
		return err
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var (
			table, ident string
			payload      []byte
			e            entry
		)
		if err := rows.Scan(&table, &ident, &payload, &e.Stamp, &e.Version, &e.Tombstone); err != nil {
			return err
		}
		e.Value = payload
		if err := fn(table, loadedIdent(ident), e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func maxVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM rows`).Scan(&v)
	return v, err
}

// storedIdent makes an identity key safe for a TEXT column. Identity keys
// are "class\x00value"; the class never contains ':'.
func storedIdent(identKey string) string {
	return strings.Replace(identKey, "\x00", ":", 1)
}

func loadedIdent(stored string) string {
	return strings.Replace(stored, ":", "\x00", 1)
}

func splitKey(key string) (table, identKey string) {
	table, identKey, _ = strings.Cut(key, "\x00")
	return table, identKey
}
