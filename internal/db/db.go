// Package db provides the sqlite-backed stores for the laughter
// detection pipeline: users, audio segments, stored detections, and
// per-run processing logs. All rows are scoped by user_id; uniqueness
// constraints on segments and detections are the storage-layer backstop
// for the pipeline's idempotency and dedup logic.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

//go:embed migrations/*.sql
var migrationsEmbed embed.FS

// MigrationsFS is the embedded migration source applied by OpenDB.
// Exposed so tests and the migrate CLI can use the same set.
var MigrationsFS fs.FS

func init() {
	sub, err := fs.Sub(migrationsEmbed, "migrations")
	if err != nil {
		panic(fmt.Sprintf("db: bad embedded migrations: %v", err))
	}
	MigrationsFS = sub
}

// OpenDB opens (creating if necessary) the sqlite database at path and
// applies all pending migrations.
func OpenDB(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// modernc sqlite serialises access per connection; a single
	// connection avoids SQLITE_BUSY between the scheduler and the API.
	sqldb.SetMaxOpenConns(1)

	if _, err := sqldb.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA foreign_keys = ON;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	db := &DB{sqldb}
	if err := db.MigrateUp(MigrationsFS); err != nil {
		sqldb.Close()
		return nil, err
	}

	return db, nil
}
