// Package audit persists client lifecycle events (registrations,
// disconnects, replacements) to a local SQLite database so that a hub
// restart does not erase the connection history.
package audit

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// open opens the SQLite database at path and configures it for
// concurrent use (WAL mode). Use ":memory:" in tests.
func open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	// SQLite only supports a single writer at a time.
	db.SetMaxOpenConns(1)

	return db, nil
}
