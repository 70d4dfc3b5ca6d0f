package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Event is one recorded client lifecycle event.
type Event struct {
	ID         int64
	Timestamp  time.Time
	Role       string
	ClientID   string
	ClientName string
	Event      string
	Detail     string
}

// Store writes lifecycle events to SQLite. Safe for concurrent use;
// write failures are logged, never surfaced to the routing path.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the audit database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ClientEvent records one lifecycle event. Errors are logged so a
// failing disk never blocks frame routing.
func (s *Store) ClientEvent(role, clientID, name, event, detail string) {
	_, err := s.db.Exec(
		`INSERT INTO client_events (ts, role, client_id, client_name, event, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.now().UnixMilli(), role, clientID, name, event, detail,
	)
	if err != nil {
		slog.Warn("audit write failed", "event", event, "client_id", clientID, "error", err)
	}
}

// Recent returns the most recent events, newest first.
func (s *Store) Recent(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, ts, role, client_id, client_name, event, detail
		 FROM client_events ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Role, &e.ClientID, &e.ClientName, &e.Event, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune deletes events older than the retention period. Returns the
// number of rows removed.
func (s *Store) Prune(retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM client_events WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	return res.RowsAffected()
}
