// Package ledger is an append-only audit trail of dispatched actuator
// commands, backed by SQLite. It is intentionally not a sensor
// time-series store: only commands the core actually sent are
// recorded, satisfying the "future enhancement" the design notes
// mention without storing historical readings.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/labctl/labctl/internal/catalog"
)

// Ledger persists dispatched commands for audit and debugging.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and
// ensures its schema exists.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return l, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		lab_id TEXT NOT NULL,
		actuator_id TEXT NOT NULL,
		action TEXT NOT NULL,
		source TEXT NOT NULL,
		dispatched_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commands_lab_id ON commands(lab_id);
	CREATE INDEX IF NOT EXISTS idx_commands_dispatched_at ON commands(dispatched_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record is one dispatched command as stored in the ledger.
type Record struct {
	ID           string
	LabID        catalog.LabID
	ActuatorID   catalog.ActuatorID
	Action       string
	Source       string
	DispatchedAt time.Time
}

// Append records a dispatched command. Failures are non-fatal to the
// caller's dispatch path; the ledger is an audit trail, not the
// source of truth for command delivery.
func (l *Ledger) Append(labID catalog.LabID, actuatorID catalog.ActuatorID, action, source string) error {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	_, err = l.db.Exec(
		`INSERT INTO commands (id, lab_id, actuator_id, action, source, dispatched_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), string(labID), string(actuatorID), action, source, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// RecentCommands returns up to limit most recent commands for labID,
// newest first. The id tiebreak keeps ordering stable when several
// commands land within the same second (UUIDv7 ids sort by time).
func (l *Ledger) RecentCommands(labID catalog.LabID, limit int) ([]Record, error) {
	rows, err := l.db.Query(
		`SELECT id, lab_id, actuator_id, action, source, dispatched_at FROM commands
		 WHERE lab_id = ? ORDER BY dispatched_at DESC, id DESC LIMIT ?`,
		string(labID), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var labIDStr, actuatorIDStr, dispatchedAt string
		if err := rows.Scan(&r.ID, &labIDStr, &actuatorIDStr, &r.Action, &r.Source, &dispatchedAt); err != nil {
			return nil, err
		}
		r.LabID = catalog.LabID(labIDStr)
		r.ActuatorID = catalog.ActuatorID(actuatorIDStr)
		r.DispatchedAt, _ = time.Parse(time.RFC3339, dispatchedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
