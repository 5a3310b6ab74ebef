// Package sqlite implements the local alert outbox on SQLite.
//
// The outbox accepts alerts while the primary store is unreachable so that
// an SOS is never dropped on the floor. Rows are deleted once the dispatcher
// has replayed them into the primary store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver.

	"github.com/SATYAM-KS/ClockTower/internal/alert"
)

// Outbox is an [alert.Outbox] backed by a SQLite file.
type Outbox struct {
	db *sql.DB
}

var _ alert.Outbox = (*Outbox)(nil)

// Open opens or creates the outbox database at path and applies the schema.
func Open(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("alert outbox: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("alert outbox: open %s: %w", path, err)
	}
	// A single connection serialises writers; SQLite allows only one anyway.
	db.SetMaxOpenConns(1)

	o := &Outbox{db: db}
	if err := o.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return o, nil
}

// Close closes the database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

func (o *Outbox) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS alert_outbox (
			id TEXT PRIMARY KEY,
			alert_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			queued_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := o.db.Exec(stmt); err != nil {
			return fmt.Errorf("alert outbox: migrate: %w", err)
		}
	}
	return nil
}

// Send queues a. Queuing an id twice keeps the first copy.
func (o *Outbox) Send(ctx context.Context, a alert.Alert) (string, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("alert outbox: marshal %s: %w", a.ID, err)
	}
	_, err = o.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO alert_outbox (id, alert_type, payload, queued_at) VALUES (?, ?, ?, ?)`,
		a.ID, string(a.Type), string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("alert outbox: insert %s: %w", a.ID, err)
	}
	return a.ID, nil
}

// Pending returns up to limit queued alerts in queue order.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]alert.Alert, error) {
	rows, err := o.db.QueryContext(ctx,
		`SELECT payload FROM alert_outbox ORDER BY rowid LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("alert outbox: pending: %w", err)
	}
	defer rows.Close()

	var out []alert.Alert
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("alert outbox: pending scan: %w", err)
		}
		var a alert.Alert
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, fmt.Errorf("alert outbox: decode: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("alert outbox: pending: %w", err)
	}
	return out, nil
}

// MarkDelivered removes the alert from the queue.
func (o *Outbox) MarkDelivered(ctx context.Context, id string) error {
	if _, err := o.db.ExecContext(ctx, `DELETE FROM alert_outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("alert outbox: delete %s: %w", id, err)
	}
	return nil
}

// Len returns the number of queued alerts.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	var n int
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alert_outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("alert outbox: count: %w", err)
	}
	return n, nil
}
