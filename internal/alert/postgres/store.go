// Package postgres implements [alert.Store] on PostgreSQL.
//
// Alerts live in the sos_alerts table and admins in admin_users. Every new
// alert is announced on the "sos_alerts" notification channel so admin
// consoles can LISTEN instead of polling.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SATYAM-KS/ClockTower/internal/alert"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying new alert ids.
const NotifyChannel = "sos_alerts"

// Schema is the SQL DDL for the alert tables. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS admin_users (
    user_id    TEXT PRIMARY KEY,
    email      TEXT NOT NULL DEFAULT '',
    role       TEXT NOT NULL DEFAULT 'admin' CHECK (role IN ('admin', 'super_admin')),
    is_active  BOOLEAN NOT NULL DEFAULT true,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sos_alerts (
    id                          TEXT PRIMARY KEY,
    user_id                     TEXT NOT NULL,
    user_email                  TEXT NOT NULL DEFAULT '',
    user_phone                  TEXT NOT NULL DEFAULT '',
    latitude                    DOUBLE PRECISION NOT NULL,
    longitude                   DOUBLE PRECISION NOT NULL,
    location_address            TEXT NOT NULL DEFAULT '',
    alert_type                  TEXT NOT NULL,
    status                      TEXT NOT NULL DEFAULT 'pending'
                                CHECK (status IN ('pending', 'acknowledged', 'resolved')),
    user_message                TEXT NOT NULL DEFAULT '',
    stationary_duration_minutes INTEGER NOT NULL DEFAULT 0,
    last_movement_time          TIMESTAMPTZ,
    created_at                  TIMESTAMPTZ NOT NULL DEFAULT now(),
    resolved_at                 TIMESTAMPTZ,
    admin_notes                 TEXT NOT NULL DEFAULT '',
    red_zone_id                 TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sos_alerts_user ON sos_alerts(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sos_alerts_created ON sos_alerts(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_sos_alerts_status ON sos_alerts(status);
`

const alertColumns = `id, user_id, user_email, user_phone, latitude, longitude,
       location_address, alert_type, status, user_message,
       stationary_duration_minutes, last_movement_time, created_at,
       resolved_at, admin_notes, red_zone_id`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is an [alert.Store] backed by PostgreSQL. It is safe for concurrent
// use when db is a pool.
type Store struct {
	db  DB
	log *slog.Logger
}

var _ alert.Store = (*Store)(nil)

// Connect opens and pings a connection pool for dsn.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("alert postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("alert postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("alert postgres: ping: %w", err)
	}
	return pool, nil
}

// NewStore creates a [Store] on db. A nil logger uses [slog.Default]. The
// caller runs [Store.Migrate] before the first query.
func NewStore(db DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log}
}

// Migrate executes [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("alert postgres: migrate: %w", err)
	}
	return nil
}

// Send inserts a and notifies the active admins. Inserting an id that
// already exists is a no-op that returns the id, so outbox replays are safe.
// Admin notification failures are logged, not returned.
func (s *Store) Send(ctx context.Context, a alert.Alert) (string, error) {
	const query = `
		INSERT INTO sos_alerts (
			id, user_id, user_email, user_phone, latitude, longitude,
			location_address, alert_type, status, user_message,
			stationary_duration_minutes, last_movement_time, created_at, red_zone_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO NOTHING`

	tag, err := s.db.Exec(ctx, query,
		a.ID, a.UserID, a.UserEmail, a.UserPhone, a.Location.Lat, a.Location.Lng,
		a.LocationAddress, string(a.Type), string(a.Status), a.Message,
		a.StationaryMinutes, nullTime(a.LastMovementTime), a.CreatedAt, a.ZoneID,
	)
	if err != nil {
		return "", fmt.Errorf("alert postgres: insert %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Debug("alert postgres: alert already stored", "alert_id", a.ID)
		return a.ID, nil
	}
	s.notifyAdmins(ctx, a)
	return a.ID, nil
}

// notifyAdmins announces a to the active admins.
func (s *Store) notifyAdmins(ctx context.Context, a alert.Alert) {
	rows, err := s.db.Query(ctx, `SELECT email FROM admin_users WHERE is_active ORDER BY email`)
	if err != nil {
		s.log.Warn("alert postgres: list admins", "alert_id", a.ID, "err", err)
		return
	}
	emails, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		s.log.Warn("alert postgres: list admins", "alert_id", a.ID, "err", err)
		return
	}
	if len(emails) == 0 {
		s.log.Warn("alert postgres: no active admins to notify", "alert_id", a.ID)
		return
	}

	if _, err := s.db.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, a.ID); err != nil {
		s.log.Warn("alert postgres: notify admins", "alert_id", a.ID, "err", err)
		return
	}
	s.log.Info("alert postgres: admins notified",
		"alert_id", a.ID, "admins", len(emails), "location", a.LocationAddress)
}

// List returns alerts newest first, filtered by f.
func (s *Store) List(ctx context.Context, f alert.Filter) ([]alert.Alert, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT " + alertColumns + " FROM sos_alerts")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("alert postgres: list: %w", err)
	}
	defer rows.Close()

	alerts := []alert.Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("alert postgres: list scan: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("alert postgres: list: %w", err)
	}
	return alerts, nil
}

// UpdateStatus implements [alert.Store].
func (s *Store) UpdateStatus(ctx context.Context, id string, st alert.Status, notes string) error {
	if !st.Valid() {
		return fmt.Errorf("alert postgres: invalid status %q", st)
	}
	const query = `
		UPDATE sos_alerts SET
			status = $2::text,
			resolved_at = CASE WHEN $2::text = 'resolved' THEN now() ELSE resolved_at END,
			admin_notes = CASE WHEN $3::text <> '' THEN $3::text ELSE admin_notes END
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query, id, string(st), notes)
	if err != nil {
		return fmt.Errorf("alert postgres: update %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert postgres: update %s: %w", id, alert.ErrNotFound)
	}
	return nil
}

// IsActiveAdmin implements [alert.Store].
func (s *Store) IsActiveAdmin(ctx context.Context, userID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM admin_users WHERE user_id = $1 AND is_active)`
	var ok bool
	if err := s.db.QueryRow(ctx, query, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("alert postgres: admin lookup %s: %w", userID, err)
	}
	return ok, nil
}

// UpsertAdmin creates or updates an admin_users row.
func (s *Store) UpsertAdmin(ctx context.Context, userID, email, role string, active bool) error {
	const query = `
		INSERT INTO admin_users (user_id, email, role, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			is_active = EXCLUDED.is_active`
	if role == "" {
		role = "admin"
	}
	if _, err := s.db.Exec(ctx, query, userID, email, role, active); err != nil {
		return fmt.Errorf("alert postgres: upsert admin %s: %w", userID, err)
	}
	return nil
}

func scanAlert(row pgx.Row) (alert.Alert, error) {
	var (
		a                      alert.Alert
		alertType, status      string
		lastMovement, resolved *time.Time
	)
	err := row.Scan(
		&a.ID, &a.UserID, &a.UserEmail, &a.UserPhone, &a.Location.Lat, &a.Location.Lng,
		&a.LocationAddress, &alertType, &status, &a.Message,
		&a.StationaryMinutes, &lastMovement, &a.CreatedAt,
		&resolved, &a.AdminNotes, &a.ZoneID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return alert.Alert{}, alert.ErrNotFound
		}
		return alert.Alert{}, err
	}
	a.Type = alert.Type(alertType)
	a.Status = alert.Status(status)
	a.ResolvedAt = resolved
	if lastMovement != nil {
		a.LastMovementTime = *lastMovement
	}
	return a, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
